// Package metrics implements the concrete collaborator the core spec
// defers to an "external metrics collector": a fixed-taxonomy event
// sink realized as Prometheus counters/gauges plus structured zap
// log lines, so every event named in the wire-level spec has somewhere
// real to go instead of being dropped on the floor.
package metrics

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// EventSink is the fixed taxonomy of events the QUIC core emits,
// consumed here by a concrete Prometheus+zap implementation.
type EventSink interface {
	DcStateChanged(state string)
	MtuUpdated(mtu uint32, cause string, searchComplete bool)
	MtuProbingCompleteReceived(mtu uint32)
	EndpointDatagramDropped(reason string)
	AcceptorTcpPacketDropped(reason string)
}

// PromZapSink implements EventSink with Prometheus counters/gauges,
// registered against a caller-supplied Registerer, and a zap logger for
// the human-debuggable twin of each metric.
type PromZapSink struct {
	log *zap.Logger

	dcStateChanges      *prometheus.CounterVec
	mtuUpdates          *prometheus.CounterVec
	mtuGauge            prometheus.Gauge
	mtuProbingComplete  prometheus.Counter
	datagramsDropped    *prometheus.CounterVec
	tcpPacketsDropped   *prometheus.CounterVec
}

// NewPromZapSink constructs and registers the sink's metrics against
// reg. Passing a fresh prometheus.NewRegistry() keeps tests isolated
// from the global default registry.
func NewPromZapSink(reg prometheus.Registerer, log *zap.Logger) *PromZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	s := &PromZapSink{
		log: log,
		dcStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motoquic",
			Subsystem: "dc",
			Name:      "state_changes_total",
			Help:      "Count of dc path-secret-map state transitions by new state.",
		}, []string{"state"}),
		mtuUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motoquic",
			Subsystem: "mtu",
			Name:      "updates_total",
			Help:      "Count of PLPMTUD plpmtu updates by cause.",
		}, []string{"cause"}),
		mtuGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "motoquic",
			Subsystem: "mtu",
			Name:      "current_plpmtu_bytes",
			Help:      "Most recently confirmed plpmtu, in bytes.",
		}),
		mtuProbingComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motoquic",
			Subsystem: "mtu",
			Name:      "probing_complete_received_total",
			Help:      "Count of MTU_PROBING_COMPLETE frames received from peers.",
		}),
		datagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motoquic",
			Subsystem: "endpoint",
			Name:      "datagrams_dropped_total",
			Help:      "Count of inbound datagrams dropped by reason.",
		}, []string{"reason"}),
		tcpPacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "motoquic",
			Subsystem: "acceptor",
			Name:      "tcp_packets_dropped_total",
			Help:      "Count of TCP acceptor packets dropped by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(s.dcStateChanges, s.mtuUpdates, s.mtuGauge, s.mtuProbingComplete, s.datagramsDropped, s.tcpPacketsDropped)
	return s
}

// DcStateChanged implements EventSink.
func (s *PromZapSink) DcStateChanged(state string) {
	s.dcStateChanges.WithLabelValues(state).Inc()
	s.log.Info("dc state changed", zap.String("state", state))
}

// MtuUpdated implements EventSink.
func (s *PromZapSink) MtuUpdated(mtu uint32, cause string, searchComplete bool) {
	s.mtuUpdates.WithLabelValues(cause).Inc()
	s.mtuGauge.Set(float64(mtu))
	s.log.Info("mtu updated",
		zap.Uint32("mtu", mtu),
		zap.String("cause", cause),
		zap.Bool("search_complete", searchComplete))
}

// MtuProbingCompleteReceived implements EventSink.
func (s *PromZapSink) MtuProbingCompleteReceived(mtu uint32) {
	s.mtuProbingComplete.Inc()
	s.log.Info("mtu probing complete received", zap.Uint32("mtu", mtu))
}

// EndpointDatagramDropped implements EventSink.
func (s *PromZapSink) EndpointDatagramDropped(reason string) {
	s.datagramsDropped.WithLabelValues(reason).Inc()
	s.log.Debug("endpoint datagram dropped", zap.String("reason", reason))
}

// AcceptorTcpPacketDropped implements EventSink.
func (s *PromZapSink) AcceptorTcpPacketDropped(reason string) {
	s.tcpPacketsDropped.WithLabelValues(reason).Inc()
	s.log.Debug("acceptor tcp packet dropped", zap.String("reason", reason))
}

// NopSink discards every event; useful for components under test that
// do not care about metrics wiring.
type NopSink struct{}

func (NopSink) DcStateChanged(string)                  {}
func (NopSink) MtuUpdated(uint32, string, bool)         {}
func (NopSink) MtuProbingCompleteReceived(uint32)       {}
func (NopSink) EndpointDatagramDropped(string)          {}
func (NopSink) AcceptorTcpPacketDropped(string)         {}
