package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestPromZapSinkRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPromZapSink(reg, nil)

	sink.MtuUpdated(1472, "ProbeAcknowledged", true)
	sink.DcStateChanged("Active")
	sink.MtuProbingCompleteReceived(1472)
	sink.EndpointDatagramDropped("malformed")
	sink.AcceptorTcpPacketDropped("timeout")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNopSinkDoesNotPanic(t *testing.T) {
	var s NopSink
	s.MtuUpdated(1200, "x", false)
	s.DcStateChanged("x")
	s.MtuProbingCompleteReceived(1200)
	s.EndpointDatagramDropped("x")
	s.AcceptorTcpPacketDropped("x")
}
