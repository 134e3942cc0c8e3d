package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cppla/motoquic/config"
	"github.com/cppla/motoquic/internal/metrics"
	"github.com/cppla/motoquic/internal/quic/cubic"
	"github.com/cppla/motoquic/internal/quic/dc/handshakeq"
	"github.com/cppla/motoquic/internal/quic/dc/secretmap"
	"github.com/cppla/motoquic/internal/quic/ingress"
	"github.com/cppla/motoquic/internal/quic/localid"
	"github.com/cppla/motoquic/internal/quic/mtu"
	"github.com/cppla/motoquic/internal/quic/pathmgr"
	"github.com/cppla/motoquic/internal/quic/segment"
	"github.com/cppla/motoquic/internal/quic/token"
	"github.com/cppla/motoquic/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// core bundles the per-process QUIC transport components: those that
// are genuinely process-shared (the dc path-secret map, the handshake
// queue, the Retry-token format, the event sink) as opposed to the
// per-connection components (MTU controller, CUBIC, local-id
// registry, path manager) which newConnectionPath constructs fresh per
// accepted connection. Segment pools are built one per listener in
// main.
type core struct {
	sink       *metrics.PromZapSink
	tokens     *token.Format
	secrets    *secretmap.Map
	cleaner    *secretmap.Cleaner
	handshakes *handshakeq.Queue
}

func newCore(cfg config.QUICConfig) *core {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPromZapSink(reg, utils.Logger)

	cleaner := secretmap.NewCleaner(cfg.DC.CleanerMinIntervalSeconds, cfg.DC.CleanerMaxIntervalSeconds, cfg.DC.EvictionCycles)
	signer := secretmap.NewSigner(randomSigningKey())
	secrets := secretmap.New(500000, signer, cleaner)
	cleaner.Run(secrets)

	hq := handshakeq.New(handshakeq.Config{
		MaxStartingHandshakes: cfg.HandshakeQueue.MaxStartingHandshakes,
		MaxInflight:           cfg.HandshakeQueue.MaxInflight,
		SuccessJitterMillis:   cfg.HandshakeQueue.SuccessJitterMillis,
	}, stubHandshake, utils.Logger)

	return &core{
		sink:       sink,
		tokens:     token.NewFormat(token.DefaultKeyRotationPeriod, time.Now()),
		secrets:    secrets,
		cleaner:    cleaner,
		handshakes: hq,
	}
}

func (c *core) Close() {
	c.cleaner.Stop()
}

// newConnectionPath constructs the per-connection MTU controller,
// CUBIC congestion controller, local-id registry, and path manager
// for a freshly accepted connection, starting from the IPv4 base
// PLPMTU.
func (c *core) newConnectionPath(initialDCID []byte, peer net.Addr, now time.Time) (*mtu.Controller, *cubic.Controller, *localid.Registry, *pathmgr.Manager, error) {
	mtuCfg := mtu.Config{
		BasePlpmtu: mtu.BasePlpmtuForIPv4(),
		MaxMTU:     1500,
		InitialMtu: mtu.BasePlpmtuForIPv4(),
	}
	cubicCtrl := cubic.NewController(mtuCfg.BasePlpmtu, now)
	mtuCtrl, err := mtu.NewController(mtuCfg, now, mtuEventAdapter{c.sink}, cubicEventAdapter{cubicCtrl})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	idRegistry := localid.NewRegistry(localid.MaxActiveConnectionIDLimit, localid.ConnectionID(initialDCID))

	initialPath := &pathmgr.Path{PeerAddress: peer, CC: cubicCCAdapter{cubicCtrl}}
	paths := pathmgr.NewManager(initialPath, func() time.Duration { return 100 * time.Millisecond })

	return mtuCtrl, cubicCtrl, idRegistry, paths, nil
}

type mtuEventAdapter struct{ sink *metrics.PromZapSink }

func (a mtuEventAdapter) MtuUpdated(mtuValue uint32, cause string, searchComplete bool) {
	a.sink.MtuUpdated(mtuValue, cause, searchComplete)
}

type cubicEventAdapter struct{ c *cubic.Controller }

func (a cubicEventAdapter) OnMtuUpdate(newMTU uint32) { a.c.OnMtuUpdate(newMTU) }

type cubicCCAdapter struct{ c *cubic.Controller }

func (a cubicCCAdapter) CongestionWindow() uint32 { return a.c.CongestionWindow() }

func stubHandshake(ctx context.Context, peer net.Addr, reason handshakeq.Reason) (handshakeq.Result, error) {
	// Placeholder for the dc-confirm + MTU-probe-complete handshake
	// sequence; a concrete TLS/dc transport is out of scope for this
	// core but the queue's admission control and dedup behave
	// identically regardless of what runs inside it.
	select {
	case <-ctx.Done():
		return handshakeq.Result{}, ctx.Err()
	default:
		return handshakeq.Result{Peer: peer}, nil
	}
}

func randomSigningKey() []byte {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return key
}

// connection bundles the per-connection path state newConnectionPath
// builds, keyed by the locally-issued connection ID that owns it.
type connection struct {
	mtu   *mtu.Controller
	cc    *cubic.Controller
	ids   *localid.Registry
	paths *pathmgr.Manager
}

// dispatcher implements ingress.Dispatcher, routing an inbound
// datagram to its connection by the destination connection ID
// prefix, building a fresh connection path on first sight.
type dispatcher struct {
	core *core
	mu   sync.Mutex
	byID map[[8]byte]*connection
}

func newDispatcher(c *core) *dispatcher {
	return &dispatcher{core: c, byID: make(map[[8]byte]*connection)}
}

func (d *dispatcher) Deliver(dcid [8]byte, peer net.Addr, payload []byte) bool {
	d.mu.Lock()
	conn, known := d.byID[dcid]
	d.mu.Unlock()
	if known {
		// A real transport would feed payload into conn's recovery and
		// stream-reassembly pipeline here; that per-packet decode is
		// out of scope for this front-end.
		_ = conn
		return true
	}

	mtuCtrl, cubicCtrl, idRegistry, paths, err := d.core.newConnectionPath(dcid[:], peer, time.Now())
	if err != nil {
		utils.Logger.Warn("failed to build connection path", zap.Error(err))
		return false
	}
	d.mu.Lock()
	d.byID[dcid] = &connection{mtu: mtuCtrl, cc: cubicCtrl, ids: idRegistry, paths: paths}
	d.mu.Unlock()
	return false
}

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	defer utils.Logger.Sync()
	utils.Logger.Info("motoquicd starting")

	qc := newCore(config.GlobalCfg.QUIC)
	defer qc.Close()
	utils.Logger.Info("quic core ready",
		zap.Int("max_starting_handshakes", config.GlobalCfg.QUIC.HandshakeQueue.MaxStartingHandshakes),
	)

	// Exercise the per-connection wiring against a loopback placeholder
	// path so a misconfigured MTU/CUBIC pairing is caught at startup
	// rather than on the first real accept.
	if _, _, _, _, err := qc.newConnectionPath(
		[]byte{0, 1, 2, 3, 4, 5, 6, 7},
		&net.UDPAddr{IP: net.IPv4zero, Port: 0},
		time.Now(),
	); err != nil {
		utils.Logger.Warn("quic connection-path self-check failed", zap.Error(err))
	}

	disp := newDispatcher(qc)

	wg := &sync.WaitGroup{}
	for _, v := range config.GlobalCfg.Listeners {
		// Pool is not safe for concurrent use, so each listener gets
		// its own rather than sharing one across goroutines.
		pool := segment.NewPool(1500, segment.NewGSOCapability(1), utils.Logger)
		wg.Add(1)
		go ingress.Listen(v, pool, disp, utils.Logger, wg)
	}
	wg.Wait()
	utils.Logger.Info("motoquicd stopped")
}
