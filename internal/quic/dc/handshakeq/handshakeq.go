// Package handshakeq implements the client-side dc handshake queue:
// per-peer deduplication via singleflight, two semaphore concurrency
// gates (starting handshakes, total inflight), and jittered post-
// outcome cleanup so bursts of callers for the same peer share one
// handshake. Grounded directly on spec §4.K, cross-checked against
// map.rs's requested_handshakes interaction (read partially from
// original_source) for how re-handshake requests feed this queue.
package handshakeq

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Reason records why a handshake was initiated.
type Reason int

const (
	ReasonUser Reason = iota
	ReasonPeriodic
	ReasonRemote
)

const handshakeDeadline = 10 * time.Second

// DefaultMaxStartingHandshakes bounds concurrent TLS handshake starts
// (CPU-bound work).
const DefaultMaxStartingHandshakes = 5

// DefaultMaxInflight bounds total inflight connections.
const DefaultMaxInflight = 750

// DefaultSuccessJitterMillis is the upper bound of the post-success
// cleanup delay.
const DefaultSuccessJitterMillis = 2000

const (
	failureCleanupMinMillis = 1000
	failureCleanupMaxMillis = 120000
)

// HandshakeError wraps a handshake failure so every singleflight
// joiner observes the same typed error.
type HandshakeError struct {
	Peer net.Addr
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshakeq: handshake with %s failed: %v", e.Peer, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Result is a completed handshake's outcome.
type Result struct {
	Peer net.Addr
}

// HandshakeFunc performs the actual dc-confirm plus MTU-probe-complete
// handshake sequence, respecting ctx's deadline.
type HandshakeFunc func(ctx context.Context, peer net.Addr, reason Reason) (Result, error)

type entry struct {
	userCount, periodicCount, remoteCount int
}

// Queue deduplicates and rate-limits concurrent handshakes.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry

	group singleflight.Group

	startSem    *semaphore.Weighted
	inflightSem *semaphore.Weighted

	successJitter time.Duration

	handshake HandshakeFunc
	log       *zap.Logger
}

// Config bounds the queue's concurrency.
type Config struct {
	MaxStartingHandshakes int
	MaxInflight           int
	SuccessJitterMillis   int
}

// New returns a Queue calling fn to perform handshakes, gated by cfg's
// concurrency limits.
func New(cfg Config, fn HandshakeFunc, log *zap.Logger) *Queue {
	if cfg.MaxStartingHandshakes <= 0 {
		cfg.MaxStartingHandshakes = DefaultMaxStartingHandshakes
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.SuccessJitterMillis <= 0 {
		cfg.SuccessJitterMillis = DefaultSuccessJitterMillis
	}
	return &Queue{
		entries:       make(map[string]*entry),
		startSem:      semaphore.NewWeighted(int64(cfg.MaxStartingHandshakes)),
		inflightSem:   semaphore.NewWeighted(int64(cfg.MaxInflight)),
		successJitter: time.Duration(cfg.SuccessJitterMillis) * time.Millisecond,
		handshake:     fn,
		log:           log,
	}
}

func (q *Queue) bumpReason(peer string, reason Reason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[peer]
	if !ok {
		e = &entry{}
		q.entries[peer] = e
	}
	switch reason {
	case ReasonUser:
		e.userCount++
	case ReasonPeriodic:
		e.periodicCount++
	case ReasonRemote:
		e.remoteCount++
	}
}

func (q *Queue) dropEntry(peer string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, peer)
}

// Handshake joins or starts a handshake for peer. All concurrent
// callers for the same peer share one underlying attempt and observe
// the same Result/error.
func (q *Queue) Handshake(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
	key := peer.String()
	q.bumpReason(key, reason)

	v, err, _ := q.group.Do(key, func() (any, error) {
		return q.run(ctx, peer, reason)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (q *Queue) run(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
	if err := q.startSem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	startReleased := false
	releaseStart := func() {
		if !startReleased {
			q.startSem.Release(1)
			startReleased = true
		}
	}
	defer releaseStart()

	if err := q.inflightSem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer q.inflightSem.Release(1)

	hctx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	result, err := q.handshake(hctx, peer, reason)
	releaseStart()

	key := peer.String()
	if err != nil {
		wrapped := &HandshakeError{Peer: peer, Err: err}
		if q.log != nil {
			q.log.Warn("dc handshake failed", zap.Stringer("peer", peer), zap.Error(err))
		}
		go q.scheduleCleanup(key, failureDelay())
		return Result{}, wrapped
	}

	go q.scheduleCleanup(key, q.successDelay())
	return result, nil
}

func (q *Queue) scheduleCleanup(key string, delay time.Duration) {
	time.Sleep(delay)
	q.dropEntry(key)
}

func (q *Queue) successDelay() time.Duration {
	if q.successJitter <= 0 {
		return 0
	}
	return time.Duration(rand.N(int64(q.successJitter) + 1))
}

func failureDelay() time.Duration {
	millis := failureCleanupMinMillis + rand.N(failureCleanupMaxMillis-failureCleanupMinMillis)
	return time.Duration(millis) * time.Millisecond
}

// ErrNoSuchEntry is returned by Counts for peers with no tracked
// entry.
var ErrNoSuchEntry = errors.New("handshakeq: no entry for peer")

// Counts reports how many times a handshake was requested for peer,
// broken down by reason, for diagnostics.
func (q *Queue) Counts(peer net.Addr) (user, periodic, remote int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[peer.String()]
	if !ok {
		return 0, 0, 0, ErrNoSuchEntry
	}
	return e.userCount, e.periodicCount, e.remoteCount, nil
}
