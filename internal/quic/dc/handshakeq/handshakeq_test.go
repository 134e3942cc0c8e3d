package handshakeq

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func addr(s string) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", s)
	return a
}

func TestConcurrentCallersForSamePeerShareOneHandshake(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return Result{Peer: peer}, nil
	}
	q := New(Config{}, fn, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Handshake(context.Background(), addr("1.2.3.4:5"), ReasonUser)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFailureReturnsTypedErrorToAllJoiners(t *testing.T) {
	wantErr := errors.New("boom")
	fn := func(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
		return Result{}, wantErr
	}
	q := New(Config{}, fn, nil)

	_, err := q.Handshake(context.Background(), addr("1.2.3.4:5"), ReasonUser)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	require.ErrorIs(t, he, wantErr)
}

func TestDifferentPeersHandshakeIndependently(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
		atomic.AddInt32(&calls, 1)
		return Result{Peer: peer}, nil
	}
	q := New(Config{}, fn, nil)

	_, err1 := q.Handshake(context.Background(), addr("1.1.1.1:1"), ReasonUser)
	_, err2 := q.Handshake(context.Background(), addr("2.2.2.2:2"), ReasonUser)
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStartSemaphoreBoundsConcurrency(t *testing.T) {
	var inflight, maxSeen int32
	fn := func(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return Result{Peer: peer}, nil
	}
	q := New(Config{MaxStartingHandshakes: 2, MaxInflight: 100}, fn, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = q.Handshake(context.Background(), addr("9.9.9.9:"+string(rune('1'+i))), ReasonUser)
		}(i)
	}
	wg.Wait()
	require.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 2)
}

func TestCountsTracksReasons(t *testing.T) {
	fn := func(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
		return Result{Peer: peer}, nil
	}
	q := New(Config{}, fn, nil)
	p := addr("5.5.5.5:1")

	_, err := q.Handshake(context.Background(), p, ReasonUser)
	require.NoError(t, err)

	user, periodic, remote, err := q.Counts(p)
	require.NoError(t, err)
	require.Equal(t, 1, user)
	require.Equal(t, 0, periodic)
	require.Equal(t, 0, remote)
}

func TestContextCancellationPropagatesFromSemaphore(t *testing.T) {
	fn := func(ctx context.Context, peer net.Addr, reason Reason) (Result, error) {
		return Result{Peer: peer}, nil
	}
	q := New(Config{MaxStartingHandshakes: 1}, fn, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Handshake(ctx, addr("1.1.1.1:1"), ReasonUser)
	require.Error(t, err)
}
