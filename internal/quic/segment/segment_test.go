package segment

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPool() *Pool {
	return NewPool(1500, NewGSOCapability(64), nil)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := newTestPool()
	s, ok := p.Alloc()
	require.True(t, ok)
	copy(p.GetMut(s), []byte("hello"))
	require.Equal(t, "hello", string(p.Get(s)[:5]))
	p.Free(s)
}

func TestPushBuildsBatch(t *testing.T) {
	p := newTestPool()
	s1, _ := p.Alloc()
	copy(p.GetMut(s1), make([]byte, 100))
	require.NoError(t, p.Push(s1))

	s2, _ := p.Alloc()
	copy(p.GetMut(s2), make([]byte, 100))
	require.NoError(t, p.Push(s2))

	var sent [][]byte
	err := p.SendWith(func(iovecs [][]byte) (int, error) {
		total := 0
		for _, b := range iovecs {
			total += len(b)
			sent = append(sent, b)
		}
		return total, nil
	})
	require.NoError(t, err)
	require.Len(t, sent, 2)
}

func TestPushRejectsOversizedBatch(t *testing.T) {
	p := NewPool(70000, NewGSOCapability(64), nil)
	s1, _ := p.Alloc()
	p.buffers[s1.idx] = make([]byte, 65535)
	require.NoError(t, p.Push(s1))

	s2, _ := p.Alloc()
	p.buffers[s2.idx] = make([]byte, 1)
	err := p.Push(s2)
	require.ErrorIs(t, err, ErrSegmentTooLarge)
}

func TestRetransmissionRoundTrip(t *testing.T) {
	p := newTestPool()
	s, _ := p.Alloc()
	copy(p.GetMut(s), []byte("abc"))
	r := p.PushWithRetransmission(s)

	_ = p.SendWith(func(iovecs [][]byte) (int, error) {
		total := 0
		for _, b := range iovecs {
			total += len(b)
		}
		return total, nil
	})

	copy2, ok := p.RetransmitCopy(r)
	require.True(t, ok)
	require.Equal(t, p.Get(Segment{idx: r.idx, instance: r.instance})[:3], p.Get(copy2)[:3])

	p.FreeRetransmission(r)
}

func TestForceClearReturnsSegments(t *testing.T) {
	p := newTestPool()
	s, _ := p.Alloc()
	require.NoError(t, p.Push(s))
	p.ForceClear()
	require.Equal(t, 0, len(p.batch))
	require.Equal(t, 1, len(p.free))
}

func TestGSOCapabilityDisable(t *testing.T) {
	g := NewGSOCapability(64)
	require.Equal(t, 64, g.MaxSegments())
	g.Disable()
	require.Equal(t, 1, g.MaxSegments())
}
