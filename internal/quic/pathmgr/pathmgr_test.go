package pathmgr

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCC struct{ cwnd uint32 }

func (f fakeCC) CongestionWindow() uint32 { return f.cwnd }

func addr(s string) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", s)
	return a
}

func TestMigrationBeforeHandshakeConfirmedRejected(t *testing.T) {
	m := NewManager(&Path{PeerAddress: addr("1.1.1.1:1"), CC: fakeCC{1200}}, func() time.Duration { return 100 * time.Millisecond })

	_, err := m.OnDatagramReceived(addr("2.2.2.2:2"), false, time.Now(), func() ([]byte, bool) { return nil, false }, func(*Path) CongestionController { return fakeCC{1200} })
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestMigrationAfterHandshakeConfirmedAllocatesPath(t *testing.T) {
	now := time.Now()
	m := NewManager(&Path{PeerAddress: addr("1.1.1.1:1"), RTT: 20 * time.Millisecond, CC: fakeCC{1200}}, func() time.Duration { return 100 * time.Millisecond })

	p, err := m.OnDatagramReceived(addr("2.2.2.2:2"), true, now, func() ([]byte, bool) { return []byte("cid"), true }, func(active *Path) CongestionController { return active.CC })
	require.NoError(t, err)
	require.False(t, p.IsValidated)
	require.NotNil(t, p.Challenge)
	require.Equal(t, 20*time.Millisecond, p.RTT)
	require.Equal(t, now.Add(600*time.Millisecond), p.Challenge.AbandonAt)
}

func TestPathResponseValidatesPath(t *testing.T) {
	now := time.Now()
	m := NewManager(&Path{PeerAddress: addr("1.1.1.1:1"), CC: fakeCC{1200}}, func() time.Duration { return 100 * time.Millisecond })
	p, err := m.OnDatagramReceived(addr("2.2.2.2:2"), true, now, func() ([]byte, bool) { return nil, false }, func(active *Path) CongestionController { return active.CC })
	require.NoError(t, err)

	ok := m.OnPathResponse(p.Challenge.Data, now)
	require.True(t, ok)
	require.True(t, p.IsValidated)
	require.Nil(t, p.Challenge)
}

func TestFallsBackToPreviousPathOnAbandon(t *testing.T) {
	now := time.Now()
	initial := &Path{PeerAddress: addr("1.1.1.1:1"), CC: fakeCC{1200}}
	m := NewManager(initial, func() time.Duration { return 10 * time.Millisecond })

	newPath, err := m.OnDatagramReceived(addr("2.2.2.2:2"), true, now, func() ([]byte, bool) { return nil, false }, func(active *Path) CongestionController { return active.CC })
	require.NoError(t, err)
	m.UpdateActivePath(1)
	require.Equal(t, newPath, m.ActivePath())

	prev, ok := m.PreviousPath()
	require.True(t, ok)
	require.Equal(t, initial, prev)

	m.OnChallengeAbandonTimeout(now.Add(time.Hour))
	require.Equal(t, initial, m.ActivePath())
}
