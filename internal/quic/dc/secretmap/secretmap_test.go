package secretmap

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func addr(s string) net.Addr {
	a, _ := net.ResolveUDPAddr("udp", s)
	return a
}

func newTestMap(maxCapacity int) (*Map, *Cleaner) {
	cleaner := NewCleaner(5, 60, 10)
	return New(maxCapacity, NewSigner([]byte("test-signing-key")), cleaner), cleaner
}

func TestInsertAndLookupByPeerAndCredential(t *testing.T) {
	m, _ := newTestMap(100)
	id := NewCredentialID()
	e := &Entry{Peer: addr("10.0.0.1:4433"), ID: id}
	m.Insert(e)

	got, ok := m.ByPeer(addr("10.0.0.1:4433"))
	require.True(t, ok)
	require.Equal(t, id, got.ID)

	got2, ok := m.ByCredential(id)
	require.True(t, ok)
	require.Equal(t, e.Peer.String(), got2.Peer.String())
}

func TestSealerOpenerRoundTrip(t *testing.T) {
	m, _ := newTestMap(100)
	id := NewCredentialID()
	e := &Entry{Peer: addr("10.0.0.1:4433"), ID: id}
	copy(e.Secret[:], []byte("0123456789abcdef0123456789abcdef"))
	m.Insert(e)

	sealer, ok := m.Sealer(e.Peer)
	require.True(t, ok)

	opener, err := m.Opener(id)
	require.NoError(t, err)

	nonce := make([]byte, 12)
	ct := sealer.aead.Seal(nil, nonce, []byte("hello"), nil)
	pt, err := opener.aead.Open(nil, nonce, ct, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))
}

func TestRetireThenCleanerEvictsAfterEvictionCycles(t *testing.T) {
	m, cleaner := newTestMap(100)
	id := NewCredentialID()
	e := &Entry{Peer: addr("10.0.0.2:1"), ID: id}
	m.Insert(e)

	m.Retire(id)
	for i := 0; i < 10; i++ {
		cleaner.Clean(m)
	}

	_, ok := m.ByCredential(id)
	require.False(t, ok)
}

func TestApproximateLRUEvictionUnderPressure(t *testing.T) {
	m, cleaner := newTestMap(10)
	var oldestID CredentialID
	for i := 0; i < 12; i++ {
		id := NewCredentialID()
		if i == 0 {
			oldestID = id
		}
		m.Insert(&Entry{Peer: addr("10.0.1.1:" + strconv.Itoa(9000+i)), ID: id})
		cleaner.epoch++ // advance epoch between inserts so used_at differs
	}

	cleaner.Clean(m)

	_, ok := m.ByCredential(oldestID)
	require.False(t, ok)
}

func TestHandleUnknownSecretPacketRequiresValidMAC(t *testing.T) {
	m, _ := newTestMap(100)
	id := NewCredentialID()
	e := &Entry{Peer: addr("10.0.0.3:1"), ID: id}
	m.Insert(e)

	validMAC := m.signer.Sign(id)
	err := m.HandleUnknownSecretPacket(id, addr("10.0.0.3:1"), validMAC[:])
	require.NoError(t, err)

	require.True(t, m.requestedHandshakesContains(addr("10.0.0.3:1")))

	err = m.HandleUnknownSecretPacket(id, addr("10.0.0.3:1"), []byte("garbage-mac-garbage"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func (m *Map) requestedHandshakesContains(peer net.Addr) bool {
	_, ok := m.requestedHandshakes.Get(peer.String())
	return ok
}

func TestHandleUnknownSecretPacketUnknownCredential(t *testing.T) {
	m, _ := newTestMap(100)
	err := m.HandleUnknownSecretPacket(NewCredentialID(), addr("10.0.0.4:1"), []byte("x"))
	require.ErrorIs(t, err, ErrUnknownCredential)
}

func TestContainsExcludesRequestedOnlyPeers(t *testing.T) {
	m, _ := newTestMap(100)
	p := addr("10.0.0.5:1")
	require.False(t, m.Contains(p))

	m.requestedHandshakes.SetDefault(p.String(), struct{}{})
	require.False(t, m.Contains(p))

	m.Insert(&Entry{Peer: p, ID: NewCredentialID()})
	require.True(t, m.Contains(p))
}
