// Package pathmgr implements the per-connection path set: the active
// path, an optional previous path kept around during migration, and
// per-path validation challenges. Ported from the struct shape and
// method signatures of s2n-quic-transport's path::manager (read
// partially from original_source): a flat slice of paths plus
// active/previous indices, rather than the original's SmallVec.
package pathmgr

import (
	"crypto/rand"
	"errors"
	"net"
	"time"
)

// ErrProtocolViolation is returned when a new path would be created
// before the handshake is confirmed, which QUIC forbids (a migrating
// client before handshake confirmation is indistinguishable from an
// off-path attacker spoofing addresses).
var ErrProtocolViolation = errors.New("pathmgr: connection migration before handshake confirmation")

// CongestionController is the minimal congestion-controller surface a
// path holds: its current congestion window. A new path's controller
// comes from the migrate callback passed to OnDatagramReceived, which
// receives the active path.
type CongestionController interface {
	CongestionWindow() uint32
}

// Challenge is an outstanding PATH_CHALLENGE awaiting a matching
// PATH_RESPONSE.
type Challenge struct {
	Data             [8]byte
	RetransmitPeriod time.Duration
	AbandonAt        time.Time
}

// Path is one network path this connection has observed traffic on.
type Path struct {
	PeerAddress      net.Addr
	PeerConnectionID []byte
	RTT              time.Duration
	CC               CongestionController
	IsValidated      bool
	Challenge        *Challenge
}

// Manager holds one connection's set of paths: exactly one active,
// optionally one previous (retained while a migration's challenge is
// still outstanding so traffic can fall back to it).
type Manager struct {
	paths    []*Path
	active   int
	previous int // -1 means none
	pto      func() time.Duration
}

// NewManager returns a Manager seeded with the connection's initial
// (already validated) path. pto supplies the current PTO estimate used
// to size new challenges' retransmit periods.
func NewManager(initial *Path, pto func() time.Duration) *Manager {
	initial.IsValidated = true
	return &Manager{paths: []*Path{initial}, active: 0, previous: -1, pto: pto}
}

// ActivePath returns the current active path.
func (m *Manager) ActivePath() *Path { return m.paths[m.active] }

// PreviousPath returns the previous path, if one is being retained.
func (m *Manager) PreviousPath() (*Path, bool) {
	if m.previous < 0 {
		return nil, false
	}
	return m.paths[m.previous], true
}

// PeerCIDSupplier yields the next unused peer connection ID to bind to
// a newly created path, or false if none are available.
type PeerCIDSupplier func() ([]byte, bool)

// OnDatagramReceived processes a datagram observed from addr. If addr
// matches no known path: when handshakeConfirmed is false, migration
// is forbidden and ErrProtocolViolation is returned; otherwise a new
// path is allocated, inheriting RTT and a congestion controller from
// the active path, consuming a peer connection ID, and arming an
// 8-random-byte challenge with abandon time now+6*PTO and retransmit
// period PTO.
func (m *Manager) OnDatagramReceived(addr net.Addr, handshakeConfirmed bool, now time.Time, peerCIDs PeerCIDSupplier, migrate func(active *Path) CongestionController) (*Path, error) {
	for i, p := range m.paths {
		if sameAddr(p.PeerAddress, addr) {
			return m.paths[i], nil
		}
	}

	if !handshakeConfirmed {
		return nil, ErrProtocolViolation
	}

	cid, ok := peerCIDs()
	if !ok {
		cid = nil
	}

	active := m.ActivePath()
	pto := m.pto()

	var data [8]byte
	_, _ = rand.Read(data[:])

	newPath := &Path{
		PeerAddress:      addr,
		PeerConnectionID: cid,
		RTT:              active.RTT,
		CC:               migrate(active),
		IsValidated:      false,
		Challenge: &Challenge{
			Data:             data,
			RetransmitPeriod: pto,
			AbandonAt:        now.Add(6 * pto),
		},
	}
	m.paths = append(m.paths, newPath)
	return newPath, nil
}

// OnPathResponse marks the path whose outstanding challenge matches
// data as validated, provided it has not yet abandoned. Returns true
// if a matching live challenge was found.
func (m *Manager) OnPathResponse(data [8]byte, now time.Time) bool {
	for _, p := range m.paths {
		if p.Challenge == nil {
			continue
		}
		if p.Challenge.Data != data {
			continue
		}
		if now.After(p.Challenge.AbandonAt) {
			continue
		}
		p.IsValidated = true
		p.Challenge = nil
		return true
	}
	return false
}

// OnChallengeAbandonTimeout checks the active path's challenge for
// expiry; if it has abandoned and a previous path is known, falls back
// to it as the new active path.
func (m *Manager) OnChallengeAbandonTimeout(now time.Time) {
	active := m.ActivePath()
	if active.Challenge == nil || !now.After(active.Challenge.AbandonAt) {
		return
	}
	active.Challenge = nil
	if m.previous >= 0 {
		m.active = m.previous
		m.previous = -1
	}
}

// UpdateActivePath promotes the path at idx to active, retaining the
// previously active path as "previous" until its own challenge (if
// any) resolves.
func (m *Manager) UpdateActivePath(idx int) {
	if idx == m.active || idx < 0 || idx >= len(m.paths) {
		return
	}
	m.previous = m.active
	m.active = idx
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
