// Package secretmap implements the dc (datacenter) path-secret map: a
// concurrent cache of handshake-derived path secrets keyed both by
// peer address and by credential id, an epoch-driven background
// cleaner that retires and approximately-LRU-evicts entries, and
// lightly-authenticated control-packet handling for unknown-secret
// peers. Ported from
// s2n-quic-dc/src/path/secret/map.rs (State/Cleaner/Entry, read
// partially from original_source) and msg/send.rs (control packet
// send path). `flurry::HashMap` becomes `sync.Map`, justified in
// DESIGN.md: the map's own epoch/LRU bookkeeping is bespoke logic a
// TTL-cache library does not expose hooks for.
package secretmap

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// TLSExporterLabel matches the original's keying-material exporter
// label, kept stable so derivations stay cross-implementation
// compatible.
const TLSExporterLabel = "EXPERIMENTAL EXPORTER s2n-quic-dc"

const exportSecretLen = 32

var (
	ErrUnknownCredential = errors.New("secretmap: no entry for credential id")
	ErrAuthenticationFailed = errors.New("secretmap: control packet authentication failed")
)

// CredentialID identifies a path secret entry independent of network
// address (stable across a peer's address changes).
type CredentialID [16]byte

// StatelessResetToken authenticates lightly-authenticated control
// packets without a full AEAD handshake.
type StatelessResetToken [16]byte

// Signer derives a per-credential stateless-reset token from a shared
// signing key, mirroring stateless_reset::Signer.
type Signer struct {
	key []byte
}

// NewSigner derives a Signer from a random or caller-supplied key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign derives the stateless-reset token bound to id.
func (s *Signer) Sign(id CredentialID) StatelessResetToken {
	r := hkdf.New(sha256.New, s.key, id[:], []byte("stateless-reset"))
	var tok StatelessResetToken
	_, _ = io.ReadFull(r, tok[:])
	return tok
}

// Entry is one cached path secret.
type Entry struct {
	Peer        net.Addr
	ID          CredentialID
	Secret      [exportSecretLen]byte
	resetToken  StatelessResetToken
	retiredAt   uint64 // cleaner epoch at which this entry was retired; 0 = live
	usedAt      uint64 // cleaner epoch of last access, for approximate LRU

	sealerOnce sync.Once
	sealer     *Sealer
}

func (e *Entry) isRetired() bool {
	return atomic.LoadUint64(&e.retiredAt) != 0
}

func (e *Entry) markLive(epoch uint64) {
	atomic.StoreUint64(&e.usedAt, epoch)
}

func (e *Entry) retire(epoch uint64) {
	atomic.CompareAndSwapUint64(&e.retiredAt, 0, epoch)
}

// Sealer is the AEAD sender-side key derived from an entry's secret.
type Sealer struct {
	aead chacha20poly1305Cipher
}

// Opener is the AEAD receiver-side key derived from an entry's secret.
type Opener struct {
	aead chacha20poly1305Cipher
}

type chacha20poly1305Cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func deriveAEAD(secret []byte, direction string) (chacha20poly1305Cipher, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(direction))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// Cleaner retires and evicts stale entries on a jittered interval.
type Cleaner struct {
	epoch          uint64
	minIntervalSec int
	maxIntervalSec int
	evictionCycles uint64

	stop chan struct{}
	once sync.Once
}

// NewCleaner returns a Cleaner using the given jitter bounds (seconds)
// and retirement-to-removal cycle count.
func NewCleaner(minIntervalSec, maxIntervalSec int, evictionCycles int) *Cleaner {
	return &Cleaner{
		epoch:          1,
		minIntervalSec: minIntervalSec,
		maxIntervalSec: maxIntervalSec,
		evictionCycles: uint64(evictionCycles),
		stop:           make(chan struct{}),
	}
}

// Epoch returns the cleaner's current epoch counter.
func (c *Cleaner) Epoch() uint64 { return atomic.LoadUint64(&c.epoch) }

// Run starts the background cleaning loop; call Stop to terminate it.
func (c *Cleaner) Run(m *Map) {
	go func() {
		for {
			select {
			case <-c.stop:
				return
			case <-time.After(c.jitteredInterval()):
				c.Clean(m)
			}
		}
	}()
}

func (c *Cleaner) jitteredInterval() time.Duration {
	lo, hi := c.minIntervalSec, c.maxIntervalSec
	if hi <= lo {
		hi = lo + 1
	}
	secs := lo + rand.N(hi-lo)
	return time.Duration(secs) * time.Second
}

// Stop halts the background loop; safe to call more than once.
func (c *Cleaner) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// Clean advances the epoch, removes retired entries whose retirement
// has aged evictionCycles epochs or more and, if the map is above 95%
// of its max capacity, removes roughly 1% of entries at the minimum
// observed used_at epoch (approximate LRU). Exposed directly so tests
// can invoke it synchronously.
func (c *Cleaner) Clean(m *Map) {
	currentEpoch := atomic.AddUint64(&c.epoch, 1)

	var minUsed uint64 = ^uint64(0)
	count := 0
	m.ids.Range(func(key, value any) bool {
		e := value.(*Entry)
		count++
		retiredAt := atomic.LoadUint64(&e.retiredAt)
		if retiredAt == 0 {
			if u := atomic.LoadUint64(&e.usedAt); u < minUsed {
				minUsed = u
			}
			return true
		}
		if currentEpoch-retiredAt >= c.evictionCycles {
			m.removeByID(e.ID)
		}
		return true
	})

	capLimit := m.maxCapacity * 95 / 100
	if count <= capLimit {
		return
	}

	toRemove := count / 100
	if toRemove < 1 {
		toRemove = 1
	}
	m.ids.Range(func(key, value any) bool {
		if toRemove <= 0 {
			return false
		}
		e := value.(*Entry)
		if atomic.LoadUint64(&e.usedAt) == minUsed {
			m.removeByID(e.ID)
			toRemove--
		}
		return true
	})
}

// Map is the concurrent path-secret cache. Zero value is not usable;
// construct with New.
type Map struct {
	maxCapacity int

	peers              sync.Map // net.Addr.String() -> *Entry
	ids                sync.Map // CredentialID -> *Entry
	requestedHandshakes *gocache.Cache

	signer  *Signer
	cleaner *Cleaner

	handledControlPackets uint64
}

// New returns an empty Map bounded to maxCapacity entries, using
// signer to authenticate/derive stateless-reset tokens.
func New(maxCapacity int, signer *Signer, cleaner *Cleaner) *Map {
	m := &Map{
		maxCapacity:         maxCapacity,
		requestedHandshakes: gocache.New(30*time.Second, time.Minute),
		signer:              signer,
		cleaner:             cleaner,
	}
	return m
}

// Contains reports whether peer has a cached entry that is not merely
// a requested-handshake placeholder.
func (m *Map) Contains(peer net.Addr) bool {
	_, ok := m.peers.Load(peer.String())
	if !ok {
		return false
	}
	_, requested := m.requestedHandshakes.Get(peer.String())
	return !requested
}

// Insert adds or replaces the entry for its peer address and
// credential id, clearing any pending requested-handshake marker.
func (m *Map) Insert(e *Entry) {
	e.markLive(m.cleaner.Epoch())
	m.peers.Store(e.Peer.String(), e)
	m.ids.Store(e.ID, e)
	m.requestedHandshakes.Delete(e.Peer.String())
}

func (m *Map) removeByID(id CredentialID) {
	v, ok := m.ids.LoadAndDelete(id)
	if !ok {
		return
	}
	e := v.(*Entry)
	if cur, ok := m.peers.Load(e.Peer.String()); ok && cur.(*Entry).ID == id {
		m.peers.Delete(e.Peer.String())
	}
}

// ByPeer looks up the live entry for peer, marking it used at the
// cleaner's current epoch.
func (m *Map) ByPeer(peer net.Addr) (*Entry, bool) {
	v, ok := m.peers.Load(peer.String())
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	if e.isRetired() {
		return nil, false
	}
	e.markLive(m.cleaner.Epoch())
	return e, true
}

// ByCredential looks up an entry by credential id regardless of
// retirement, since opener lookups must still succeed briefly after
// rotation.
func (m *Map) ByCredential(id CredentialID) (*Entry, bool) {
	v, ok := m.ids.Load(id)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	e.markLive(m.cleaner.Epoch())
	return e, true
}

// Retire marks an entry retired as of the current epoch; it remains
// queryable by credential id until the cleaner removes it after
// EvictionCycles.
func (m *Map) Retire(id CredentialID) {
	if v, ok := m.ids.Load(id); ok {
		v.(*Entry).retire(m.cleaner.Epoch())
	}
}

// Sealer returns the sender-side AEAD key for peer, deriving it once
// and caching it on the entry.
func (m *Map) Sealer(peer net.Addr) (*Sealer, bool) {
	e, ok := m.ByPeer(peer)
	if !ok {
		return nil, false
	}
	e.sealerOnce.Do(func() {
		aead, err := deriveAEAD(e.Secret[:], "sealer")
		if err == nil {
			e.sealer = &Sealer{aead: aead}
		}
	})
	if e.sealer == nil {
		return nil, false
	}
	return e.sealer, true
}

// Opener derives the receiver-side AEAD key for a credential id.
func (m *Map) Opener(id CredentialID) (*Opener, error) {
	e, ok := m.ByCredential(id)
	if !ok {
		return nil, ErrUnknownCredential
	}
	aead, err := deriveAEAD(e.Secret[:], "opener")
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead}, nil
}

// HandleUnknownSecretPacket processes a lightly-authenticated control
// packet from a peer whose credential id is known to this map but
// whose current path secret state does not recognize the packet's
// origin (i.e. the peer believes we've lost the secret). If the
// packet's MAC verifies against the entry's sender stateless-reset
// token, the peer address is recorded in requestedHandshakes for
// opportunistic re-handshake, without marking the entry live (so an
// attacker who merely replays a stale control packet cannot manipulate
// LRU ordering).
func (m *Map) HandleUnknownSecretPacket(id CredentialID, peer net.Addr, mac []byte) error {
	e, ok := m.ByCredentialNoTouch(id)
	if !ok {
		return ErrUnknownCredential
	}
	expected := m.signer.Sign(id)
	if subtle.ConstantTimeCompare(expected[:], mac) != 1 {
		return ErrAuthenticationFailed
	}
	_ = e
	m.requestedHandshakes.SetDefault(peer.String(), struct{}{})
	atomic.AddUint64(&m.handledControlPackets, 1)
	return nil
}

// ByCredentialNoTouch looks up an entry without updating its used_at
// epoch, for the unauthenticated half of control-packet handling.
func (m *Map) ByCredentialNoTouch(id CredentialID) (*Entry, bool) {
	v, ok := m.ids.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// HandledControlPackets returns the running count of successfully
// authenticated control packets processed.
func (m *Map) HandledControlPackets() uint64 {
	return atomic.LoadUint64(&m.handledControlPackets)
}

// NewCredentialID generates a random credential id, used when no
// handshake-derived value is available (e.g. tests).
func NewCredentialID() CredentialID {
	var id CredentialID
	_, _ = rand.Read(id[:])
	return id
}
