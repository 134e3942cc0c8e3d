// Package token implements the default Retry address-token format: a
// fixed-size struct authenticated with one of two rotating HMAC-SHA256
// keys, with a duplicate filter. Ported from
// s2n-quic/src/provider/address_token/default.rs (read essentially in
// full from original_source): the bit-packed header, the odcid‖nonce‖
// peer_cid‖peer_ip‖peer_port tag input, and the two-keys-with-rotation
// scheme. NEW_TOKEN frame tokens are not supported by this format,
// matching the original's own default provider.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrNotSupported is returned for token sources this format does not
// implement (NEW_TOKEN frame tokens).
var ErrNotSupported = errors.New("token: NEW_TOKEN frame tokens are not supported by this format")

// ErrInvalidToken covers any structural or cryptographic validation
// failure: wrong length, bad version, HMAC mismatch, or replay.
var ErrInvalidToken = errors.New("token: invalid or replayed token")

const (
	tokenVersion = 0x00

	odcidFieldLen = 20
	nonceLen      = 32
	hmacLen       = sha256.Size // 32

	// TokenLen is the wire size of a Retry token: header byte, odcid
	// length byte, fixed odcid field, nonce, hmac tag.
	TokenLen = 1 + 1 + odcidFieldLen + nonceLen + hmacLen
)

// Source distinguishes how a token was delivered to the client.
type Source uint8

const (
	SourceNewTokenFrame Source = iota
	SourceRetryPacket
)

const (
	versionShift = 7
	sourceShift  = 6
	keyIDShift   = 5
)

func newHeader(source Source, keyID uint8) byte {
	var h byte
	h |= tokenVersion << versionShift
	if source == SourceRetryPacket {
		h |= 1 << sourceShift
	}
	h |= (keyID & 0x01) << keyIDShift
	return h
}

func headerVersion(h byte) uint8   { return (h >> versionShift) & 0x01 }
func headerKeyID(h byte) uint8     { return (h >> keyIDShift) & 0x01 }
func headerSource(h byte) Source {
	if (h>>sourceShift)&0x01 == 1 {
		return SourceRetryPacket
	}
	return SourceNewTokenFrame
}

// Token is the decoded fixed-size Retry token layout.
type Token struct {
	Header byte
	ODCIDLen byte
	ODCID    [odcidFieldLen]byte
	Nonce    [nonceLen]byte
	HMAC     [hmacLen]byte
}

// Encode serializes t to its wire form.
func (t *Token) Encode() []byte {
	buf := make([]byte, TokenLen)
	buf[0] = t.Header
	buf[1] = t.ODCIDLen
	copy(buf[2:2+odcidFieldLen], t.ODCID[:])
	copy(buf[2+odcidFieldLen:2+odcidFieldLen+nonceLen], t.Nonce[:])
	copy(buf[2+odcidFieldLen+nonceLen:], t.HMAC[:])
	return buf
}

// Decode parses a wire-format token, failing if the length is wrong.
func Decode(raw []byte) (*Token, error) {
	if len(raw) != TokenLen {
		return nil, ErrInvalidToken
	}
	t := &Token{Header: raw[0], ODCIDLen: raw[1]}
	copy(t.ODCID[:], raw[2:2+odcidFieldLen])
	copy(t.Nonce[:], raw[2+odcidFieldLen:2+odcidFieldLen+nonceLen])
	copy(t.HMAC[:], raw[2+odcidFieldLen+nonceLen:])
	return t, nil
}

// ODCIDBytes returns the original destination connection id this
// token is bound to.
func (t *Token) ODCIDBytes() []byte {
	if int(t.ODCIDLen) > odcidFieldLen {
		return nil
	}
	return t.ODCID[:t.ODCIDLen]
}

// baseKey is one of the two concurrently-valid signing keys, active
// for 2*rotationPeriod and carrying its own duplicate filter.
type baseKey struct {
	mu         sync.Mutex
	key        []byte
	expiresAt  time.Time
	active     time.Duration
	replaySeen *gocache.Cache
}

func newBaseKey(active time.Duration) *baseKey {
	return &baseKey{active: active, replaySeen: gocache.New(active, active/2)}
}

func (k *baseKey) currentKey(now time.Time) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.key != nil && now.Before(k.expiresAt) {
		return k.key
	}
	material := make([]byte, sha256.Size)
	_, _ = rand.Read(material)
	k.key = material
	k.expiresAt = now.Add(k.active)
	k.replaySeen.Flush()
	return k.key
}

func (k *baseKey) isReplay(raw []byte) bool {
	_, found := k.replaySeen.Get(string(raw))
	return found
}

func (k *baseKey) recordSeen(raw []byte) {
	k.replaySeen.SetDefault(string(raw), struct{}{})
}

// Format is one endpoint's Retry-token signer/verifier, holding two
// rotating keys.
type Format struct {
	mu                 sync.Mutex
	keyRotationPeriod  time.Duration
	currentKeyRotateAt time.Time
	currentKeyID       uint8
	keys               [2]*baseKey
}

// DefaultKeyRotationPeriod matches the original default provider.
const DefaultKeyRotationPeriod = time.Second

// NewFormat returns a Format rotating its signing key every period,
// each key remaining valid (for verification) through two rotations.
func NewFormat(period time.Duration, now time.Time) *Format {
	if period <= 0 {
		period = DefaultKeyRotationPeriod
	}
	return &Format{
		keyRotationPeriod:  period,
		currentKeyRotateAt: now.Add(period),
		keys: [2]*baseKey{
			newBaseKey(period * 2),
			newBaseKey(period * 2),
		},
	}
}

func (f *Format) currentKeyID(now time.Time) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if now.After(f.currentKeyRotateAt) {
		f.currentKeyID ^= 1
		f.currentKeyRotateAt = now.Add(f.keyRotationPeriod)
	}
	return f.currentKeyID
}

// Context carries the per-validation inputs the tag binds to.
type Context struct {
	PeerConnectionID []byte
	RemoteAddr       net.IP
	RemotePort       uint16
}

func (f *Format) tag(keyID uint8, now time.Time, odcid []byte, nonce [nonceLen]byte, ctx Context) []byte {
	key := f.keys[keyID].currentKey(now)
	mac := hmac.New(sha256.New, key)
	mac.Write(odcid)
	mac.Write(nonce[:])
	mac.Write(ctx.PeerConnectionID)
	mac.Write(ctx.RemoteAddr)
	var portBuf [2]byte
	portBuf[0] = byte(ctx.RemotePort >> 8)
	portBuf[1] = byte(ctx.RemotePort)
	mac.Write(portBuf[:])
	return mac.Sum(nil)
}

// GenerateRetryToken produces a signed Retry token binding odcid and
// ctx to the current signing key.
func (f *Format) GenerateRetryToken(now time.Time, odcid []byte, ctx Context) ([]byte, error) {
	if len(odcid) > odcidFieldLen {
		return nil, ErrInvalidToken
	}
	keyID := f.currentKeyID(now)

	t := &Token{
		Header:   newHeader(SourceRetryPacket, keyID),
		ODCIDLen: byte(len(odcid)),
	}
	copy(t.ODCID[:], odcid)
	if _, err := rand.Read(t.Nonce[:]); err != nil {
		return nil, err
	}

	tag := f.tag(keyID, now, odcid, t.Nonce, ctx)
	copy(t.HMAC[:], tag)
	return t.Encode(), nil
}

// ValidateToken verifies raw against ctx and, on success, returns the
// bound ODCID. Replayed or malformed tokens, and any NEW_TOKEN-sourced
// token, are rejected.
func (f *Format) ValidateToken(now time.Time, raw []byte, ctx Context) ([]byte, error) {
	t, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if headerVersion(t.Header) != tokenVersion {
		return nil, ErrInvalidToken
	}
	if headerSource(t.Header) != SourceRetryPacket {
		return nil, ErrNotSupported
	}

	keyID := headerKeyID(t.Header)
	key := f.keys[keyID]

	if key.isReplay(raw) {
		return nil, ErrInvalidToken
	}

	odcid := t.ODCIDBytes()
	if odcid == nil {
		return nil, ErrInvalidToken
	}
	expected := f.tag(keyID, now, odcid, t.Nonce, ctx)
	if subtle.ConstantTimeCompare(expected, t.HMAC[:]) != 1 {
		return nil, ErrInvalidToken
	}

	key.recordSeen(raw)
	return odcid, nil
}

// GenerateNewToken always fails: this format only supports Retry
// tokens, matching the original default provider's reserved NEW_TOKEN
// path.
func (f *Format) GenerateNewToken() error {
	return ErrNotSupported
}
