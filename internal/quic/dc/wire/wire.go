// Package wire implements the dc stream-packet wire format: a
// bit-packed tag byte, QUIC-style variable-length integers, and the
// fixed/optional field sequence of a dc stream packet header. Grounded
// on s2n-quic-dc's packet::stream encoder/dissector, cross-checked
// against the wireshark dissector's field list in
// original_source/dc/wireshark/src/test.rs (read in part) for exactly
// which tag bits gate which optional fields.
package wire

import (
	"encoding/binary"
	"errors"
)

var (
	ErrBufferTooShort = errors.New("wire: buffer too short")
	ErrVarintTooLarge = errors.New("wire: varint exceeds 62 bits")
	ErrWireVersion    = errors.New("wire: unsupported wire_version")
)

// WireVersion is the only version this format knows how to parse.
const WireVersion = 0

const (
	credentialIDLen = 16
	authTagLen      = 16
)

// Tag bit layout within the single tag byte, matching the dissector's
// field list: source-queue-id presence, recovery-packet marker,
// control-data presence, final-offset presence, application-header
// presence, and key phase all live in the low bits, with the top two
// bits reserved to distinguish packet families (stream / datagram /
// control).
const (
	tagBitHasSourceQueueID = 1 << 0
	tagBitIsRecovery       = 1 << 1
	tagBitHasControlData   = 1 << 2
	tagBitHasFinalOffset   = 1 << 3
	tagBitHasAppHeader     = 1 << 4
	tagBitKeyPhase         = 1 << 5
)

// Tag is the first byte of every dc packet.
type Tag byte

func (t Tag) HasSourceQueueID() bool      { return byte(t)&tagBitHasSourceQueueID != 0 }
func (t Tag) IsRecovery() bool            { return byte(t)&tagBitIsRecovery != 0 }
func (t Tag) HasControlData() bool        { return byte(t)&tagBitHasControlData != 0 }
func (t Tag) HasFinalOffset() bool        { return byte(t)&tagBitHasFinalOffset != 0 }
func (t Tag) HasApplicationHeader() bool  { return byte(t)&tagBitHasAppHeader != 0 }
func (t Tag) KeyPhase() bool              { return byte(t)&tagBitKeyPhase != 0 }

// NewTag builds a Tag from its component flags.
func NewTag(hasSourceQueueID, isRecovery, hasControlData, hasFinalOffset, hasAppHeader, keyPhase bool) Tag {
	var b byte
	if hasSourceQueueID {
		b |= tagBitHasSourceQueueID
	}
	if isRecovery {
		b |= tagBitIsRecovery
	}
	if hasControlData {
		b |= tagBitHasControlData
	}
	if hasFinalOffset {
		b |= tagBitHasFinalOffset
	}
	if hasAppHeader {
		b |= tagBitHasAppHeader
	}
	if keyPhase {
		b |= tagBitKeyPhase
	}
	return Tag(b)
}

// QueueID bits, packed alongside the numeric queue id per the
// dissector's is_reliable/is_bidirectional masks.
const (
	IsReliableMask      = 0x01
	IsBidirectionalMask = 0x02
)

// PutVarint appends a QUIC RFC 9000 §16 variable-length integer
// encoding of v to buf, returning the extended slice.
func PutVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= 63:
		return append(buf, byte(v))
	case v <= 16383:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(v)|0x4000)
		return append(buf, b[:]...)
	case v <= 1073741823:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v)|0x80000000)
		return append(buf, b[:]...)
	case v <= 4611686018427387903:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v|0xC000000000000000)
		return append(buf, b[:]...)
	default:
		panic("wire: varint value exceeds 62 bits")
	}
}

// GetVarint decodes a variable-length integer from buf, returning the
// value and the number of bytes consumed.
func GetVarint(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, ErrBufferTooShort
	}
	prefix := buf[0] >> 6
	length := 1 << prefix
	if len(buf) < length {
		return 0, 0, ErrBufferTooShort
	}
	switch length {
	case 1:
		return uint64(buf[0] & 0x3F), 1, nil
	case 2:
		return uint64(binary.BigEndian.Uint16(buf[:2]) & 0x3FFF), 2, nil
	case 4:
		return uint64(binary.BigEndian.Uint32(buf[:4]) & 0x3FFFFFFF), 4, nil
	case 8:
		return binary.BigEndian.Uint64(buf[:8]) & 0x3FFFFFFFFFFFFFFF, 8, nil
	}
	return 0, 0, ErrVarintTooLarge
}

// StreamHeader is the decoded form of a dc stream packet's header,
// excluding the trailing payload bytes and auth tag (those are
// handled by the AEAD layer).
type StreamHeader struct {
	Tag                       Tag
	PathSecretID              [credentialIDLen]byte
	KeyID                     uint64
	SourceQueueID             uint64 // valid only if Tag.HasSourceQueueID()
	QueueID                   uint64
	PacketNumber              uint64
	NextExpectedControlPacket uint64
	RelativePacketNumber      uint64 // valid only if Tag.IsRecovery()
	ControlData               []byte
	ApplicationHeader         []byte
	FinalOffset               uint64 // valid only if Tag.HasFinalOffset()
	StreamOffset              uint64
	PayloadLen                uint64
}

// Encode serializes h's header fields (not the payload or auth tag)
// to a new byte slice.
func Encode(h *StreamHeader) []byte {
	buf := make([]byte, 0, 64+len(h.ControlData)+len(h.ApplicationHeader))
	buf = append(buf, byte(h.Tag))
	buf = append(buf, byte(WireVersion))
	buf = append(buf, h.PathSecretID[:]...)
	buf = PutVarint(buf, h.KeyID)
	if h.Tag.HasSourceQueueID() {
		buf = PutVarint(buf, h.SourceQueueID)
	}
	buf = PutVarint(buf, h.QueueID)
	buf = PutVarint(buf, h.PacketNumber)
	buf = PutVarint(buf, h.NextExpectedControlPacket)
	if h.Tag.IsRecovery() {
		buf = PutVarint(buf, h.RelativePacketNumber)
	}
	if h.Tag.HasControlData() {
		buf = PutVarint(buf, uint64(len(h.ControlData)))
		buf = append(buf, h.ControlData...)
	}
	if h.Tag.HasApplicationHeader() {
		buf = PutVarint(buf, uint64(len(h.ApplicationHeader)))
		buf = append(buf, h.ApplicationHeader...)
	}
	if h.Tag.HasFinalOffset() {
		buf = PutVarint(buf, h.FinalOffset)
	}
	buf = PutVarint(buf, h.StreamOffset)
	buf = PutVarint(buf, h.PayloadLen)
	return buf
}

// Decode parses a dc stream packet header from buf, returning the
// header and the number of bytes consumed (the offset at which
// payload bytes begin).
func Decode(buf []byte) (*StreamHeader, int, error) {
	if len(buf) < 2+credentialIDLen {
		return nil, 0, ErrBufferTooShort
	}
	h := &StreamHeader{Tag: Tag(buf[0])}
	wireVersion := buf[1]
	if wireVersion != WireVersion {
		return nil, 0, ErrWireVersion
	}
	off := 2
	copy(h.PathSecretID[:], buf[off:off+credentialIDLen])
	off += credentialIDLen

	var n int
	var err error
	if h.KeyID, n, err = GetVarint(buf[off:]); err != nil {
		return nil, 0, err
	}
	off += n

	if h.Tag.HasSourceQueueID() {
		if h.SourceQueueID, n, err = GetVarint(buf[off:]); err != nil {
			return nil, 0, err
		}
		off += n
	}

	if h.QueueID, n, err = GetVarint(buf[off:]); err != nil {
		return nil, 0, err
	}
	off += n

	if h.PacketNumber, n, err = GetVarint(buf[off:]); err != nil {
		return nil, 0, err
	}
	off += n

	if h.NextExpectedControlPacket, n, err = GetVarint(buf[off:]); err != nil {
		return nil, 0, err
	}
	off += n

	if h.Tag.IsRecovery() {
		if h.RelativePacketNumber, n, err = GetVarint(buf[off:]); err != nil {
			return nil, 0, err
		}
		off += n
	}

	if h.Tag.HasControlData() {
		var controlLen uint64
		if controlLen, n, err = GetVarint(buf[off:]); err != nil {
			return nil, 0, err
		}
		off += n
		if uint64(len(buf[off:])) < controlLen {
			return nil, 0, ErrBufferTooShort
		}
		h.ControlData = buf[off : off+int(controlLen)]
		off += int(controlLen)
	}

	if h.Tag.HasApplicationHeader() {
		var headerLen uint64
		if headerLen, n, err = GetVarint(buf[off:]); err != nil {
			return nil, 0, err
		}
		off += n
		if uint64(len(buf[off:])) < headerLen {
			return nil, 0, ErrBufferTooShort
		}
		h.ApplicationHeader = buf[off : off+int(headerLen)]
		off += int(headerLen)
	}

	if h.Tag.HasFinalOffset() {
		if h.FinalOffset, n, err = GetVarint(buf[off:]); err != nil {
			return nil, 0, err
		}
		off += n
	}

	if h.StreamOffset, n, err = GetVarint(buf[off:]); err != nil {
		return nil, 0, err
	}
	off += n

	if h.PayloadLen, n, err = GetVarint(buf[off:]); err != nil {
		return nil, 0, err
	}
	off += n

	return h, off, nil
}

// AuthTagLen is the fixed AEAD tag length trailing every dc packet.
const AuthTagLen = authTagLen
