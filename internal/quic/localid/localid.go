// Package localid implements the local connection-ID registry: the
// sequence-numbered issue/retire lifecycle for connection IDs this
// endpoint advertises to its peer via NEW_CONNECTION_ID frames. Ported
// from s2n-quic-transport's connection::local_id_registry, whose test
// suite (read from original_source) pins down the PendingReissue vs
// PendingIssuance distinction and the 3*rtt removal-time buffer.
package localid

import (
	"bytes"
	"errors"
	"time"
)

// MaxActiveConnectionIDLimit is the hard ceiling on live connection IDs
// per connection (RFC 9000: active_connection_id_limit <= 8).
const MaxActiveConnectionIDLimit = 8

// RTTMultiplier scales the smoothed RTT to compute a retired entry's
// removal time, absorbing reordering of the final packets sent with it.
const RTTMultiplier = 3

var (
	ErrConnectionIDLimitExceeded = errors.New("localid: connection id limit exceeded")
	ErrDuplicateConnectionID     = errors.New("localid: connection id already issued")
	ErrSequenceRegression        = errors.New("localid: sequence number regression")
	ErrRetiredOwnDCID            = errors.New("localid: cannot retire packet's own destination connection id")
)

// ConnectionID is an opaque peer-visible identifier, 1-20 bytes.
type ConnectionID []byte

// StatelessResetToken is the 16-byte token bound to a connection ID.
type StatelessResetToken [16]byte

// Status is a connection ID entry's lifecycle state.
type Status int

const (
	StatusPendingIssuance Status = iota
	StatusPendingReissue
	StatusPendingAcknowledgement
	StatusActive
	StatusPendingRetirementConfirmation
	StatusPendingRemoval
)

type entry struct {
	sequence      uint32
	id            ConnectionID
	token         StatelessResetToken
	status        Status
	pendingAckPN  uint64
	retirementAt  *time.Time
	removalAt     *time.Time
}

// Interest describes what connection-ID work this registry wants done
// next: issuing brand-new IDs (InterestNew), retransmitting IDs whose
// NEW_CONNECTION_ID frame was lost (InterestLostData), or nothing
// (InterestNone). Count is the number of IDs the Kind refers to.
type Interest struct {
	Kind  InterestKind
	Count int
}

type InterestKind int

const (
	InterestNone InterestKind = iota
	InterestNew
	InterestLostData
)

// Registry is one connection's set of locally-issued connection IDs.
type Registry struct {
	entries       []*entry
	limit         int
	highestSeq    int64 // -1 means none issued yet
	retirePriorTo uint32
	initialDCID   ConnectionID
}

// NewRegistry returns an empty registry bounded by limit (<=
// MaxActiveConnectionIDLimit), tracking initialDCID so
// RetireHandshakeConnectionID can find it.
func NewRegistry(limit int, initialDCID ConnectionID) *Registry {
	if limit <= 0 || limit > MaxActiveConnectionIDLimit {
		limit = MaxActiveConnectionIDLimit
	}
	return &Registry{limit: limit, highestSeq: -1, initialDCID: initialDCID}
}

func (r *Registry) isLive(e *entry) bool {
	switch e.status {
	case StatusActive, StatusPendingIssuance, StatusPendingReissue, StatusPendingAcknowledgement:
		return true
	case StatusPendingRemoval:
		// Entries past their removal time are dropped by OnTimeout.
		return true
	default:
		return false
	}
}

// ConnectionIDInterest reports what this registry wants done next.
// Entries sent back to PendingReissue by a lost NEW_CONNECTION_ID
// frame take priority: they need retransmission, not fresh issuance,
// so InterestLostData is reported before InterestNew is ever
// considered. Otherwise it reports limit - live new IDs needed, where
// live counts active and pending entries plus pending-removal entries
// that OnTimeout has not yet dropped.
func (r *Registry) ConnectionIDInterest() Interest {
	live := 0
	lostData := 0
	for _, e := range r.entries {
		if r.isLive(e) {
			live++
		}
		if e.status == StatusPendingReissue {
			lostData++
		}
	}
	if lostData > 0 {
		return Interest{Kind: InterestLostData, Count: lostData}
	}
	need := r.limit - live
	if need <= 0 {
		return Interest{Kind: InterestNew, Count: 0}
	}
	return Interest{Kind: InterestNew, Count: need}
}

// RegisterConnectionID issues a new locally-owned connection ID.
// Sequence numbers must increase by exactly 1; duplicate IDs are
// rejected.
func (r *Registry) RegisterConnectionID(id ConnectionID, expiration *time.Time, token StatelessResetToken) error {
	for _, e := range r.entries {
		if bytes.Equal(e.id, id) {
			return ErrDuplicateConnectionID
		}
	}
	nextSeq := uint32(r.highestSeq + 1)
	if len(r.entries) >= r.limit {
		return ErrConnectionIDLimitExceeded
	}

	e := &entry{
		sequence:     nextSeq,
		id:           id,
		token:        token,
		status:       StatusPendingIssuance,
		retirementAt: expiration,
	}
	r.entries = append(r.entries, e)
	r.highestSeq = int64(nextSeq)
	return nil
}

// RetireHandshakeConnectionID marks the handshake's initial connection
// ID pending-retirement once confirmation is appropriate (i.e. once
// the handshake is confirmed and a replacement has been issued).
func (r *Registry) RetireHandshakeConnectionID() {
	for _, e := range r.entries {
		if bytes.Equal(e.id, r.initialDCID) {
			e.status = StatusPendingRetirementConfirmation
			return
		}
	}
}

// OnRetireConnectionID processes a peer's RETIRE_CONNECTION_ID frame
// for seq, observed on a packet whose destination CID is
// dcidOfPacket. Fails if seq was never issued, or refers to the
// packet's own destination connection ID (a protocol violation).
func (r *Registry) OnRetireConnectionID(seq uint32, dcidOfPacket ConnectionID, rtt time.Duration, now time.Time) error {
	if int64(seq) > r.highestSeq {
		return ErrSequenceRegression
	}
	for _, e := range r.entries {
		if e.sequence != seq {
			continue
		}
		if bytes.Equal(e.id, dcidOfPacket) {
			return ErrRetiredOwnDCID
		}
		removal := now.Add(RTTMultiplier * rtt)
		e.status = StatusPendingRemoval
		e.removalAt = &removal
		return nil
	}
	return nil
}

// OnPacketAck processes acknowledgement of NEW_CONNECTION_ID frames
// carried on pn: any entry pending acknowledgement on that packet
// number transitions to Active.
func (r *Registry) OnPacketAck(pn uint64) {
	for _, e := range r.entries {
		if e.status == StatusPendingAcknowledgement && e.pendingAckPN == pn {
			e.status = StatusActive
		}
	}
}

// OnPacketLoss processes loss of NEW_CONNECTION_ID frames carried on
// pn: matching entries go back to PendingReissue (not PendingIssuance)
// so retransmission interest is LostData rather than NewData.
func (r *Registry) OnPacketLoss(pn uint64) {
	for _, e := range r.entries {
		if e.status == StatusPendingAcknowledgement && e.pendingAckPN == pn {
			e.status = StatusPendingReissue
		}
	}
}

// TransmitContext receives the frames OnTransmit wants to emit.
type TransmitContext interface {
	WriteNewConnectionID(seq uint32, id ConnectionID, token StatelessResetToken, retirePriorTo uint32, pn uint64)
}

// OnTransmit emits NEW_CONNECTION_ID frames for every PendingIssuance
// or PendingReissue entry, moving them to PendingAcknowledgement.
func (r *Registry) OnTransmit(ctx TransmitContext, pn uint64) {
	for _, e := range r.entries {
		if e.status == StatusPendingIssuance || e.status == StatusPendingReissue {
			ctx.WriteNewConnectionID(e.sequence, e.id, e.token, r.retirePriorTo, pn)
			e.status = StatusPendingAcknowledgement
			e.pendingAckPN = pn
		}
	}
}

// OnTimeout advances entries whose deadline has passed: Active entries
// with an expired retirement time move to
// PendingRetirementConfirmation; PendingRemoval entries whose removal
// time has passed are dropped entirely.
func (r *Registry) OnTimeout(now time.Time) {
	var kept []*entry
	for _, e := range r.entries {
		if e.status == StatusActive && e.retirementAt != nil && !now.Before(*e.retirementAt) {
			e.status = StatusPendingRetirementConfirmation
		}
		if e.status == StatusPendingRemoval && e.removalAt != nil && !now.Before(*e.removalAt) {
			continue // dropped
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

// NextDeadline returns the minimum of all entries' next deadline
// (retirement time for Active entries, removal time for
// pending-removal entries), used to arm the expiration timer.
func (r *Registry) NextDeadline() (time.Time, bool) {
	var min *time.Time
	consider := func(t *time.Time) {
		if t == nil {
			return
		}
		if min == nil || t.Before(*min) {
			min = t
		}
	}
	for _, e := range r.entries {
		if e.status == StatusActive {
			consider(e.retirementAt)
		}
		if e.status == StatusPendingRemoval {
			consider(e.removalAt)
		}
	}
	if min == nil {
		return time.Time{}, false
	}
	return *min, true
}
