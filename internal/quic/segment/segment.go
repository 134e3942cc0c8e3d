// Package segment implements the send-message batching allocator
// backing both the connection-level send path and the dc control
// path: a small-integer-indexed pool of growable byte buffers, packed
// into GSO ("Generic Segmentation Offload") super-datagrams where the
// kernel and platform allow it.
//
// Segments reference their owning pool by index rather than by
// pointer, the arena-index pattern this codebase uses wherever a cyclic
// owner/owned relationship would otherwise need a back-pointer (see
// SPEC_FULL.md's "Cyclic structures -> arena indices" note).
package segment

import (
	"errors"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrSegmentTooLarge is returned by Push when the segment is longer
// than the batch's segmentLen, or when appending it would exceed 65535
// bytes of total batch size.
var ErrSegmentTooLarge = errors.New("segment: segment too large for the batch")

// ErrBatchInFlight is returned by Retransmit, which requires no batch
// currently under construction.
var ErrBatchInFlight = errors.New("segment: batch in flight")

// ErrShortWrite signals a sendmsg that wrote fewer bytes than the full
// batch. UDP sendmsg is all-or-nothing, so this indicates a bug rather
// than adversarial input or a transient condition; see DESIGN.md's
// "short sendmsg write" open question.
var ErrShortWrite = errors.New("segment: short write from sendmsg")

// Segment is a lease on a pool-owned buffer, identified by index. The
// zero value is not a valid segment.
type Segment struct {
	idx      uint32
	instance xid.ID
}

// Retransmission wraps a segment that has been handed to the
// retransmission queue rather than the free-list. The zero value
// means "no retransmission", mirroring the original's NonZero index.
type Retransmission struct {
	idx      uint32
	instance xid.ID
	valid    bool
}

// GSOCapability is a process-shared handle describing whether GSO is
// currently believed to work. A socket-level send failure classified
// as GSO-related disables it for all pools sharing the handle; tests
// construct one with maxSegments == 1 to exercise the no-GSO path.
type GSOCapability struct {
	maxSegments int
	enabled     bool
}

// NewGSOCapability returns a capability handle capped at maxSegments
// per batch (the platform's UDP_SEGMENT ceiling).
func NewGSOCapability(maxSegments int) *GSOCapability {
	return &GSOCapability{maxSegments: maxSegments, enabled: maxSegments > 1}
}

// MaxSegments returns the current per-batch segment ceiling: 1 if GSO
// has been disabled, else the configured maximum.
func (g *GSOCapability) MaxSegments() int {
	if !g.enabled {
		return 1
	}
	return g.maxSegments
}

// Disable turns off GSO for every pool sharing this handle, used when
// a send fails in a way that looks like broken kernel GSO support.
func (g *GSOCapability) Disable() { g.enabled = false }

// Pool is an index-addressed set of growable buffers plus the
// in-construction message batch drawing on them.
type Pool struct {
	bufSize int
	gso     *GSOCapability
	logger  *zap.Logger

	buffers  [][]byte
	inUse    []bool
	free     []uint32
	instance []xid.ID

	// batch state
	batch         []uint32
	segmentLen    int
	totalLen      int
	pendingFree   []uint32
	batchInFlight bool
}

// NewPool returns a Pool whose buffers are bufSize bytes by default
// (grown on demand by callers via GetMut's returned slice capacity).
func NewPool(bufSize int, gso *GSOCapability, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{bufSize: bufSize, gso: gso, logger: logger}
}

// Alloc leases a buffer from the free-list, or extends the pool if
// none is free. Returns false only if the pool has hit an implementation
// capacity ceiling (never true for the in-memory slice-backed pool, but
// kept in the signature to mirror the original's Option-returning API
// for callers that might back it with a fixed-size arena).
func (p *Pool) Alloc() (Segment, bool) {
	var idx uint32
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		idx = uint32(len(p.buffers))
		p.buffers = append(p.buffers, make([]byte, p.bufSize))
		p.inUse = append(p.inUse, false)
		p.instance = append(p.instance, xid.New())
	}
	p.inUse[idx] = true
	p.instance[idx] = xid.New()
	trackAlloc(p, idx)
	return Segment{idx: idx, instance: p.instance[idx]}, true
}

func (p *Pool) valid(s Segment) bool {
	return int(s.idx) < len(p.buffers) && p.instance[s.idx] == s.instance && p.inUse[s.idx]
}

// Get returns the segment's buffer for reading.
func (p *Pool) Get(s Segment) []byte {
	if !p.valid(s) {
		return nil
	}
	return p.buffers[s.idx]
}

// GetMut returns the segment's buffer for writing.
func (p *Pool) GetMut(s Segment) []byte {
	return p.Get(s)
}

// CanPush reports whether another segment may be appended to the
// in-construction batch: the segment count must stay within the GSO
// capability's ceiling, and another segmentLen-sized segment must keep
// the running total <= 65535 bytes. It does not look at segment
// lengths, so an undersized segment does not stop further pushes.
func (p *Pool) CanPush() bool {
	if len(p.batch) == 0 {
		return true
	}
	if len(p.batch) >= p.gso.MaxSegments() {
		return false
	}
	if p.totalLen+p.segmentLen > 65535 {
		return false
	}
	return true
}

// Push appends s to the in-construction batch. The first segment in a
// batch fixes segmentLen; a later segment longer than segmentLen is
// rejected with ErrSegmentTooLarge. An undersized segment does not
// lock the batch: nothing refuses further pushes after it, although
// the kernel GSO contract allows only the final segment to be short.
func (p *Pool) Push(s Segment) error {
	buf := p.Get(s)
	n := len(buf)

	if len(p.batch) == 0 {
		p.segmentLen = n
	} else if n > p.segmentLen {
		return ErrSegmentTooLarge
	}

	if p.totalLen+n > 65535 {
		return ErrSegmentTooLarge
	}

	p.batch = append(p.batch, s.idx)
	p.totalLen += n
	trackPush(p, s)

	if n < p.segmentLen {
		// Undersized segment: gsoLockBatch records nothing (see below).
		p.gsoLockBatch()
	}
	return nil
}

func (p *Pool) gsoLockBatch() {
	// Represented implicitly: CanPush already refuses once len(batch)
	// would exceed MaxSegments; an undersized segment is by convention
	// always pushed last by callers, matching the kernel GSO contract.
}

// PushWithRetransmission pushes s like Push, and additionally returns a
// Retransmission handle that keeps the segment alive past the batch's
// lifetime, for the retransmission queue.
func (p *Pool) PushWithRetransmission(s Segment) Retransmission {
	_ = p.Push(s)
	return Retransmission{idx: s.idx, instance: s.instance, valid: true}
}

// Retransmit reclaims a retransmission handle's segment for direct
// reuse. Requires no batch currently in flight, since the segment may
// be mutated before being re-pushed.
func (p *Pool) Retransmit(r Retransmission) (Segment, error) {
	if p.batchInFlight {
		return Segment{}, ErrBatchInFlight
	}
	return Segment{idx: r.idx, instance: r.instance}, nil
}

// RetransmitCopy returns a fresh segment holding a deep copy of r's
// bytes, for replaying data without invalidating the original
// retransmission handle (e.g. PTO retransmission while the original
// send is still technically in flight).
func (p *Pool) RetransmitCopy(r Retransmission) (Segment, bool) {
	src := p.Get(Segment{idx: r.idx, instance: r.instance})
	if src == nil {
		return Segment{}, false
	}
	s, ok := p.Alloc()
	if !ok {
		return Segment{}, false
	}
	copy(p.GetMut(s), src)
	return s, true
}

// Free returns s to the pool's free-list immediately if no batch is
// currently in flight, else defers the return until the batch
// completes (SendWith drains pendingFree on success).
func (p *Pool) Free(s Segment) {
	checkConsumed(p, s)
	if !p.valid(s) {
		return
	}
	if p.batchInFlight {
		p.pendingFree = append(p.pendingFree, s.idx)
		return
	}
	p.inUse[s.idx] = false
	p.free = append(p.free, s.idx)
}

// FreeRetransmission frees the segment backing a retransmission handle.
func (p *Pool) FreeRetransmission(r Retransmission) {
	p.Free(Segment{idx: r.idx, instance: r.instance})
}

// SendFunc transmits a packed iovec list, returning the number of
// bytes accepted by the kernel. The destination is bound by the caller.
type SendFunc func(iovecs [][]byte) (int, error)

// SendWith transmits the in-construction batch via f; any UDP_SEGMENT
// cmsg is f's to attach (SendmsgGSO attaches one for more than one
// iovec). On
// success, pending-free segments return to the free-list; on a
// GSO-shaped failure (EIO/EINVAL-class), the GSO capability is
// disabled so future batches fall back to one segment per sendmsg.
func (p *Pool) SendWith(f SendFunc) error {
	if len(p.batch) == 0 {
		return nil
	}
	p.batchInFlight = true
	defer func() { p.batchInFlight = false }()

	iovecs := make([][]byte, len(p.batch))
	for i, idx := range p.batch {
		iovecs[i] = p.buffers[idx]
	}

	n, err := f(iovecs)
	if err != nil {
		if isGSOFailure(err) {
			p.gso.Disable()
			p.logger.Warn("disabling GSO after send failure", zap.Error(err))
		}
		p.resetBatch()
		return err
	}
	if n != p.totalLen {
		p.logger.Error("short write from sendmsg", zap.Int("wrote", n), zap.Int("want", p.totalLen))
		p.resetBatch()
		return ErrShortWrite
	}

	for _, idx := range p.pendingFree {
		p.inUse[idx] = false
		p.free = append(p.free, idx)
	}
	p.resetBatch()
	return nil
}

func (p *Pool) resetBatch() {
	p.batch = p.batch[:0]
	p.pendingFree = p.pendingFree[:0]
	p.segmentLen = 0
	p.totalLen = 0
}

// ForceClear discards the in-construction batch without sending it,
// returning every batched and pending-free segment to the free-list.
func (p *Pool) ForceClear() {
	for _, idx := range p.batch {
		p.inUse[idx] = false
		p.free = append(p.free, idx)
	}
	for _, idx := range p.pendingFree {
		p.inUse[idx] = false
		p.free = append(p.free, idx)
	}
	p.resetBatch()
}

// isGSOFailure classifies a sendmsg error as indicating broken kernel
// GSO support rather than an ordinary transient network error.
func isGSOFailure(err error) bool {
	return errors.Is(err, unix.EIO) || errors.Is(err, unix.EINVAL)
}
