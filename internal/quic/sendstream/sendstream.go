// Package sendstream implements the send-side stream state machine:
// flow-control-gated writes over the shared connection send buffer,
// idempotent finish, and the Sending/ResetSent/ResetAcknowledged reset
// lifecycle. Grounded directly on spec §4.H; no single s2n-quic-transport
// file isolates this cleanly from the rest of its stream module, so the
// state machine is built from the written description, following the
// original's own escape hatch that where it uses poll methods only
// because of async scheduling, "the contract (send or report error) is
// what matters" — this port uses ordinary synchronous calls instead of
// poll states.
package sendstream

import "errors"

// ErrNotSending is returned by Write/Finish/Reset once the stream has
// left the Sending state.
var ErrNotSending = errors.New("sendstream: stream is not in the Sending state")

// ErrFlowControlBlocked is returned by Write when the stream has no
// flow-control credit and cannot acquire more from the connection.
var ErrFlowControlBlocked = errors.New("sendstream: blocked on flow control")

// State is the coarse send-stream lifecycle.
type State int

const (
	StateSending State = iota
	StateResetSent
	StateResetAcknowledged
)

// ConnectionFlowController is the shared connection-wide send window a
// stream acquires credit from lazily, first-come-first-served.
type ConnectionFlowController interface {
	// Acquire reserves up to want bytes of connection-level send
	// credit, returning how much was actually granted (may be less
	// than want, including zero).
	Acquire(want uint64) uint64
	// Release returns unused credit the stream reserved but never
	// sent, e.g. after a reset.
	Release(amount uint64)
}

// StreamFlowController composes a per-stream max_stream_data ceiling
// (raised by MAX_STREAM_DATA frames) with connection-level credit
// acquired lazily as the stream needs it.
type StreamFlowController struct {
	maxStreamData uint64
	acquired      uint64
	sent          uint64
	conn          ConnectionFlowController
}

// NewStreamFlowController returns a controller with the given initial
// max_stream_data ceiling, drawing additional connection-level credit
// from conn as needed.
func NewStreamFlowController(initialMaxStreamData uint64, conn ConnectionFlowController) *StreamFlowController {
	return &StreamFlowController{maxStreamData: initialMaxStreamData, conn: conn}
}

// RaiseMaxStreamData processes a peer MAX_STREAM_DATA frame.
func (f *StreamFlowController) RaiseMaxStreamData(newLimit uint64) {
	if newLimit > f.maxStreamData {
		f.maxStreamData = newLimit
	}
}

// AvailableWindow returns how many more bytes may be sent right now
// without acquiring additional connection credit.
func (f *StreamFlowController) AvailableWindow() uint64 {
	streamRoom := f.maxStreamData - f.sent
	if f.acquired < streamRoom {
		return f.acquired
	}
	return streamRoom
}

// acquireFor tries to make at least want bytes available, pulling from
// the connection controller if the stream ceiling allows it. Returns
// the number of bytes now available (<= want).
func (f *StreamFlowController) acquireFor(want uint64) uint64 {
	avail := f.AvailableWindow()
	if avail >= want {
		return want
	}
	streamRoom := f.maxStreamData - f.sent
	need := streamRoom - f.acquired
	if need > want-avail {
		need = want - avail
	}
	if need > 0 {
		got := f.conn.Acquire(need)
		f.acquired += got
	}
	return f.AvailableWindow()
}

func (f *StreamFlowController) consume(n uint64) {
	f.sent += n
	f.acquired -= n
}

// Acquired returns the total connection-level credit ever granted to
// this stream, used as the RESET frame's final-size field so both
// peers stay in sync on connection credit even though the stream never
// sent all of it.
func (f *StreamFlowController) Acquired() uint64 {
	return f.sent + f.acquired
}

// SendStream is one QUIC stream's send-side state machine.
type SendStream struct {
	state State
	flow  *StreamFlowController
	resetCode *uint64
	finishRequested bool
}

// New returns a SendStream in the Sending state.
func New(flow *StreamFlowController) *SendStream {
	return &SendStream{state: StateSending, flow: flow}
}

// State returns the stream's current lifecycle state.
func (s *SendStream) State() State { return s.state }

// Write enqueues len(data) bytes subject to flow control. Returns the
// number of bytes actually accepted (may be less than len(data) if
// blocked on flow control) and an error only if the stream has left
// Sending.
func (s *SendStream) Write(data []byte) (int, error) {
	if s.state != StateSending {
		return 0, ErrNotSending
	}
	want := uint64(len(data))
	got := s.flow.acquireFor(want)
	if got == 0 && want > 0 {
		return 0, nil
	}
	n := got
	if n > want {
		n = want
	}
	s.flow.consume(n)
	return int(n), nil
}

// Finish arms delivery of a FIN. Idempotent: calling it more than once
// in the Sending state has no additional effect.
func (s *SendStream) Finish() error {
	if s.state != StateSending {
		return ErrNotSending
	}
	s.finishRequested = true
	return nil
}

// FinishRequested reports whether Finish has been called.
func (s *SendStream) FinishRequested() bool { return s.finishRequested }

// Reset is called for an application-initiated reset or on receipt of
// STOP_SENDING from the peer; it transitions Sending -> ResetSent and
// releases any unsent acquired flow-control credit.
func (s *SendStream) Reset(code uint64) error {
	if s.state != StateSending {
		return ErrNotSending
	}
	s.flow.conn.Release(s.flow.acquired)
	s.flow.acquired = 0
	s.resetCode = &code
	s.state = StateResetSent
	return nil
}

// OnResetAcknowledged transitions ResetSent -> ResetAcknowledged once
// the peer has acknowledged the RESET_STREAM frame.
func (s *SendStream) OnResetAcknowledged() {
	if s.state == StateResetSent {
		s.state = StateResetAcknowledged
	}
}

// OnInternalReset handles a connection-level error: it transitions
// directly to ResetAcknowledged without ever emitting a RESET_STREAM
// frame, since the whole connection is being torn down.
func (s *SendStream) OnInternalReset(code uint64) {
	s.resetCode = &code
	s.state = StateResetAcknowledged
}

// FinalSize returns the value a RESET_STREAM frame's final-size field
// should carry: the total connection window this stream has acquired,
// not the number of bytes actually written, so both peers stay in sync
// on the connection's flow-control credit.
func (s *SendStream) FinalSize() uint64 {
	return s.flow.Acquired()
}

// ResetCode returns the error code associated with a reset, if any.
func (s *SendStream) ResetCode() (uint64, bool) {
	if s.resetCode == nil {
		return 0, false
	}
	return *s.resetCode, true
}
