// Package cubic implements RFC 8312 CUBIC congestion control with
// hybrid slow start, fast convergence, and app-limited suppression, a
// close port of s2n-quic-core's recovery::cubic module. Constants and
// transition behavior are grounded directly on that module's test
// suite (read in full from original_source) rather than on RFC 8312
// prose alone, since the test suite pins down rounding and ordering
// details the RFC leaves to the implementer.
package cubic

import (
	"math"
	"time"
)

// DefaultBetaCubic and DefaultC are RFC 8312's tuning constants.
const (
	DefaultBetaCubic = 0.7
	DefaultC         = 0.4
)

// Hybrid Slow Start (HR08) parameters: a round's minimum RTT is
// compared against the previous round's once nRTTSample samples have
// been collected, and slow start is exited if the increase exceeds a
// threshold clamped to [minRTTThresh, maxRTTThresh].
const (
	nRTTSample   = 8
	minRTTThresh = 4 * time.Millisecond
	maxRTTThresh = 16 * time.Millisecond
)

// State is CUBIC's top-level congestion state.
type State int

const (
	StateSlowStart State = iota
	StateRecovery
	StateCongestionAvoidance
)

// FastRetransmitState tracks whether Recovery still owes a
// retransmission of the packet that triggered it.
type FastRetransmitState int

const (
	FastRetransmitIdle FastRetransmitState = iota
	FastRetransmitRequiresTransmission
)

// Controller is one path's CUBIC congestion state.
type Controller struct {
	mtu uint32

	beta float64
	c    float64

	cwnd          float64 // bytes
	bytesInFlight uint32

	ssThreshold float64 // bytes

	state              State
	recoveryEntryTime  time.Time
	fastRetransmit     FastRetransmitState

	caStartTime        time.Time
	windowIncreaseTime time.Time
	appLimitedTime     *time.Time

	wMax     float64 // segments
	wLastMax float64 // segments
	k        float64 // seconds

	lastRoundMinRTT    time.Duration
	currentRoundMinRTT time.Duration
	roundSamples       int
}

// InitialWindow returns the RFC 8312-recommended initial window for a
// path with the given mtu: min(10*mtu, max(14720, 2*mtu)).
func InitialWindow(mtu uint32) uint32 {
	a := 10 * mtu
	b := uint32(14720)
	if 2*mtu > b {
		b = 2 * mtu
	}
	if a < b {
		return a
	}
	return b
}

// MinimumWindow returns the floor below which cwnd is never set: 2*mtu.
func MinimumWindow(mtu uint32) uint32 {
	return 2 * mtu
}

// NewController returns a Controller starting in SlowStart with the
// RFC-recommended initial window.
func NewController(mtu uint32, now time.Time) *Controller {
	return NewControllerWithConstants(mtu, now, DefaultBetaCubic, DefaultC)
}

// NewControllerWithConstants allows overriding beta/C, e.g. from
// config.CUBICConfig.
func NewControllerWithConstants(mtu uint32, now time.Time, beta, c float64) *Controller {
	return &Controller{
		mtu:         mtu,
		beta:        beta,
		c:           c,
		cwnd:        float64(InitialWindow(mtu)),
		ssThreshold: math.MaxFloat64,
		state:       StateSlowStart,
		caStartTime: now,
	}
}

// CongestionWindow returns the current window in bytes.
func (ctl *Controller) CongestionWindow() uint32 { return uint32(ctl.cwnd) }

// State returns the controller's top-level state.
func (ctl *Controller) State() State { return ctl.state }

func (ctl *Controller) minimumWindow() float64 { return float64(MinimumWindow(ctl.mtu)) }

// isAppLimited reports whether the connection is currently
// transmission-starved given bytesInFlight, per RFC 8312 §5.8's
// suppression rule (different thresholds in CA vs slow start).
func (ctl *Controller) isAppLimited() bool {
	if ctl.state == StateCongestionAvoidance {
		return float64(ctl.bytesInFlight)+3*float64(ctl.mtu) < ctl.cwnd
	}
	return float64(ctl.bytesInFlight)*2 < ctl.cwnd
}

// OnPacketSent records newly in-flight bytes, used only to evaluate
// the app-limited condition; callers track the authoritative
// bytes-in-flight elsewhere and report it here. It also marks the
// start of a new hybrid slow start round, finalizing whatever round
// was in progress.
func (ctl *Controller) OnPacketSent(bytesInFlight uint32) {
	ctl.bytesInFlight = bytesInFlight
	ctl.finalizeRound()
}

// OnRttUpdate feeds a fresh RTT sample into hybrid slow start. Once
// nRTTSample samples have accumulated in the current round, the
// round's minimum RTT is compared against the previous round's: an
// increase past the clamped threshold means the network's buffer is
// filling up, so slow start is exited by setting ssThreshold to the
// current window, exactly as reaching ssThreshold via ack-driven
// growth would.
func (ctl *Controller) OnRttUpdate(now time.Time, rtt time.Duration) {
	if ctl.state != StateSlowStart || rtt <= 0 {
		return
	}
	if ctl.roundSamples == 0 || rtt < ctl.currentRoundMinRTT {
		ctl.currentRoundMinRTT = rtt
	}
	ctl.roundSamples++
	if ctl.roundSamples >= nRTTSample {
		ctl.finalizeRound()
	}
}

// finalizeRound closes out the in-progress hybrid slow start round
// (if any samples were collected), checking for an RTT-increase
// pattern against the previous round's baseline before rolling the
// baseline forward.
func (ctl *Controller) finalizeRound() {
	if ctl.roundSamples == 0 {
		return
	}
	if ctl.lastRoundMinRTT > 0 && ctl.state == StateSlowStart {
		thresh := ctl.lastRoundMinRTT / 8
		if thresh < minRTTThresh {
			thresh = minRTTThresh
		}
		if thresh > maxRTTThresh {
			thresh = maxRTTThresh
		}
		if ctl.currentRoundMinRTT >= ctl.lastRoundMinRTT+thresh {
			ctl.ssThreshold = ctl.cwnd
		}
	}
	ctl.lastRoundMinRTT = ctl.currentRoundMinRTT
	ctl.currentRoundMinRTT = 0
	ctl.roundSamples = 0
}

// resetHybridSlowStart clears round tracking, called wherever
// ssThreshold itself is reset back to unbounded.
func (ctl *Controller) resetHybridSlowStart() {
	ctl.lastRoundMinRTT = 0
	ctl.currentRoundMinRTT = 0
	ctl.roundSamples = 0
}

// OnAck processes acknowledgement of bytesAcked bytes at time now,
// with the current smoothed RTT estimate.
func (ctl *Controller) OnAck(bytesAcked uint32, now time.Time, rtt time.Duration) {
	if ctl.isAppLimited() {
		if ctl.appLimitedTime == nil {
			t := now
			ctl.appLimitedTime = &t
		}
		return
	}

	if ctl.appLimitedTime != nil {
		idle := now.Sub(*ctl.appLimitedTime)
		ctl.caStartTime = ctl.caStartTime.Add(idle)
		ctl.appLimitedTime = nil
	}

	switch ctl.state {
	case StateSlowStart:
		ctl.cwnd += float64(bytesAcked)
		if ctl.cwnd >= ctl.ssThreshold {
			ctl.enterCongestionAvoidance(now)
		}
	case StateRecovery:
		ctl.state = StateCongestionAvoidance
		ctl.enterCongestionAvoidance(now)
	case StateCongestionAvoidance:
		ctl.onAckCongestionAvoidance(bytesAcked, now, rtt)
	}
}

func (ctl *Controller) enterCongestionAvoidance(now time.Time) {
	ctl.state = StateCongestionAvoidance
	ctl.wMax = ctl.cwnd / float64(ctl.mtu)
	ctl.k = math.Cbrt(ctl.wMax * (1 - ctl.beta) / ctl.c)
	ctl.caStartTime = now
	ctl.windowIncreaseTime = now
}

func (ctl *Controller) onAckCongestionAvoidance(bytesAcked uint32, now time.Time, rtt time.Duration) {
	t := now.Sub(ctl.caStartTime).Seconds()
	rttSecs := rtt.Seconds()
	if rttSecs <= 0 {
		rttSecs = 0.001
	}

	wCubic := ctl.wCubic(t)
	wEst := ctl.wEst(t, rttSecs)

	if wCubic < wEst {
		ctl.cwnd = wEst * float64(ctl.mtu)
		return
	}

	target := ctl.wCubic(t+rttSecs) * float64(ctl.mtu)
	if ctl.cwnd > 0 {
		ctl.cwnd += (target - ctl.cwnd) / ctl.cwnd * float64(bytesAcked)
	}
	floor := ctl.wMax * ctl.beta * float64(ctl.mtu)
	if ctl.cwnd < floor {
		ctl.cwnd = floor
	}
}

// wCubic implements RFC 8312's w_cubic(t) = C*(t-K)^3 + w_max.
func (ctl *Controller) wCubic(t float64) float64 {
	d := t - ctl.k
	return ctl.c*d*d*d + ctl.wMax
}

// wEst implements RFC 8312's TCP-friendly estimate.
func (ctl *Controller) wEst(t, rtt float64) float64 {
	return ctl.wMax*ctl.beta + (3*(1-ctl.beta)/(1+ctl.beta))*(t/rtt)
}

// OnPacketLoss transitions into Recovery, applying multiplicative
// decrease and fast convergence.
func (ctl *Controller) OnPacketLoss(now time.Time) {
	if ctl.state == StateRecovery {
		return
	}

	newWMax := ctl.cwnd / float64(ctl.mtu)
	if newWMax < ctl.wLastMax {
		ctl.wLastMax = newWMax
		ctl.wMax = newWMax * (1 + ctl.beta) / 2
	} else {
		ctl.wLastMax = newWMax
		ctl.wMax = newWMax
	}

	ctl.cwnd = math.Max(ctl.cwnd*ctl.beta, ctl.minimumWindow())
	ctl.state = StateRecovery
	ctl.recoveryEntryTime = now
	ctl.fastRetransmit = FastRetransmitRequiresTransmission
}

// OnPersistentCongestion collapses the window to the minimum and
// resets CUBIC's curve entirely, returning to SlowStart.
func (ctl *Controller) OnPersistentCongestion(now time.Time) {
	ctl.cwnd = ctl.minimumWindow()
	ctl.wMax = 0
	ctl.wLastMax = 0
	ctl.k = 0
	ctl.state = StateSlowStart
	ctl.ssThreshold = math.MaxFloat64
	ctl.resetHybridSlowStart()
	ctl.fastRetransmit = FastRetransmitIdle
}

// OnMtuUpdate rescales the window when the path MTU changes: a
// decreased MTU resets to the new initial window (the previous cwnd
// may now represent too many in-flight packets for the smaller MTU to
// safely pace); an increased MTU preserves the byte-valued window
// (packet count shrinks proportionally) and rescales wMax so the
// cubic curve stays continuous in byte terms.
func (ctl *Controller) OnMtuUpdate(newMTU uint32) {
	if newMTU < ctl.mtu {
		ctl.mtu = newMTU
		ctl.cwnd = float64(InitialWindow(newMTU))
		ctl.wMax = 0
		ctl.wLastMax = 0
		ctl.k = 0
		ctl.state = StateSlowStart
		ctl.ssThreshold = math.MaxFloat64
		ctl.resetHybridSlowStart()
		return
	}
	if newMTU > ctl.mtu && ctl.mtu > 0 {
		scale := float64(ctl.mtu) / float64(newMTU)
		ctl.wMax *= scale
		ctl.wLastMax *= scale
	}
	ctl.mtu = newMTU
}

// AckFastRetransmission acknowledges Recovery's owed retransmission.
func (ctl *Controller) AckFastRetransmission() {
	ctl.fastRetransmit = FastRetransmitIdle
}
