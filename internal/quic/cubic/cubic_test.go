package cubic

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitialWindow(t *testing.T) {
	require.Equal(t, uint32(10000), InitialWindow(1000))
	require.Equal(t, uint32(14720), InitialWindow(2000))
}

func TestSlowStartGrowsByBytesAcked(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(1000, now)
	before := ctl.CongestionWindow()
	ctl.OnPacketSent(before)
	ctl.OnAck(1000, now.Add(time.Millisecond), 10*time.Millisecond)
	require.Equal(t, before+1000, ctl.CongestionWindow())
	require.Equal(t, StateSlowStart, ctl.State())
}

func TestLossEntersRecoveryWithBetaDecrease(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewControllerWithConstants(1000, now, DefaultBetaCubic, DefaultC)
	ctl.cwnd = 100000

	ctl.OnPacketLoss(now)

	require.Equal(t, StateRecovery, ctl.State())
	require.InDelta(t, 70000, ctl.CongestionWindow(), 1)
}

func TestPersistentCongestionCollapsesWindow(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewControllerWithConstants(1000, now, DefaultBetaCubic, DefaultC)
	ctl.cwnd = 10000

	ctl.OnPersistentCongestion(now)

	require.Equal(t, uint32(2000), ctl.CongestionWindow())
	require.Equal(t, float64(0), ctl.wMax)
	require.Equal(t, StateSlowStart, ctl.State())
}

func TestCongestionWindowNeverBelowMinimum(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(1000, now)
	for i := 0; i < 5; i++ {
		ctl.OnPacketLoss(now)
	}
	require.GreaterOrEqual(t, ctl.CongestionWindow(), MinimumWindow(1000))
}

func TestAppLimitedSuppressesGrowth(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(1000, now)
	ctl.OnPacketSent(10) // far below cwnd: app-limited
	before := ctl.CongestionWindow()
	ctl.OnAck(1000, now.Add(time.Millisecond), 10*time.Millisecond)
	require.NotNil(t, ctl.appLimitedTime)
	require.Equal(t, before, ctl.CongestionWindow())
}

func TestMtuIncreasePreservesByteWindow(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(1000, now)
	ctl.state = StateCongestionAvoidance
	ctl.wMax = 100
	ctl.cwnd = 100000

	ctl.OnMtuUpdate(2000)

	require.Equal(t, uint32(100000), ctl.CongestionWindow())
	require.InDelta(t, 50, ctl.wMax, 0.001)
}

func TestHybridSlowStartExitsOnRttIncrease(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(1000, now)
	ctl.cwnd = 100000

	ctl.OnPacketSent(1)
	ctl.OnRttUpdate(now, 100*time.Millisecond)

	ctl.OnPacketSent(2)
	for i := 0; i < 8; i++ {
		ctl.OnRttUpdate(now.Add(10*time.Second), 200*time.Millisecond)
	}

	require.InDelta(t, 100000, ctl.ssThreshold, 0.001)
}

func TestHybridSlowStartStaysUnboundedWithoutRttIncrease(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(1000, now)
	ctl.cwnd = 100000

	ctl.OnPacketSent(1)
	for i := 0; i < 8; i++ {
		ctl.OnRttUpdate(now, 100*time.Millisecond)
	}

	ctl.OnPacketSent(2)
	for i := 0; i < 8; i++ {
		ctl.OnRttUpdate(now.Add(10*time.Second), 100*time.Millisecond)
	}

	require.Equal(t, math.MaxFloat64, ctl.ssThreshold)
}

func TestMtuDecreaseResetsToInitialWindow(t *testing.T) {
	now := time.Unix(0, 0)
	ctl := NewController(2000, now)
	ctl.cwnd = 500000

	ctl.OnMtuUpdate(1000)

	require.Equal(t, InitialWindow(1000), ctl.CongestionWindow())
	require.Equal(t, StateSlowStart, ctl.State())
}
