package token

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCtx() Context {
	return Context{
		PeerConnectionID: []byte{2, 4, 6, 8, 10},
		RemoteAddr:       net.ParseIP("127.0.0.1"),
		RemotePort:       443,
	}
}

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	now := time.Now()
	f := NewFormat(time.Second, now)
	odcid := []byte{0, 1, 2, 3, 4, 5, 6, 7}

	raw, err := f.GenerateRetryToken(now, odcid, testCtx())
	require.NoError(t, err)
	require.Len(t, raw, TokenLen)

	got, err := f.ValidateToken(now.Add(10*time.Millisecond), raw, testCtx())
	require.NoError(t, err)
	require.Equal(t, odcid, got)
}

func TestBitFlipInvalidatesToken(t *testing.T) {
	now := time.Now()
	f := NewFormat(time.Second, now)
	odcid := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	raw, err := f.GenerateRetryToken(now, odcid, testCtx())
	require.NoError(t, err)

	for i := range raw {
		corrupt := append([]byte(nil), raw...)
		corrupt[i] ^= 0xFF
		_, err := f.ValidateToken(now, corrupt, testCtx())
		require.Error(t, err)
	}
}

func TestReplayRejected(t *testing.T) {
	now := time.Now()
	f := NewFormat(time.Second, now)
	odcid := []byte{9, 9, 9}
	raw, err := f.GenerateRetryToken(now, odcid, testCtx())
	require.NoError(t, err)

	_, err = f.ValidateToken(now, raw, testCtx())
	require.NoError(t, err)

	_, err = f.ValidateToken(now, raw, testCtx())
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPortChangeRejected(t *testing.T) {
	now := time.Now()
	f := NewFormat(time.Second, now)
	odcid := []byte{1, 2, 3}
	ctx := testCtx()
	raw, err := f.GenerateRetryToken(now, odcid, ctx)
	require.NoError(t, err)

	wrongPort := ctx
	wrongPort.RemotePort = 444
	_, err = f.ValidateToken(now, raw, wrongPort)
	require.ErrorIs(t, err, ErrInvalidToken)

	// original context still validates (not consumed by the failed attempt)
	_, err = f.ValidateToken(now, raw, ctx)
	require.NoError(t, err)
}

func TestKeyRotationStillValidatesWithinTwoPeriods(t *testing.T) {
	now := time.Now()
	period := 100 * time.Millisecond
	f := NewFormat(period, now)
	odcid := []byte{1}
	raw, err := f.GenerateRetryToken(now, odcid, testCtx())
	require.NoError(t, err)

	_, err = f.ValidateToken(now.Add(period), raw, testCtx())
	require.NoError(t, err)
}

func TestKeyExpiresAfterTwoRotations(t *testing.T) {
	now := time.Now()
	period := 100 * time.Millisecond
	f := NewFormat(period, now)
	odcid := []byte{1}
	raw, err := f.GenerateRetryToken(now, odcid, testCtx())
	require.NoError(t, err)

	// key 0 signed the token and its material lasts 2*period, so at
	// 3*period validation finds it regenerated. The currentKeyID call at
	// exactly one period does not rotate (rotation needs a later time).
	_ = f.currentKeyID(now.Add(period))
	_, err = f.ValidateToken(now.Add(period*3), raw, testCtx())
	require.Error(t, err)
}

func TestNewTokenFrameSourceUnsupported(t *testing.T) {
	now := time.Now()
	f := NewFormat(time.Second, now)
	odcid := []byte{1, 2}
	raw, err := f.GenerateRetryToken(now, odcid, testCtx())
	require.NoError(t, err)

	raw[0] &^= byte(1 << sourceShift) // flip source bit to NewTokenFrame
	_, err = f.ValidateToken(now, raw, testCtx())
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestWrongLengthRejected(t *testing.T) {
	now := time.Now()
	f := NewFormat(time.Second, now)
	_, err := f.ValidateToken(now, []byte("short"), testCtx())
	require.ErrorIs(t, err, ErrInvalidToken)
}
