package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffState_DoublesAndClampsToMax(t *testing.T) {
	b := newBackoffState(1000*time.Millisecond, 5000*time.Millisecond)

	// current starts at min=1000ms; Next doubles it to 2000ms before
	// jitter, and jitter factor is always in [0.5, 1.5).
	d := b.Next()
	require.GreaterOrEqual(t, d, time.Duration(float64(2000*time.Millisecond)*0.5))
	require.Less(t, d, time.Duration(float64(2000*time.Millisecond)*1.5))

	for i := 0; i < 10; i++ {
		b.Next()
	}
	require.Equal(t, 5000*time.Millisecond, b.current, "backoff must clamp at max")
}

func TestBackoffState_NeverBelowMin(t *testing.T) {
	b := newBackoffState(1000*time.Millisecond, 5000*time.Millisecond)
	b.current = 0

	b.Next()
	require.GreaterOrEqual(t, b.current, 1000*time.Millisecond)
}

func TestBackoffState_ResetReturnsToMin(t *testing.T) {
	b := newBackoffState(1000*time.Millisecond, 5000*time.Millisecond)
	b.Next()
	b.Next()
	b.Reset()
	require.Equal(t, 1000*time.Millisecond, b.current)
}

func TestClampDuration(t *testing.T) {
	require.Equal(t, 10*time.Millisecond, clampDuration(5*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond))
	require.Equal(t, 100*time.Millisecond, clampDuration(200*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond))
	require.Equal(t, 50*time.Millisecond, clampDuration(50*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond))
}

func TestMaxDuration(t *testing.T) {
	require.Equal(t, 5*time.Second, maxDuration(5*time.Second, 2*time.Second))
	require.Equal(t, 5*time.Second, maxDuration(2*time.Second, 5*time.Second))
}
