package interval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func iv(a, b uint64) Interval[Uint64] {
	return Interval[Uint64]{Min: Uint64(a), Max: Uint64(b)}
}

func TestInsertMergesAdjacent(t *testing.T) {
	s := New[Uint64](0)
	require.NoError(t, s.Insert(iv(0, 3)))
	require.NoError(t, s.Insert(iv(5, 6)))
	require.Equal(t, 2, s.Len())

	require.NoError(t, s.InsertValue(Uint64(4)))
	require.Equal(t, 1, s.Len())
	require.Equal(t, []Interval[Uint64]{iv(0, 6)}, s.Intervals())
}

func TestInsertOverlapping(t *testing.T) {
	s := New[Uint64](0)
	require.NoError(t, s.Insert(iv(0, 10)))
	require.NoError(t, s.Insert(iv(5, 15)))
	require.Equal(t, []Interval[Uint64]{iv(0, 15)}, s.Intervals())
}

func TestInsertInvalidInterval(t *testing.T) {
	s := New[Uint64](0)
	err := s.Insert(iv(5, 3))
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestLimitExceeded(t *testing.T) {
	s := New[Uint64](1)
	require.NoError(t, s.Insert(iv(0, 1)))
	err := s.Insert(iv(10, 11))
	require.ErrorIs(t, err, ErrLimitExceeded)
	// Original set must be left untouched.
	require.Equal(t, 1, s.Len())
}

func TestContains(t *testing.T) {
	s := New[Uint64](0)
	require.NoError(t, s.Insert(iv(10, 20)))
	require.True(t, s.Contains(Uint64(15)))
	require.False(t, s.Contains(Uint64(25)))
}

func TestRemoveSplits(t *testing.T) {
	s := New[Uint64](0)
	require.NoError(t, s.Insert(iv(0, 20)))
	s.Remove(iv(5, 10))
	require.Equal(t, []Interval[Uint64]{iv(0, 4), iv(11, 20)}, s.Intervals())
}

func TestUnionRespectsLimit(t *testing.T) {
	a := New[Uint64](1)
	require.NoError(t, a.Insert(iv(0, 1)))
	b := New[Uint64](0)
	require.NoError(t, b.Insert(iv(10, 11)))

	err := a.Union(b)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, 1, a.Len())
}

func TestIntersection(t *testing.T) {
	a := New[Uint64](0)
	require.NoError(t, a.Insert(iv(0, 10)))
	b := New[Uint64](0)
	require.NoError(t, b.Insert(iv(5, 15)))

	got := a.Intersection(b)
	require.Equal(t, []Interval[Uint64]{iv(5, 10)}, got.Intervals())
}

func TestIntegrityAfterManyOps(t *testing.T) {
	s := New[Uint64](0)
	for i := uint64(0); i < 32; i += 2 {
		require.NoError(t, s.Insert(iv(i, i)))
	}
	require.NoError(t, s.checkIntegrity())
	require.Equal(t, 16, s.Len())
}
