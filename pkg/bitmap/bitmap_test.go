// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bitmap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSparseEmpty(t *testing.T) {
	var s Sparse

	require.True(t, s.Empty())
	require.Equal(t, uint64(0), s.Size())
	require.Equal(t, uint64(0), s.NumContiguous())
	require.Equal(t, uint64(0), s.FirstUnsetFrom(0))

	_, ok := s.First()
	require.False(t, ok)
	_, ok = s.Last()
	require.False(t, ok)
}

func TestSparseRandomOrder(t *testing.T) {
	const n = 1000

	rand.Seed(23)
	var s Sparse
	for _, i := range rand.Perm(n) {
		s.Set(uint64(i))
	}

	require.Equal(t, uint64(n), s.Size())
	require.Equal(t, uint64(n), s.NumContiguous())
	require.Equal(t, uint64(n), s.NumSet())
	require.Equal(t, uint64(n), s.FirstUnsetFrom(0))
	require.Equal(t, "[0..999]", s.String())
}

func TestSparseGaps(t *testing.T) {
	var s Sparse
	s.SetRange(0, 4)
	s.SetRange(8, 4)

	require.Equal(t, "[0..3 8..11]", s.String())
	require.Equal(t, uint64(12), s.Size())
	require.Equal(t, uint64(4), s.NumContiguous())
	require.Equal(t, uint64(8), s.NumSet())
	require.Equal(t, uint64(4), s.FirstUnsetFrom(0))
	require.Equal(t, uint64(5), s.FirstUnsetFrom(5))
	require.Equal(t, uint64(12), s.FirstUnsetFrom(9))
	require.True(t, s.IsSet(3))
	require.False(t, s.IsSet(4))
	require.True(t, s.IsSet(8))

	off, ok := s.FirstSetFrom(4)
	require.True(t, ok)
	require.Equal(t, uint64(8), off)

	_, ok = s.FirstSetFrom(12)
	require.False(t, ok)

	// Closing the gap merges both spans.
	s.SetRange(4, 4)
	require.Equal(t, "[0..11]", s.String())
	require.Equal(t, uint64(12), s.NumContiguous())
}

func TestSparseClearPrefix(t *testing.T) {
	var s Sparse
	s.SetRange(0, 10)

	s.ClearRange(0, 4)
	require.Equal(t, "[4..9]", s.String())
	require.Equal(t, uint64(0), s.NumContiguous())
	require.Equal(t, uint64(10), s.Size())
	require.Equal(t, uint64(6), s.NumSet())

	first, ok := s.First()
	require.True(t, ok)
	require.Equal(t, uint64(4), first)

	s.Clear(6)
	require.Equal(t, "[4..5 7..9]", s.String())

	s.ClearRange(0, 100)
	require.True(t, s.Empty())
}

func TestSparseOverlappingSets(t *testing.T) {
	var s Sparse
	s.Set(3)
	s.Set(7)
	s.SetRange(10, 2)
	s.SetRange(2, 9)

	require.Equal(t, "[2..11]", s.String())

	s.Reset()
	require.True(t, s.Empty())
}
