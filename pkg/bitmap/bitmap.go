// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bitmap provides a sparse bitmap over byte offsets, used to track sent,
// received and acknowledged ranges of a bundle transfer.
package bitmap

import (
	"fmt"
	"sort"
	"strings"
)

// span is an inclusive range of set bits.
type span struct {
	start, end uint64
}

// Sparse is a bitmap storing sorted, disjoint and non-adjacent spans of set
// bits. Bit 0 represents the first byte of a transfer. The zero value is an
// empty bitmap. A Sparse is not safe for concurrent use.
type Sparse struct {
	spans []span
}

func (s *Sparse) String() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "[")
	for i, sp := range s.spans {
		if i > 0 {
			_, _ = fmt.Fprintf(&b, " ")
		}
		if sp.start == sp.end {
			_, _ = fmt.Fprintf(&b, "%d", sp.start)
		} else {
			_, _ = fmt.Fprintf(&b, "%d..%d", sp.start, sp.end)
		}
	}
	_, _ = fmt.Fprintf(&b, "]")
	return b.String()
}

// search returns the index of the first span ending at or after offset.
func (s *Sparse) search(offset uint64) int {
	return sort.Search(len(s.spans), func(i int) bool { return s.spans[i].end >= offset })
}

// Set a single bit.
func (s *Sparse) Set(offset uint64) {
	s.SetRange(offset, 1)
}

// SetRange sets length bits, starting at offset.
func (s *Sparse) SetRange(offset, length uint64) {
	if length == 0 {
		return
	}

	n := span{offset, offset + length - 1}

	// Merge every span overlapping or touching the new one.
	from := 0
	if n.start > 0 {
		from = s.search(n.start - 1)
	}
	to := from
	for to < len(s.spans) && s.spans[to].start <= n.end+1 {
		if s.spans[to].start < n.start {
			n.start = s.spans[to].start
		}
		if s.spans[to].end > n.end {
			n.end = s.spans[to].end
		}
		to++
	}

	spans := make([]span, 0, len(s.spans)-(to-from)+1)
	spans = append(spans, s.spans[:from]...)
	spans = append(spans, n)
	spans = append(spans, s.spans[to:]...)
	s.spans = spans
}

// Clear a single bit.
func (s *Sparse) Clear(offset uint64) {
	s.ClearRange(offset, 1)
}

// ClearRange clears length bits, starting at offset.
func (s *Sparse) ClearRange(offset, length uint64) {
	if length == 0 {
		return
	}

	c := span{offset, offset + length - 1}

	var spans []span
	for _, sp := range s.spans {
		if sp.end < c.start || sp.start > c.end {
			spans = append(spans, sp)
			continue
		}

		if sp.start < c.start {
			spans = append(spans, span{sp.start, c.start - 1})
		}
		if sp.end > c.end {
			spans = append(spans, span{c.end + 1, sp.end})
		}
	}
	s.spans = spans
}

// Reset clears all bits.
func (s *Sparse) Reset() {
	s.spans = nil
}

// IsSet checks a single bit.
func (s *Sparse) IsSet(offset uint64) bool {
	i := s.search(offset)
	return i < len(s.spans) && s.spans[i].start <= offset
}

// Empty is true if no bit is set.
func (s *Sparse) Empty() bool {
	return len(s.spans) == 0
}

// First returns the lowest set bit. The ok flag is false for an empty bitmap.
func (s *Sparse) First() (offset uint64, ok bool) {
	if s.Empty() {
		return 0, false
	}
	return s.spans[0].start, true
}

// Last returns the highest set bit. The ok flag is false for an empty bitmap.
func (s *Sparse) Last() (offset uint64, ok bool) {
	if s.Empty() {
		return 0, false
	}
	return s.spans[len(s.spans)-1].end, true
}

// Size is the highest set bit plus one, or zero for an empty bitmap.
func (s *Sparse) Size() uint64 {
	if last, ok := s.Last(); ok {
		return last + 1
	}
	return 0
}

// NumContiguous is the amount of set bits contiguously starting at bit 0.
func (s *Sparse) NumContiguous() uint64 {
	if s.Empty() || s.spans[0].start != 0 {
		return 0
	}
	return s.spans[0].end + 1
}

// NumSet is the total amount of set bits.
func (s *Sparse) NumSet() (n uint64) {
	for _, sp := range s.spans {
		n += sp.end - sp.start + 1
	}
	return
}

// FirstUnsetFrom returns the lowest unset bit at or above offset. For a bitmap
// with all bits in [0, N) set, FirstUnsetFrom(0) is N.
func (s *Sparse) FirstUnsetFrom(offset uint64) uint64 {
	i := s.search(offset)
	if i < len(s.spans) && s.spans[i].start <= offset {
		return s.spans[i].end + 1
	}
	return offset
}

// FirstSetFrom returns the lowest set bit at or above offset. The ok flag is
// false if no such bit exists.
func (s *Sparse) FirstSetFrom(offset uint64) (uint64, bool) {
	i := s.search(offset)
	if i == len(s.spans) {
		return 0, false
	}
	if s.spans[i].start > offset {
		return s.spans[i].start, true
	}
	return offset, true
}
