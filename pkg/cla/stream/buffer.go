// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stream

// streamBuffer is a byte buffer with a read position, start, and a write
// position, end. The bytes in between are "full", the bytes after end are the
// "tail" which can be filled without growing.
type streamBuffer struct {
	buf        []byte
	start, end int
}

func newStreamBuffer(size int) *streamBuffer {
	return &streamBuffer{buf: make([]byte, size)}
}

// Fullbytes is the amount of buffered bytes.
func (sb *streamBuffer) Fullbytes() int {
	return sb.end - sb.start
}

// Tailbytes is the free space after the buffered bytes.
func (sb *streamBuffer) Tailbytes() int {
	return len(sb.buf) - sb.end
}

// Start returns the buffered bytes.
func (sb *streamBuffer) Start() []byte {
	return sb.buf[sb.start:sb.end]
}

// End returns the tail to be written into, followed by Fill.
func (sb *streamBuffer) End() []byte {
	return sb.buf[sb.end:]
}

// Fill marks n tail bytes as buffered.
func (sb *streamBuffer) Fill(n int) {
	if n < 0 || n > sb.Tailbytes() {
		panic("streamBuffer: fill out of range")
	}
	sb.end += n
}

// Consume n buffered bytes.
func (sb *streamBuffer) Consume(n int) {
	if n < 0 || n > sb.Fullbytes() {
		panic("streamBuffer: consume out of range")
	}

	sb.start += n
	if sb.start == sb.end {
		sb.start, sb.end = 0, 0
	}
}

// Compact moves the buffered bytes to the buffer's front.
func (sb *streamBuffer) Compact() {
	if sb.start == 0 {
		return
	}

	n := copy(sb.buf, sb.buf[sb.start:sb.end])
	sb.start, sb.end = 0, n
}

// Reserve at least n tail bytes, compacting or growing the buffer.
func (sb *streamBuffer) Reserve(n int) {
	if sb.Tailbytes() >= n {
		return
	}

	sb.Compact()
	if sb.Tailbytes() >= n {
		return
	}

	grown := make([]byte, 2*len(sb.buf)+n)
	copy(grown, sb.buf[:sb.end])
	sb.buf = grown
}

// Append data, growing the buffer if necessary.
func (sb *streamBuffer) Append(data []byte) {
	sb.Reserve(len(data))
	sb.Fill(copy(sb.End(), data))
}

// TryAppend appends data without growing the buffer. False is returned if
// there is not enough space left.
func (sb *streamBuffer) TryAppend(data []byte) bool {
	if sb.Tailbytes() < len(data) {
		sb.Compact()
	}
	if sb.Tailbytes() < len(data) {
		return false
	}

	sb.Fill(copy(sb.End(), data))
	return true
}
