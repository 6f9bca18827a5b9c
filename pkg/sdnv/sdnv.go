// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package sdnv implements Self-Delimiting Numeric Values as used by the stream
// convergence layer, RFC 6256.
//
// An SDNV stores seven bits of an unsigned integer per byte, most significant
// group first. The high bit of each byte signals that at least one more byte
// follows. Decoding is restartable: a buffer holding only a prefix of an
// encoding is reported as incomplete rather than as an error, which allows
// parsing from arbitrarily split stream reads.
package sdnv

import "errors"

// MaxLength is the longest encoding of an uint64.
const MaxLength = 10

// ErrOverflow is returned by DecodeChecked for encodings not fitting into an uint64.
var ErrOverflow = errors.New("sdnv: value overflows uint64")

// EncodingLen returns the amount of bytes required to encode the value.
func EncodingLen(value uint64) (n int) {
	n = 1
	for value >>= 7; value != 0; value >>= 7 {
		n++
	}
	return
}

// Encode the value into the buffer and return the amount of written bytes.
//
// If the buffer is too small, -1 will be returned and the buffer stays untouched.
func Encode(value uint64, buf []byte) int {
	n := EncodingLen(value)
	if len(buf) < n {
		return -1
	}

	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(value & 0x7f)
		if i != n-1 {
			buf[i] |= 0x80
		}
		value >>= 7
	}

	return n
}

// Append the encoded value to dst and return the extended slice.
func Append(dst []byte, value uint64) []byte {
	var tmp [MaxLength]byte
	n := Encode(value, tmp[:])
	return append(dst, tmp[:n]...)
}

// Decode an SDNV from the buffer's beginning. Both the value and the amount of
// consumed bytes are returned.
//
// A consumed length of -1 indicates that the buffer does not hold a complete
// encoding yet. Encodings exceeding 64 bits are reported the same way as being
// incomplete; use DecodeChecked to distinguish them.
func Decode(buf []byte) (value uint64, n int) {
	value, n, err := DecodeChecked(buf)
	if err != nil {
		return 0, -1
	}
	return
}

// DecodeChecked works like Decode, but reports an overflowing encoding as
// ErrOverflow. An incomplete encoding still results in n = -1 and a nil error.
func DecodeChecked(buf []byte) (value uint64, n int, err error) {
	for i, b := range buf {
		if i >= MaxLength || (i == MaxLength-1 && value>>57 != 0) {
			return 0, -1, ErrOverflow
		}

		value = value<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
	}

	return 0, -1, nil
}
