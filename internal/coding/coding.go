// Package coding provides the endian-neutral integer framing used by every
// on-disk structure in the storage engine: unsigned LEB128 varints and
// fixed-width little-endian integers.
package coding

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when a varint decode runs past the supplied
// limit before finding a terminating byte.
var ErrTruncated = errors.New("coding: truncated varint")

// MaxVarint64Len is the longest a 64-bit varint can encode to.
const MaxVarint64Len = 10

// PutUvarint32 appends the varint encoding of v to dst and returns the
// extended slice.
func PutUvarint32(dst []byte, v uint32) []byte {
	return PutUvarint64(dst, uint64(v))
}

// PutUvarint64 appends the varint encoding of v to dst and returns the
// extended slice.
func PutUvarint64(dst []byte, v uint64) []byte {
	var buf [MaxVarint64Len]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// VarintLength returns the number of bytes PutUvarint64 would emit for v.
func VarintLength(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// GetUvarint32 decodes a 32-bit varint from the front of src, returning the
// value, the number of bytes consumed, and ErrTruncated if src does not
// contain a complete encoding.
func GetUvarint32(src []byte) (uint32, int, error) {
	v, n, err := GetUvarint64(src)
	if err != nil {
		return 0, 0, err
	}
	return uint32(v), n, nil
}

// GetUvarint64 decodes a varint from the front of src.
func GetUvarint64(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	if n <= 0 {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

// PutFixed32 appends a little-endian uint32.
func PutFixed32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

// PutFixed64 appends a little-endian uint64.
func PutFixed64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}

// GetFixed32 decodes a little-endian uint32 from the front of src.
func GetFixed32(src []byte) (uint32, error) {
	if len(src) < 4 {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint32(src), nil
}

// GetFixed64 decodes a little-endian uint64 from the front of src.
func GetFixed64(src []byte) (uint64, error) {
	if len(src) < 8 {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint64(src), nil
}
