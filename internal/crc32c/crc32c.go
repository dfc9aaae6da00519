// Package crc32c computes the CRC32C (Castagnoli) checksum used to verify
// commit-log records and sstable blocks, applying the mask every stored CRC
// in this engine uses so that a checksum of data which itself contains a
// checksum does not self-interfere.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value returns the unmasked CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Extend returns the unmasked CRC32C of data appended to a checksum so far,
// i.e. it lets a checksum be computed incrementally over several slices.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, table, data)
}

// Mask transforms a raw CRC so it can be stored. A masked CRC is not the
// CRC of anything in particular; it is purely a wire format.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask reverses Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
