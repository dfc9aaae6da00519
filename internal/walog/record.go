// Package walog implements the commit log (C7): an append-only, CRC-framed,
// double-buffered write-ahead log providing group commit, and the MANIFEST
// record framing shared with internal/version. The on-disk record format
// matches spec.md §6 byte-for-byte:
//
//	| crc32c_masked(u32 le) | len_lo(u8) | len_hi(u8) | type(u8) | payload[len] |
//
// laid out inside fixed 32 KiB blocks; a record that does not fit in the
// block's remaining space is split into FIRST/MIDDLE*/LAST fragments, and a
// block whose remainder is shorter than the header is zero-padded.
package walog

import (
	"errors"

	"github.com/flashlog/shardkv/internal/coding"
	"github.com/flashlog/shardkv/internal/crc32c"
)

// BlockSize is the fixed size of the blocks commit-log (and MANIFEST)
// records are packed into.
const BlockSize = 32 * 1024

// HeaderSize is the fixed 7-byte frame header: masked crc32c, two length
// bytes, and a type byte.
const HeaderSize = 4 + 1 + 1 + 1

// recordType tags how a physical frame relates to the logical record it is
// part of. Zero is reserved so that zero-padding at the tail of a block is
// never mistaken for a record.
type recordType byte

const (
	recordFull   recordType = 1
	recordFirst  recordType = 2
	recordMiddle recordType = 3
	recordLast   recordType = 4
)

var (
	// ErrCorruptRecord names a stored checksum that does not match a frame's
	// contents. Reader does not return it: it stops and reports Truncated.
	ErrCorruptRecord = errors.New("walog: checksum mismatch")
	// ErrBadRecordType names a frame whose type byte is not one of the four
	// recognised fragment kinds; Reader likewise reports this via Truncated.
	ErrBadRecordType = errors.New("walog: unknown record type")
)

// putHeader writes the 7-byte frame header for a payload of the given type
// into dst[:7]. dst must have at least HeaderSize bytes.
func putHeader(dst []byte, payload []byte, typ recordType) {
	crc := crc32c.Mask(crc32c.Extend(crc32c.Value(payload), []byte{byte(typ)}))
	coding.PutFixed32(dst[:0], crc)
	dst[4] = byte(len(payload))
	dst[5] = byte(len(payload) >> 8)
	dst[6] = byte(typ)
}

// AppendRecord fragments payload into one or more physical frames using
// the same record format as the commit log, and appends them to dst. It
// is exported so internal/version can frame MANIFEST records with the
// spec.md §4.9 "same record-framed format as the commit log" without a
// second implementation of block/CRC framing.
func AppendRecord(dst []byte, blockOffset int, payload []byte) ([]byte, int) {
	return appendRecord(dst, blockOffset, payload)
}

// appendRecord fragments payload into one or more physical frames and
// appends them to dst, respecting the current blockOffset (bytes already
// written into the current BlockSize block). It returns the extended
// buffer and the new blockOffset.
//
// This is the pure, allocation-visible core of the writer: the caller
// (Log) is responsible for deciding which in-flight buffer this goes into
// and for the group-commit/fsync policy around it.
func appendRecord(dst []byte, blockOffset int, payload []byte) ([]byte, int) {
	first := true
	for {
		leftover := BlockSize - blockOffset
		if leftover < HeaderSize {
			if leftover > 0 {
				dst = append(dst, make([]byte, leftover)...)
			}
			blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - HeaderSize
		n := len(payload)
		fragment := n <= avail
		if !fragment {
			n = avail
		}

		var typ recordType
		switch {
		case first && fragment:
			typ = recordFull
		case first && !fragment:
			typ = recordFirst
		case !first && fragment:
			typ = recordLast
		default:
			typ = recordMiddle
		}

		var hdr [HeaderSize]byte
		putHeader(hdr[:], payload[:n], typ)
		dst = append(dst, hdr[:]...)
		dst = append(dst, payload[:n]...)
		blockOffset += HeaderSize + n

		payload = payload[n:]
		first = false
		if len(payload) == 0 {
			return dst, blockOffset
		}
	}
}

// recordLen returns the number of bytes appendRecord would add to a stream
// currently positioned at blockOffset, including any block padding. It is
// used by the writer to size-check whether a payload fits in the current
// flush buffer before committing to writing it.
func recordLen(blockOffset int, payloadLen int) int {
	n := 0
	for {
		leftover := BlockSize - blockOffset
		if leftover < HeaderSize {
			n += leftover
			blockOffset = 0
			leftover = BlockSize
		}
		avail := leftover - HeaderSize
		take := payloadLen
		if take > avail {
			take = avail
		}
		n += HeaderSize + take
		blockOffset += HeaderSize + take
		payloadLen -= take
		if payloadLen <= 0 {
			return n
		}
	}
}
