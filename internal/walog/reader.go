package walog

import (
	"bufio"
	"io"

	"github.com/flashlog/shardkv/internal/coding"
	"github.com/flashlog/shardkv/internal/crc32c"
)

// Reader replays a commit-log (or MANIFEST) file, reassembling FIRST/
// MIDDLE*/LAST fragments into logical records and verifying every frame's
// checksum. Per spec.md §4.7/§7: on a bad CRC or truncated tail the reader
// stops at that record; an orphan FIRST/MIDDLE at the very end of the file
// is not treated as corruption, since a writer may have died mid-record.
type Reader struct {
	r           *bufio.Reader
	blockOffset int
	buf         []byte // accumulates fragments of the record in progress
	lastErr     error
	truncated   bool // true if the stream ended on an incomplete trailing record
}

// NewReader constructs a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, BlockSize)}
}

// Err returns the first hard error encountered (I/O error other than EOF).
// A checksum mismatch or truncated tail is not reported here; Next simply
// stops returning records and Truncated reports why.
func (rd *Reader) Err() error { return rd.lastErr }

// Truncated reports whether replay stopped because of a checksum mismatch
// or a truncated physical frame, as opposed to a clean end of file.
func (rd *Reader) Truncated() bool { return rd.truncated }

// Next returns the next logical record, or ok=false when there are no more
// (either clean EOF or because a corrupt/truncated frame was encountered,
// distinguishable via Truncated).
func (rd *Reader) Next() (record []byte, ok bool) {
	rd.buf = rd.buf[:0]
	inFragment := false

	for {
		// Mirror appendRecord's own bookkeeping exactly: whenever less than
		// a header's worth of space remains in the current block, the
		// writer pads with that many raw zero bytes (never a zero header)
		// and starts the next record fresh at the following block boundary.
		// The reader must skip that same span *before* trying to parse a
		// header there, or the read will straddle the padding and the real
		// next header and desync for the rest of the file.
		if leftover := BlockSize - rd.blockOffset; leftover < HeaderSize {
			if leftover > 0 {
				if _, err := io.CopyN(io.Discard, rd.r, int64(leftover)); err != nil {
					rd.truncated = inFragment
					return nil, false
				}
			}
			rd.blockOffset = 0
		}

		var hdr [HeaderSize]byte
		n, err := io.ReadFull(rd.r, hdr[:])
		if n > 0 && n < HeaderSize {
			// Writer died mid-header.
			rd.truncated = inFragment
			return nil, false
		}
		if err == io.EOF {
			rd.truncated = inFragment
			return nil, false
		}
		if err != nil {
			rd.lastErr = err
			rd.truncated = inFragment
			return nil, false
		}
		rd.blockOffset += HeaderSize

		length := int(hdr[4]) | int(hdr[5])<<8
		typ := recordType(hdr[6])

		payload := make([]byte, length)
		got, err := io.ReadFull(rd.r, payload)
		if got < length {
			// Truncated physical record: a writer died mid-write.
			rd.truncated = true
			return nil, false
		}
		if err != nil {
			rd.lastErr = err
			rd.truncated = true
			return nil, false
		}
		rd.blockOffset += length

		storedCRC, _ := coding.GetFixed32(hdr[:4])
		gotCRC := crc32c.Mask(crc32c.Extend(crc32c.Value(payload), hdr[6:7]))
		if gotCRC != storedCRC {
			rd.truncated = true
			return nil, false
		}

		switch typ {
		case recordFull:
			if inFragment {
				rd.truncated = true
				return nil, false
			}
			return payload, true
		case recordFirst:
			if inFragment {
				rd.truncated = true
				return nil, false
			}
			rd.buf = append(rd.buf, payload...)
			inFragment = true
		case recordMiddle:
			if !inFragment {
				rd.truncated = true
				return nil, false
			}
			rd.buf = append(rd.buf, payload...)
		case recordLast:
			if !inFragment {
				rd.truncated = true
				return nil, false
			}
			rd.buf = append(rd.buf, payload...)
			out := append([]byte(nil), rd.buf...)
			return out, true
		default:
			// Type 0 is reserved and never written by appendRecord; any
			// other unrecognised type is corruption either way.
			rd.truncated = true
			return nil, false
		}
	}
}
