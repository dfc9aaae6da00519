// Package sstable implements the on-disk sstable format: a sequence of
// prefix-compressed data blocks, an optional Bloom-style filter block, a
// meta-index block, an index block, and a fixed 48-byte footer.
//
//	+----------------------------------------------------------+
//	| data block 0                                              |
//	| data block 1                                              |
//	| ...                                                        |
//	| data block N           (each followed by type+crc32c)      |
//	+----------------------------------------------------------+
//	| filter block (optional)                                    |
//	+----------------------------------------------------------+
//	| meta-index block   "filter.<policy>" -> filter block handle|
//	+----------------------------------------------------------+
//	| index block         last_key_of_block -> data block handle|
//	+----------------------------------------------------------+
//	| footer (48 bytes): meta_index_handle | index_handle | magic|
//	+----------------------------------------------------------+
package sstable

import (
	"errors"
	"fmt"
	"io"

	"github.com/flashlog/shardkv/internal/block"
	"github.com/flashlog/shardkv/internal/coding"
	"github.com/flashlog/shardkv/internal/crc32c"
	"github.com/flashlog/shardkv/internal/ikey"
	"github.com/klauspost/compress/zstd"
)

// DefaultBlockSize is the target uncompressed size of a data block before
// it is flushed.
const DefaultBlockSize = 4 * 1024

// blockTrailerType tags how a block's bytes are stored: uncompressed, or
// zstd-compressed (data blocks only, when Options.Compression is set).
type blockTrailerType byte

const (
	noCompression     blockTrailerType = 0
	zstdCompression   blockTrailerType = 1
	blockTrailerBytes                  = 1 + 4 // type + crc32c
)

// Options configures a Writer.
type Options struct {
	BlockSize       int
	RestartInterval int
	ExpectedKeys    int
	FilterFalseRate float64
	DisableFilter   bool

	// Compression enables zstd compression of data blocks. It is off by
	// default: the spec never requires it, but a real LSM table format
	// almost always offers one, so it is wired in rather than left out.
	Compression bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.RestartInterval <= 0 {
		o.RestartInterval = block.DefaultRestartInterval
	}
	return o
}

var errKeysOutOfOrder = errors.New("sstable: keys must be added in strictly increasing order")

// Writer builds a single sstable file. Callers must Add keys in strictly
// increasing order (internal-key order) and call Finish exactly once.
type Writer struct {
	w       io.Writer
	opts    Options
	offset  int64
	dataBlk *block.Builder
	filter  *filterWriter

	indexEntries   [][2][]byte // (separator, encoded handle)
	pendingHandle  *BlockHandle
	lastKeyInBlock []byte

	smallest, largest []byte
	numEntries        int
	finished          bool

	zstdEnc *zstd.Encoder
}

// NewWriter constructs a Writer that streams a table to w.
func NewWriter(w io.Writer, opts Options) *Writer {
	opts = opts.withDefaults()
	sw := &Writer{
		w:       w,
		opts:    opts,
		dataBlk: block.NewBuilder(opts.RestartInterval),
	}
	if !opts.DisableFilter {
		sw.filter = newFilterWriter(opts.ExpectedKeys, opts.FilterFalseRate)
	}
	if opts.Compression {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err == nil {
			sw.zstdEnc = enc
		}
	}
	return sw
}

// Add appends one (internalKey, value) entry. internalKey must be strictly
// greater than the key of the previous Add call.
func (w *Writer) Add(internalKey, value []byte) error {
	if w.finished {
		return errors.New("sstable: Add called after Finish")
	}
	if w.pendingHandle != nil {
		w.resolvePendingIndexEntry(internalKey)
	}
	if w.smallest == nil {
		w.smallest = append([]byte(nil), internalKey...)
	}
	w.largest = append(w.largest[:0], internalKey...)

	if err := w.dataBlk.Add(internalKey, value); err != nil {
		return fmt.Errorf("%w: %v", errKeysOutOfOrder, err)
	}
	w.lastKeyInBlock = append(w.lastKeyInBlock[:0], internalKey...)
	if w.filter != nil {
		// The filter wraps user keys, not internal keys: a bloom test keyed
		// on the full (user_key, sequence, type) tuple would never let a
		// lookup for an older sequence number reuse a filter entry written
		// at insert time.
		w.filter.add(ikey.UserKey(internalKey))
	}
	w.numEntries++

	if w.dataBlk.CurrentSizeEstimate() >= w.opts.BlockSize {
		if err := w.flushDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

// flushDataBlock writes the current data block to disk and records its
// index entry against the *next* key added (or, at Finish time, against a
// short successor of the block's own last key).
func (w *Writer) flushDataBlock() error {
	if w.dataBlk.Empty() {
		return nil
	}
	handle, err := w.writeRawBlock(w.dataBlk.Finish(), true)
	if err != nil {
		return err
	}
	w.dataBlk.Reset()
	h := handle
	w.pendingHandle = &h
	return nil
}

// resolvePendingIndexEntry is called with the first key of the block that
// follows the just-flushed one (or nil at Finish, meaning there is no next
// block). It picks the shortest separator in [lastKeyInPendingBlock, nextKey)
// and records the index entry.
func (w *Writer) resolvePendingIndexEntry(nextKey []byte) {
	if w.pendingHandle == nil {
		return
	}
	sep := findShortestSeparator(append([]byte(nil), w.lastKeyInBlock...), nextKey)
	encHandle := w.pendingHandle.EncodeTo(nil)
	w.indexEntries = append(w.indexEntries, [2][]byte{sep, encHandle})
	w.pendingHandle = nil
}

// writeRawBlock writes a finished block's bytes plus its (type, crc32c)
// trailer at the writer's current offset, returning a handle to it.
// compressible controls whether zstd (if enabled on the writer) is applied;
// index/meta-index/footer-adjacent blocks are small and left uncompressed.
func (w *Writer) writeRawBlock(contents []byte, compressible bool) (BlockHandle, error) {
	kind := noCompression
	if compressible && w.zstdEnc != nil {
		contents = w.zstdEnc.EncodeAll(contents, nil)
		kind = zstdCompression
	}

	handle := BlockHandle{Offset: uint64(w.offset), Size: uint64(len(contents))}

	typeByte := []byte{byte(kind)}
	crc := crc32c.Mask(crc32c.Extend(crc32c.Value(contents), typeByte))
	trailer := typeByte
	trailer = coding.PutFixed32(trailer, crc)

	if _, err := w.w.Write(contents); err != nil {
		return BlockHandle{}, err
	}
	if _, err := w.w.Write(trailer); err != nil {
		return BlockHandle{}, err
	}
	w.offset += int64(len(contents)) + int64(len(trailer))
	return handle, nil
}

// Size reports the number of bytes physically written to the underlying
// writer so far (buffered, not-yet-flushed block contents are not
// counted). Callers that bound output file size, such as a compactor
// deciding when to roll to a new output table, poll this between Add
// calls.
func (w *Writer) Size() int64 { return w.offset }

// Finish flushes any buffered data, writes the filter, meta-index, and
// index blocks, and appends the footer. It returns the table's key range
// and total size.
func (w *Writer) Finish() (smallest, largest []byte, fileSize int64, err error) {
	if w.finished {
		return nil, nil, 0, errors.New("sstable: Finish called twice")
	}
	w.finished = true

	if !w.dataBlk.Empty() {
		if err := w.flushDataBlock(); err != nil {
			return nil, nil, 0, err
		}
	}
	// No next block follows the final one: the separator is a short
	// successor of the last key actually written.
	w.resolvePendingIndexEntry(nil)

	var filterHandle BlockHandle
	haveFilter := false
	if w.filter != nil {
		raw, err := w.filter.finish()
		if err != nil {
			return nil, nil, 0, err
		}
		filterHandle, err = w.writeRawBlock(raw, false)
		if err != nil {
			return nil, nil, 0, err
		}
		haveFilter = true
	}

	metaIndexBuilder := block.NewBuilder(block.DefaultRestartInterval)
	if haveFilter {
		_ = metaIndexBuilder.Add([]byte(FilterPolicyName), filterHandle.EncodeTo(nil))
	}
	metaIndexHandle, err := w.writeRawBlock(metaIndexBuilder.Finish(), false)
	if err != nil {
		return nil, nil, 0, err
	}

	indexBuilder := block.NewBuilder(block.DefaultRestartInterval)
	for _, e := range w.indexEntries {
		if err := indexBuilder.Add(e[0], e[1]); err != nil {
			return nil, nil, 0, fmt.Errorf("sstable: building index block: %w", err)
		}
	}
	indexHandle, err := w.writeRawBlock(indexBuilder.Finish(), false)
	if err != nil {
		return nil, nil, 0, err
	}

	ft := footer{metaIndexHandle: metaIndexHandle, indexHandle: indexHandle}
	if _, err := w.w.Write(ft.encodeTo()); err != nil {
		return nil, nil, 0, err
	}
	w.offset += EncodedLength

	return w.smallest, w.largest, w.offset, nil
}

// findShortestSeparator returns the shortest byte string that is >= start
// and, if limit is non-nil, < limit. It mirrors the classic LSM
// comparator trick of incrementing the last differing byte of the shared
// prefix so index separators stay short, falling back to start itself when
// no such shortening is possible.
func findShortestSeparator(start, limit []byte) []byte {
	if limit == nil {
		return successor(start)
	}
	minLen := len(start)
	if len(limit) < minLen {
		minLen = len(limit)
	}
	i := 0
	for i < minLen && start[i] == limit[i] {
		i++
	}
	if i >= minLen {
		return append([]byte(nil), start...)
	}
	if start[i] < 0xff && start[i]+1 < limit[i] {
		sep := append([]byte(nil), start[:i+1]...)
		sep[i]++
		return sep
	}
	return append([]byte(nil), start...)
}

// successor returns the shortest string strictly greater than or equal to
// s that can serve as a separator when there is no following key (used for
// the last block in the file).
func successor(s []byte) []byte {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0xff {
			out := append([]byte(nil), s[:i+1]...)
			out[i]++
			return out
		}
	}
	return append([]byte(nil), s...)
}
