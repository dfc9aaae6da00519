package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/flashlog/shardkv/internal/block"
	"github.com/flashlog/shardkv/internal/cache"
	"github.com/flashlog/shardkv/internal/coding"
	"github.com/flashlog/shardkv/internal/crc32c"
	"github.com/flashlog/shardkv/internal/ikey"
	"github.com/klauspost/compress/zstd"
)

// BlockCacheKey identifies one decoded data block within the block cache,
// shared across every open table.
type BlockCacheKey struct {
	FileNum uint64
	Offset  uint64
}

// BlockCache is the decoded-data-block cache shared by every Reader in a
// column family.
type BlockCache = cache.Cache[BlockCacheKey, []byte]

var errCorruptBlock = errors.New("sstable: block checksum mismatch")

// Reader serves point lookups and iteration against one immutable sstable
// file. Index and meta-index blocks are read once at Open time; the filter
// block (if any) is decoded and kept on the Reader, never placed in the
// block cache, per the design.
type Reader struct {
	ra      io.ReaderAt
	size    int64
	fileNum uint64

	indexBlock []byte
	filter     *Filter

	blockCache *BlockCache
	zstdDec    *zstd.Decoder

	smallest, largest []byte
}

// Open parses the footer, index block, meta-index block, and optional
// filter block of the table backed by ra (size bytes long). blockCache may
// be nil, in which case every data-block read goes straight to disk.
func Open(ra io.ReaderAt, size int64, fileNum uint64, blockCache *BlockCache) (*Reader, error) {
	if size < EncodedLength {
		return nil, errors.New("sstable: file too small to contain a footer")
	}

	footerBuf := make([]byte, EncodedLength)
	if _, err := ra.ReadAt(footerBuf, size-EncodedLength); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}

	dec, _ := zstd.NewReader(nil)

	r := &Reader{
		ra:         ra,
		size:       size,
		fileNum:    fileNum,
		blockCache: blockCache,
		zstdDec:    dec,
	}

	indexBlock, err := r.readRawBlock(ft.indexHandle)
	if err != nil {
		return nil, fmt.Errorf("sstable: read index block: %w", err)
	}
	r.indexBlock = indexBlock

	metaBlock, err := r.readRawBlock(ft.metaIndexHandle)
	if err != nil {
		return nil, fmt.Errorf("sstable: read meta-index block: %w", err)
	}
	if handle, ok, err := lookupMetaHandle(metaBlock, FilterPolicyName); err != nil {
		return nil, err
	} else if ok {
		filterRaw, err := r.readRawBlock(handle)
		if err != nil {
			return nil, fmt.Errorf("sstable: read filter block: %w", err)
		}
		f, err := decodeFilter(filterRaw)
		if err != nil {
			return nil, err
		}
		r.filter = f
	}

	if err := r.computeKeyRange(); err != nil {
		return nil, err
	}

	return r, nil
}

func lookupMetaHandle(metaBlock []byte, name string) (BlockHandle, bool, error) {
	it, err := block.NewIterator(metaBlock)
	if err != nil {
		return BlockHandle{}, false, err
	}
	it.Seek([]byte(name))
	if !it.Valid() || string(it.Key()) != name {
		return BlockHandle{}, false, nil
	}
	h, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return BlockHandle{}, false, err
	}
	return h, true, nil
}

func (r *Reader) computeKeyRange() error {
	it, err := block.NewIterator(r.indexBlock)
	if err != nil {
		return err
	}
	it.SeekToFirst()
	if !it.Valid() {
		return nil // empty table
	}
	h, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		return err
	}
	first, err := r.readDataBlock(h)
	if err != nil {
		return err
	}
	fit, err := block.NewIterator(first)
	if err != nil {
		return err
	}
	fit.SeekToFirst()
	if fit.Valid() {
		r.smallest = append([]byte(nil), fit.Key()...)
	}

	it.SeekToLast()
	h, _, err = DecodeBlockHandle(it.Value())
	if err != nil {
		return err
	}
	last, err := r.readDataBlock(h)
	if err != nil {
		return err
	}
	lit, err := block.NewIterator(last)
	if err != nil {
		return err
	}
	lit.SeekToLast()
	if lit.Valid() {
		r.largest = append([]byte(nil), lit.Key()...)
	}
	return nil
}

// Smallest and Largest return the table's internal-key range as observed
// during Open.
func (r *Reader) Smallest() []byte { return r.smallest }
func (r *Reader) Largest() []byte  { return r.largest }

// Close releases the underlying file handle, if ra is one. It is called
// by the table cache's eviction hook, never directly by a reader of
// Get/Iterator.
func (r *Reader) Close() error {
	if c, ok := r.ra.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// readRawBlock reads, checksums, and (if needed) decompresses the block at
// handle, bypassing the block cache. Used for index/meta-index/filter
// blocks, which are read once and kept resident on the Reader itself.
func (r *Reader) readRawBlock(handle BlockHandle) ([]byte, error) {
	buf := make([]byte, handle.Size+blockTrailerBytes)
	if _, err := r.ra.ReadAt(buf, int64(handle.Offset)); err != nil {
		return nil, err
	}
	contents := buf[:handle.Size]
	kind := blockTrailerType(buf[handle.Size])
	storedCRC, err := coding.GetFixed32(buf[handle.Size+1:])
	if err != nil {
		return nil, err
	}
	gotCRC := crc32c.Mask(crc32c.Extend(crc32c.Value(contents), buf[handle.Size:handle.Size+1]))
	if gotCRC != storedCRC {
		return nil, errCorruptBlock
	}
	return r.decompress(kind, contents)
}

func (r *Reader) decompress(kind blockTrailerType, contents []byte) ([]byte, error) {
	switch kind {
	case noCompression:
		return contents, nil
	case zstdCompression:
		if r.zstdDec == nil {
			return nil, errors.New("sstable: zstd-compressed block but no decoder available")
		}
		return r.zstdDec.DecodeAll(contents, nil)
	default:
		return nil, fmt.Errorf("sstable: unknown block compression type %d", kind)
	}
}

// readDataBlock reads a data block through the block cache, if configured.
func (r *Reader) readDataBlock(handle BlockHandle) ([]byte, error) {
	if r.blockCache == nil {
		return r.readRawBlock(handle)
	}
	key := BlockCacheKey{FileNum: r.fileNum, Offset: handle.Offset}
	return r.blockCache.FindOrInsertWithRetry(key, func() ([]byte, error) {
		return r.readRawBlock(handle)
	})
}

// Get looks up the newest entry whose user key matches target's user key
// and whose internal key is <= target (target is typically built with
// ikey.MaxSequence and ikey.ValueTypeForSeek to mean "newest version").
// It returns found=false without error on a definite miss.
func (r *Reader) Get(target []byte) (value []byte, foundKey []byte, found bool, err error) {
	userKey := ikey.UserKey(target)
	if r.filter != nil && !r.filter.MayContain(userKey) {
		return nil, nil, false, nil
	}

	idx, err := block.NewIterator(r.indexBlock)
	if err != nil {
		return nil, nil, false, err
	}
	idx.Seek(target)
	if !idx.Valid() {
		return nil, nil, false, nil
	}
	handle, _, err := DecodeBlockHandle(idx.Value())
	if err != nil {
		return nil, nil, false, err
	}

	data, err := r.readDataBlock(handle)
	if err != nil {
		return nil, nil, false, err
	}
	dit, err := block.NewIterator(data)
	if err != nil {
		return nil, nil, false, err
	}
	dit.Seek(target)
	if !dit.Valid() {
		return nil, nil, false, nil
	}
	if !bytes.Equal(ikey.UserKey(dit.Key()), userKey) {
		return nil, nil, false, nil
	}
	return append([]byte(nil), dit.Value()...), append([]byte(nil), dit.Key()...), true, nil
}

// Iterator returns a two-level iterator (outer over the index block, inner
// over the current data block) walking every entry in the table in
// internal-key order.
func (r *Reader) Iterator() (*Iterator, error) {
	idx, err := block.NewIterator(r.indexBlock)
	if err != nil {
		return nil, err
	}
	return &Iterator{r: r, index: idx}, nil
}

// Iterator is a two-level sstable iterator.
type Iterator struct {
	r     *Reader
	index *block.Iterator
	data  *block.Iterator
	err   error
}

func (it *Iterator) setDataBlock() {
	if !it.index.Valid() {
		it.data = nil
		return
	}
	handle, _, err := DecodeBlockHandle(it.index.Value())
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	raw, err := it.r.readDataBlock(handle)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	dit, err := block.NewIterator(raw)
	if err != nil {
		it.err = err
		it.data = nil
		return
	}
	it.data = dit
}

// SeekToFirst positions the iterator at the table's first entry.
func (it *Iterator) SeekToFirst() {
	it.index.SeekToFirst()
	it.setDataBlock()
	if it.data != nil {
		it.data.SeekToFirst()
	}
	it.skipEmptyBlocksForward()
}

// Seek positions the iterator at the first entry >= target.
func (it *Iterator) Seek(target []byte) {
	it.index.Seek(target)
	it.setDataBlock()
	if it.data != nil {
		it.data.Seek(target)
	}
	it.skipEmptyBlocksForward()
}

// Next advances to the next entry, crossing a block boundary if needed.
func (it *Iterator) Next() {
	if it.data == nil {
		return
	}
	it.data.Next()
	it.skipEmptyBlocksForward()
}

func (it *Iterator) skipEmptyBlocksForward() {
	for (it.data == nil || !it.data.Valid()) && it.err == nil {
		it.index.Next()
		if !it.index.Valid() {
			it.data = nil
			return
		}
		it.setDataBlock()
		if it.data != nil {
			it.data.SeekToFirst()
		}
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.err == nil && it.data != nil && it.data.Valid() }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }

// Key returns the current internal key.
func (it *Iterator) Key() []byte { return it.data.Key() }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.data.Value() }
