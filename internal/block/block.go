// Package block implements the prefix-compressed key/value block that is
// the I/O unit inside an sstable: a builder that accepts a strictly
// increasing sequence of (key, value) pairs, and an iterator that binary
// searches the block's restart array before scanning.
package block

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/flashlog/shardkv/internal/coding"
)

// DefaultRestartInterval is the number of entries between restart points,
// i.e. how often a key is stored in full rather than as a shared-prefix
// delta.
const DefaultRestartInterval = 16

// ErrOutOfOrder is raised by Builder.Add when a key does not strictly
// follow the previous one.
var ErrOutOfOrder = errors.New("block: key not strictly greater than previous key")

// Builder accumulates entries into a single block's byte representation.
type Builder struct {
	restartInterval int
	buf             bytes.Buffer
	restarts        []uint32
	counter         int
	lastKey         []byte
	finished        bool
}

// NewBuilder constructs a Builder that emits a restart point every
// restartInterval entries. A value of 0 selects DefaultRestartInterval.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	b := &Builder{restartInterval: restartInterval}
	b.reset()
	return b
}

func (b *Builder) reset() {
	b.buf.Reset()
	b.restarts = b.restarts[:0]
	b.restarts = append(b.restarts, 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Empty reports whether no entries have been added since constructed or
// last Reset.
func (b *Builder) Empty() bool { return b.buf.Len() == 0 }

// Reset clears the builder's contents so it can be reused for the next
// block.
func (b *Builder) Reset() { b.reset() }

// Add appends (key, value) to the block being built. key must compare
// strictly greater than the key of the previous Add call.
func (b *Builder) Add(key, value []byte) error {
	if b.finished {
		return errors.New("block: Add called after Finish")
	}
	if b.counter > 0 && bytes.Compare(key, b.lastKey) <= 0 {
		return fmt.Errorf("%w: %q <= %q", ErrOutOfOrder, key, b.lastKey)
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.counter = 0
	}
	unshared := len(key) - shared

	var hdr [3 * coding.MaxVarint64Len]byte
	n := 0
	n += putUvarintInto(hdr[n:], uint64(shared))
	n += putUvarintInto(hdr[n:], uint64(unshared))
	n += putUvarintInto(hdr[n:], uint64(len(value)))
	b.buf.Write(hdr[:n])
	b.buf.Write(key[shared:])
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
	return nil
}

func putUvarintInto(dst []byte, v uint64) int {
	out := coding.PutUvarint64(dst[:0], v)
	return len(out)
}

func sharedPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// CurrentSizeEstimate returns the approximate size of the block built so
// far, including the not-yet-written restart trailer.
func (b *Builder) CurrentSizeEstimate() int {
	return b.buf.Len() + 4*len(b.restarts) + 4
}

// Finish appends the restart-point trailer and returns the complete block
// contents. The returned slice is only valid until the next Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf.Write(coding.PutFixed32(nil, r))
	}
	b.buf.Write(coding.PutFixed32(nil, uint32(len(b.restarts))))
	b.finished = true
	return b.buf.Bytes()
}

// Iterator scans a finished block, supporting seek-to-first/last/key and
// forward iteration, using the restart array for binary search.
type Iterator struct {
	data         []byte
	restartsOff  uint32
	numRestarts  uint32
	current      uint32 // offset of current entry in data
	restartIndex uint32
	key          []byte
	value        []byte
	valid        bool
	err          error
}

// NewIterator parses a finished block's bytes (as returned by Builder.Finish
// or read off disk) into an Iterator.
func NewIterator(data []byte) (*Iterator, error) {
	if len(data) < 4 {
		return nil, errors.New("block: truncated trailer")
	}
	numRestarts, err := coding.GetFixed32(data[len(data)-4:])
	if err != nil {
		return nil, err
	}
	restartsOff := uint32(len(data)) - 4 - 4*numRestarts
	if int(restartsOff) < 0 || restartsOff > uint32(len(data)) {
		return nil, errors.New("block: corrupt restart trailer")
	}
	return &Iterator{
		data:        data,
		restartsOff: restartsOff,
		numRestarts: numRestarts,
	}, nil
}

func (it *Iterator) restart(i uint32) uint32 {
	off := it.restartsOff + 4*i
	v, _ := coding.GetFixed32(it.data[off:])
	return v
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Err returns the first error encountered while decoding, if any.
func (it *Iterator) Err() error { return it.err }

// Key returns the key at the current position.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the value at the current position.
func (it *Iterator) Value() []byte { return it.value }

// parseEntryAt decodes one entry starting at offset, given the key active
// before it (for prefix expansion), and returns the offset just past it.
func (it *Iterator) parseEntryAt(offset uint32, prevKey []byte) (nextOffset uint32, ok bool) {
	if offset >= it.restartsOff {
		it.valid = false
		return 0, false
	}
	p := it.data[offset:it.restartsOff]
	shared, n1, err := coding.GetUvarint64(p)
	if err != nil {
		it.err = err
		return 0, false
	}
	p = p[n1:]
	unshared, n2, err := coding.GetUvarint64(p)
	if err != nil {
		it.err = err
		return 0, false
	}
	p = p[n2:]
	valLen, n3, err := coding.GetUvarint64(p)
	if err != nil {
		it.err = err
		return 0, false
	}
	p = p[n3:]

	keyTailStart := offset + uint32(n1+n2+n3)
	keyTail := it.data[keyTailStart : keyTailStart+uint32(unshared)]

	newKey := make([]byte, 0, int(shared)+len(keyTail))
	if shared > 0 {
		newKey = append(newKey, prevKey[:shared]...)
	}
	newKey = append(newKey, keyTail...)

	valStart := keyTailStart + uint32(unshared)
	value := it.data[valStart : valStart+uint32(valLen)]

	it.key = newKey
	it.value = value
	it.valid = true
	return valStart + uint32(valLen), true
}

// SeekToFirst positions the iterator at the block's first entry.
func (it *Iterator) SeekToFirst() {
	it.current = 0
	it.restartIndex = 0
	it.key = nil
	next, ok := it.parseEntryAt(0, nil)
	if ok {
		it.current = next
	}
}

// SeekToLast positions the iterator at the block's last entry.
func (it *Iterator) SeekToLast() {
	if it.numRestarts == 0 {
		it.valid = false
		return
	}
	it.seekToRestartPoint(it.numRestarts - 1)
	for it.valid && it.current < it.restartsOff {
		it.Next()
	}
}

func (it *Iterator) seekToRestartPoint(index uint32) {
	it.restartIndex = index
	it.key = nil
	offset := uint32(0)
	if index > 0 {
		offset = it.restart(index)
	}
	next, ok := it.parseEntryAt(offset, nil)
	if !ok {
		it.valid = false
		return
	}
	it.current = next
}

// Seek positions the iterator at the first entry whose key is >= target,
// using binary search over the restart array followed by a linear scan.
func (it *Iterator) Seek(target []byte) {
	left, right := uint32(0), it.numRestarts
	if right == 0 {
		it.valid = false
		return
	}
	right--
	for left < right {
		mid := (left + right + 1) / 2
		off := it.restart(mid)
		next, ok := it.parseEntryAt(off, nil)
		if !ok {
			right = mid - 1
			continue
		}
		_ = next
		if bytes.Compare(it.key, target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	it.seekToRestartPoint(left)
	for it.valid {
		if bytes.Compare(it.key, target) >= 0 {
			return
		}
		it.Next()
	}
}

// Next advances the iterator by one entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	prevKey := it.key
	if it.current >= it.restartsOff {
		it.valid = false
		return
	}
	// restartIndex is not advanced here; only the seek helpers set it.
	next, ok := it.parseEntryAt(it.current, prevKey)
	if !ok {
		it.valid = false
		return
	}
	it.current = next
}
