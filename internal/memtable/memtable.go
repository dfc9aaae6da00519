// Package memtable implements the in-memory, ordered buffer of recent
// mutations (C6): a skip list keyed by encoded internal key, with the
// dirty-bytes accounting that drives flush triggers and the seal/write-
// disabled lifecycle described in the storage engine's design.
//
// The skip list itself is grounded on the teacher's generic
// memtable/skip_list.go; here it is specialised to internal-key ordering
// (github.com/flashlog/shardkv/internal/ikey) instead of Go's built-in
// ordering constraint, since internal keys compare by a custom rule
// (descending sequence within equal user key) that a plain `cmp.Ordered`
// skip list cannot express.
package memtable

import (
	"errors"
	"iter"
	"math/rand"
	"sync"

	"github.com/flashlog/shardkv/internal/ikey"
)

// ErrWriteDisabled is returned by Apply once the memtable has been sealed.
var ErrWriteDisabled = errors.New("memtable: write disabled (sealed)")

const maxLevel = 32

// entryOverhead approximates the accounting overhead of one skip-list node
// on top of the raw key/value bytes, matching the informal dirty-size
// model of a logalloc-backed arena: a handful of pointers per level plus
// the node header.
const entryOverhead = 48

type node struct {
	key      []byte // encoded internal key
	value    []byte
	forward  []*node
}

func newNode(key, value []byte, levels int) *node {
	return &node{key: key, value: value, forward: make([]*node, levels+1)}
}

func randomLevel() int {
	level := 0
	for rand.Int31()&1 == 0 && level < maxLevel {
		level++
	}
	return level
}

// Memtable is an ordered map from encoded internal key to mutation value,
// implemented as a skip list. All methods are safe for concurrent use; the
// engine's single-threaded-per-shard model means contention is expected to
// be nil, but Get/iteration can run from a background flusher while the
// write path continues to Apply.
type Memtable struct {
	mu            sync.RWMutex
	head          *node
	levels        int
	size          int
	dirtyBytes    int64
	writeEnabled  bool
}

// New constructs an empty Memtable, ready to accept writes.
func New() *Memtable {
	return &Memtable{
		head:         newNode(nil, nil, 0),
		levels:       -1,
		writeEnabled: true,
	}
}

// Apply inserts or overwrites the mutation keyed by internalKey. It returns
// ErrWriteDisabled once the memtable has been sealed, per invariant I2/I3
// in the design: a sealed memtable never accepts further inserts.
func (m *Memtable) Apply(internalKey, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.writeEnabled {
		return ErrWriteDisabled
	}

	newLevel := randomLevel()
	if newLevel > m.levels {
		m.growHead(newLevel)
	}

	updates := make([]*node, m.levels+1)
	x := m.head
	for level := m.levels; level >= 0; level-- {
		for x.forward[level] != nil && ikey.Less(x.forward[level].key, internalKey) {
			x = x.forward[level]
		}
		updates[level] = x
	}

	// Internal keys are unique by construction (sequence numbers never
	// repeat), so an exact match here would only happen on a duplicate
	// Apply call; overwrite in place rather than growing the list.
	if x.forward[0] != nil && ikey.Compare(x.forward[0].key, internalKey) == 0 {
		old := x.forward[0]
		m.dirtyBytes += int64(len(value)) - int64(len(old.value))
		old.value = value
		return nil
	}

	n := newNode(internalKey, value, newLevel)
	for level := 0; level <= newLevel; level++ {
		n.forward[level] = updates[level].forward[level]
		updates[level].forward[level] = n
	}
	m.size++
	m.dirtyBytes += int64(len(internalKey)) + int64(len(value)) + entryOverhead
	return nil
}

func (m *Memtable) growHead(level int) {
	old := m.head.forward
	m.head = newNode(nil, nil, level)
	copy(m.head.forward, old)
	m.levels = level
}

// Get returns the newest entry whose user key matches userKey, i.e. the
// first internal key in sort order carrying that user key (internal keys
// sort newest-sequence-first within an equal user key). ok is false if no
// live entry (PUT or DELETE) exists for the key.
func (m *Memtable) Get(userKey []byte) (parsed ikey.Parsed, value []byte, ok bool) {
	seek := ikey.Make(userKey, ikey.MaxSequence, ikey.ValueTypeForSeek)

	m.mu.RLock()
	defer m.mu.RUnlock()

	x := m.head
	for level := m.levels; level >= 0; level-- {
		for x.forward[level] != nil && ikey.Less(x.forward[level].key, seek) {
			x = x.forward[level]
		}
	}
	cand := x.forward[0]
	if cand == nil {
		return ikey.Parsed{}, nil, false
	}
	p, okParse := ikey.Parse(cand.key)
	if !okParse || string(p.UserKey) != string(userKey) {
		return ikey.Parsed{}, nil, false
	}
	return p, cand.value, true
}

// DirtySize returns the accounted byte footprint of live entries, used by
// the engine to decide when to seal the memtable.
func (m *Memtable) DirtySize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirtyBytes
}

// Len returns the number of live entries.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Seal atomically marks the memtable read-only. After Seal returns, Apply
// always fails with ErrWriteDisabled; Get and All continue to work.
func (m *Memtable) Seal() {
	m.mu.Lock()
	m.writeEnabled = false
	m.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (m *Memtable) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.writeEnabled
}

// Entry is one (internal key, value) pair yielded by All, in ascending
// internal-key order.
type Entry struct {
	Key   []byte
	Value []byte
}

// All returns a restartable ascending iterator over every entry, used by
// the flusher to stream a sealed memtable into a new sstable (spec.md
// §4.6 "iterator()").
func (m *Memtable) All() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		m.mu.RLock()
		curr := m.head.forward[0]
		m.mu.RUnlock()
		for curr != nil {
			if !yield(Entry{Key: curr.key, Value: curr.value}) {
				return
			}
			// forward[0] is never mutated after insertion (Apply only
			// appends at the tail relative to iteration progress in a
			// sealed table), so reading it without the lock is safe for
			// a sealed memtable; All is only meaningful post-Seal.
			curr = curr.forward[0]
		}
	}
}

// clearBatch is how many nodes clearGently unlinks per yield, bounding
// stall time the way the design's "bounded batches (e.g. 32 per yield)"
// describes.
const clearBatch = 32

// ClearGently destroys entries in bounded batches, calling yield between
// batches so a caller can interleave other work (e.g. a scheduler tick).
// If yield ever returns false, ClearGently falls back to an immediate
// synchronous Clear of whatever remains.
func (m *Memtable) ClearGently(yield func() bool) {
	for {
		m.mu.Lock()
		n := m.head.forward[0]
		for i := 0; i < clearBatch && n != nil; i++ {
			next := n.forward[0]
			m.head.forward[0] = next
			if next == nil {
				for l := 1; l <= m.levels; l++ {
					m.head.forward[l] = nil
				}
			}
			m.size--
			n = next
		}
		done := m.head.forward[0] == nil
		m.mu.Unlock()

		if done {
			return
		}
		if yield != nil && !yield() {
			m.Clear()
			return
		}
	}
}

// Clear destroys every entry immediately.
func (m *Memtable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = newNode(nil, nil, 0)
	m.levels = -1
	m.size = 0
	m.dirtyBytes = 0
}
