package version

import (
	"errors"
	"fmt"

	"github.com/flashlog/shardkv/internal/coding"
)

// MaxLevels bounds the number of levels a version can have. Level 0 holds
// freshly flushed, possibly-overlapping tables; levels 1..MaxLevels-1 hold
// non-overlapping, progressively larger tiers.
const MaxLevels = 7

// FileMetaData describes one sstable within a version: its key range,
// file number, and size, per spec.md §3 "Version".
type FileMetaData struct {
	Number   uint64
	Size     int64
	Smallest []byte
	Largest  []byte
}

// addedFile pairs a FileMetaData with the level it was added to.
type addedFile struct {
	Level int
	File  FileMetaData
}

// deletedFile identifies a file to remove from a level by number alone;
// its metadata is already known to whatever version it is being removed
// from.
type deletedFile struct {
	Level  int
	Number uint64
}

// Edit is the delta between two versions (spec.md §4.9): files added and
// removed per level, plus the bookkeeping fields that must move forward
// atomically with the file set.
type Edit struct {
	Added              []addedFile
	Deleted            []deletedFile
	HasLogNumber       bool
	LogNumber          uint64
	HasNextFileNumber  bool
	NextFileNumber     uint64
	HasLastSequence    bool
	LastSequence       uint64
	CompactPointers    map[int][]byte
}

// NewEdit returns an empty edit ready to be populated and logged.
func NewEdit() *Edit {
	return &Edit{CompactPointers: make(map[int][]byte)}
}

// AddFile records that level now contains file f.
func (e *Edit) AddFile(level int, f FileMetaData) {
	e.Added = append(e.Added, addedFile{Level: level, File: f})
}

// DeleteFile records that fileNumber is removed from level.
func (e *Edit) DeleteFile(level int, fileNumber uint64) {
	e.Deleted = append(e.Deleted, deletedFile{Level: level, Number: fileNumber})
}

// SetLogNumber records the commit-log segment number covering writes not
// yet represented by a flushed sstable.
func (e *Edit) SetLogNumber(n uint64) {
	e.HasLogNumber = true
	e.LogNumber = n
}

// SetNextFileNumber records the next file number to allocate (V2: file
// numbers are strictly monotonic).
func (e *Edit) SetNextFileNumber(n uint64) {
	e.HasNextFileNumber = true
	e.NextFileNumber = n
}

// SetLastSequence records the highest sequence number reflected by this
// edit (V3: last_sequence in a version >= every sequence inside it).
func (e *Edit) SetLastSequence(n uint64) {
	e.HasLastSequence = true
	e.LastSequence = n
}

// SetCompactPointer records where the next compaction at level should
// resume from.
func (e *Edit) SetCompactPointer(level int, key []byte) {
	e.CompactPointers[level] = append([]byte(nil), key...)
}

// Tag bytes identify each field within an encoded edit record. Values are
// arbitrary but must never change once persisted.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
)

func putLenPrefixed(dst []byte, b []byte) []byte {
	dst = coding.PutUvarint64(dst, uint64(len(b)))
	return append(dst, b...)
}

func getLenPrefixed(src []byte) ([]byte, []byte, error) {
	n, k, err := coding.GetUvarint64(src)
	if err != nil {
		return nil, nil, err
	}
	src = src[k:]
	if uint64(len(src)) < n {
		return nil, nil, errors.New("version: truncated length-prefixed field")
	}
	return src[:n], src[n:], nil
}

// Encode renders the edit to its MANIFEST payload (the record framed by
// internal/walog is the MANIFEST record; this is that record's body).
func (e *Edit) Encode() []byte {
	var buf []byte
	if e.HasLogNumber {
		buf = coding.PutUvarint64(buf, tagLogNumber)
		buf = coding.PutUvarint64(buf, e.LogNumber)
	}
	if e.HasNextFileNumber {
		buf = coding.PutUvarint64(buf, tagNextFileNumber)
		buf = coding.PutUvarint64(buf, e.NextFileNumber)
	}
	if e.HasLastSequence {
		buf = coding.PutUvarint64(buf, tagLastSequence)
		buf = coding.PutUvarint64(buf, e.LastSequence)
	}
	for level, key := range e.CompactPointers {
		buf = coding.PutUvarint64(buf, tagCompactPointer)
		buf = coding.PutUvarint64(buf, uint64(level))
		buf = putLenPrefixed(buf, key)
	}
	for _, d := range e.Deleted {
		buf = coding.PutUvarint64(buf, tagDeletedFile)
		buf = coding.PutUvarint64(buf, uint64(d.Level))
		buf = coding.PutUvarint64(buf, d.Number)
	}
	for _, a := range e.Added {
		buf = coding.PutUvarint64(buf, tagNewFile)
		buf = coding.PutUvarint64(buf, uint64(a.Level))
		buf = coding.PutUvarint64(buf, a.File.Number)
		buf = coding.PutUvarint64(buf, uint64(a.File.Size))
		buf = putLenPrefixed(buf, a.File.Smallest)
		buf = putLenPrefixed(buf, a.File.Largest)
	}
	return buf
}

// DecodeEdit parses an Encode-d MANIFEST record body.
func DecodeEdit(data []byte) (*Edit, error) {
	e := NewEdit()
	for len(data) > 0 {
		tag, n, err := coding.GetUvarint64(data)
		if err != nil {
			return nil, fmt.Errorf("version: edit tag: %w", err)
		}
		data = data[n:]
		switch tag {
		case tagLogNumber:
			v, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			e.SetLogNumber(v)
		case tagNextFileNumber:
			v, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			e.SetNextFileNumber(v)
		case tagLastSequence:
			v, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			e.SetLastSequence(v)
		case tagCompactPointer:
			level, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			key, rest, err := getLenPrefixed(data)
			if err != nil {
				return nil, err
			}
			data = rest
			e.SetCompactPointer(int(level), key)
		case tagDeletedFile:
			level, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			num, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			e.DeleteFile(int(level), num)
		case tagNewFile:
			level, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			num, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			size, n, err := coding.GetUvarint64(data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			smallest, rest, err := getLenPrefixed(data)
			if err != nil {
				return nil, err
			}
			data = rest
			largest, rest, err := getLenPrefixed(data)
			if err != nil {
				return nil, err
			}
			data = rest
			e.AddFile(int(level), FileMetaData{
				Number:   num,
				Size:     int64(size),
				Smallest: append([]byte(nil), smallest...),
				Largest:  append([]byte(nil), largest...),
			})
		default:
			return nil, fmt.Errorf("version: unknown edit tag %d", tag)
		}
	}
	return e, nil
}
