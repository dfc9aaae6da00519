// Package ikey implements the internal-key encoding shared by the memtable
// and every sstable: (user_key, sequence, value_type) packed so user-key
// bytes sort ascending and, for equal user keys, the larger sequence number
// sorts first.
package ikey

import (
	"bytes"
	"fmt"

	"github.com/flashlog/shardkv/internal/coding"
)

// ValueType tags the kind of mutation an internal key represents. The
// numeric values are embedded in on-disk data and must never change.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone: the key is considered absent.
	TypeDeletion ValueType = 0
	// TypeValue marks a live PUT.
	TypeValue ValueType = 1
)

func (t ValueType) String() string {
	switch t {
	case TypeDeletion:
		return "DELETE"
	case TypeValue:
		return "PUT"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// MaxSequence is the largest representable sequence number: the tag leaves
// eight low bits for the value type, so only 56 bits remain.
const MaxSequence uint64 = (1 << 56) - 1

// ValueTypeForSeek is the value type to use when constructing a lookup key
// for a given sequence number. Sequence numbers sort descending within an
// equal user key, so a seek target must carry the highest-numbered type to
// sort before every real entry at that sequence.
const ValueTypeForSeek = TypeValue

// packTag combines a sequence number and value type into the 64-bit trailer.
func packTag(seq uint64, t ValueType) uint64 {
	return (seq << 8) | uint64(t)
}

// Append encodes (userKey, seq, t) and appends it to dst, returning the
// extended slice. This is the on-disk/in-memtable representation of an
// internal key: user key bytes followed by an 8-byte little-endian tag.
func Append(dst, userKey []byte, seq uint64, t ValueType) []byte {
	dst = append(dst, userKey...)
	dst = coding.PutFixed64(dst, packTag(seq, t))
	return dst
}

// Make is a convenience wrapper around Append that allocates fresh storage.
func Make(userKey []byte, seq uint64, t ValueType) []byte {
	return Append(make([]byte, 0, len(userKey)+8), userKey, seq, t)
}

// Parsed is the decoded form of an internal key.
type Parsed struct {
	UserKey  []byte
	Sequence uint64
	Type     ValueType
}

// Parse splits an encoded internal key into its user key, sequence number,
// and value type. It reports false if the key is shorter than the 8-byte
// trailer or carries an unrecognised value type.
func Parse(key []byte) (Parsed, bool) {
	n := len(key)
	if n < 8 {
		return Parsed{}, false
	}
	tag, err := coding.GetFixed64(key[n-8:])
	if err != nil {
		return Parsed{}, false
	}
	t := ValueType(tag & 0xff)
	if t != TypeDeletion && t != TypeValue {
		return Parsed{}, false
	}
	return Parsed{
		UserKey:  key[:n-8],
		Sequence: tag >> 8,
		Type:     t,
	}, true
}

// UserKey extracts just the user-key prefix of an encoded internal key.
func UserKey(key []byte) []byte {
	n := len(key)
	if n < 8 {
		return key
	}
	return key[:n-8]
}

// Compare orders two encoded internal keys: ascending by user key, then
// descending by sequence number (so newer versions of the same user key
// sort first), then descending by value type to break sequence-number ties
// (used only when constructing synthetic seek keys).
func Compare(a, b []byte) int {
	au, bu := UserKey(a), UserKey(b)
	if c := bytes.Compare(au, bu); c != 0 {
		return c
	}
	an, bn := len(a), len(b)
	if an < 8 || bn < 8 {
		// Degenerate input outside the invariant; fall back to byte order.
		return bytes.Compare(a, b)
	}
	atag, _ := coding.GetFixed64(a[an-8:])
	btag, _ := coding.GetFixed64(b[bn-8:])
	switch {
	case atag > btag:
		return -1
	case atag < btag:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b under Compare.
func Less(a, b []byte) bool {
	return Compare(a, b) < 0
}
