package engine

import (
	"errors"
	"time"

	"github.com/flashlog/shardkv/internal/coding"
	"github.com/flashlog/shardkv/internal/ikey"
)

// Mutation is one write accepted by the engine: a user key, a value
// (absent for DELETE), and an optional expiry. ExpireAt is the TTL
// modifier supplemented from original_source (SPEC_FULL.md §4): zero
// means no expiry, otherwise a key reads as NOT_FOUND once time.Now() is
// past it, checked lazily on read rather than by a background sweeper.
type Mutation struct {
	Key      []byte
	Value    []byte
	Type     ikey.ValueType
	ExpireAt time.Time
}

// encodeMutation renders a mutation to the commit-log payload format: the
// sequence number, a flags byte (deletion + has-expiry bits), an optional
// expiry timestamp, then the length-prefixed key and value.
//
//	| seq u64 | flags u8 | [expire_unix_nano u64] | key_len varint | key | val_len varint | val |
func encodeMutation(seq uint64, m Mutation) []byte {
	const (
		flagDelete = 1 << 0
		flagExpiry = 1 << 1
	)
	var flags byte
	if m.Type == ikey.TypeDeletion {
		flags |= flagDelete
	}
	hasExpiry := !m.ExpireAt.IsZero()
	if hasExpiry {
		flags |= flagExpiry
	}

	buf := coding.PutFixed64(nil, seq)
	buf = append(buf, flags)
	if hasExpiry {
		buf = coding.PutFixed64(buf, uint64(m.ExpireAt.UnixNano()))
	}
	buf = coding.PutUvarint64(buf, uint64(len(m.Key)))
	buf = append(buf, m.Key...)
	buf = coding.PutUvarint64(buf, uint64(len(m.Value)))
	buf = append(buf, m.Value...)
	return buf
}

// decodedMutation is the parsed form of encodeMutation's payload, as
// replayed from the commit log.
type decodedMutation struct {
	Seq      uint64
	Type     ikey.ValueType
	ExpireAt time.Time
	Key      []byte
	Value    []byte
}

var errTruncatedMutation = errors.New("engine: truncated commit-log mutation record")

func decodeMutation(buf []byte) (decodedMutation, error) {
	const flagDelete = 1 << 0
	const flagExpiry = 1 << 1

	if len(buf) < 9 {
		return decodedMutation{}, errTruncatedMutation
	}
	seq, err := coding.GetFixed64(buf)
	if err != nil {
		return decodedMutation{}, err
	}
	flags := buf[8]
	buf = buf[9:]

	var expireAt time.Time
	if flags&flagExpiry != 0 {
		if len(buf) < 8 {
			return decodedMutation{}, errTruncatedMutation
		}
		nanos, err := coding.GetFixed64(buf)
		if err != nil {
			return decodedMutation{}, err
		}
		buf = buf[8:]
		expireAt = time.Unix(0, int64(nanos))
	}

	klen, n, err := coding.GetUvarint64(buf)
	if err != nil {
		return decodedMutation{}, err
	}
	buf = buf[n:]
	if uint64(len(buf)) < klen {
		return decodedMutation{}, errTruncatedMutation
	}
	key := buf[:klen]
	buf = buf[klen:]

	vlen, n, err := coding.GetUvarint64(buf)
	if err != nil {
		return decodedMutation{}, err
	}
	buf = buf[n:]
	if uint64(len(buf)) < vlen {
		return decodedMutation{}, errTruncatedMutation
	}
	value := buf[:vlen]

	typ := ikey.TypeValue
	if flags&flagDelete != 0 {
		typ = ikey.TypeDeletion
	}
	return decodedMutation{Seq: seq, Type: typ, ExpireAt: expireAt, Key: key, Value: value}, nil
}

// encodeValueEnvelope is how a live (non-tombstone) value's expiry is encoded
// inside the memtable/sstable value bytes themselves, so the on-disk
// sstable format never needs to know about TTL:
//
//	| has_expiry u8 | [expire_unix_nano u64] | value |
func encodeValueEnvelope(expireAt time.Time, value []byte) []byte {
	if expireAt.IsZero() {
		return append([]byte{0}, value...)
	}
	buf := append([]byte{1}, coding.PutFixed64(nil, uint64(expireAt.UnixNano()))...)
	return append(buf, value...)
}

func decodeValueEnvelope(buf []byte) (expireAt time.Time, value []byte, err error) {
	if len(buf) < 1 {
		return time.Time{}, nil, errTruncatedMutation
	}
	hasExpiry := buf[0] != 0
	buf = buf[1:]
	if hasExpiry {
		if len(buf) < 8 {
			return time.Time{}, nil, errTruncatedMutation
		}
		nanos, err := coding.GetFixed64(buf)
		if err != nil {
			return time.Time{}, nil, err
		}
		return time.Unix(0, int64(nanos)), buf[8:], nil
	}
	return time.Time{}, buf, nil
}
