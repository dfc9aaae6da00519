package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/flashlog/shardkv/internal/coding"
	"github.com/flashlog/shardkv/internal/crc32c"
)

var errCorruptFilter = errors.New("sstable: corrupt filter block")

// FilterPolicyName is the well-known name under which the filter block is
// registered in the meta-index block, following the "filter.<policy>"
// convention from the design.
const FilterPolicyName = "filter.rocksdb.BuiltinBloomFilter"

// defaultFilterFalsePositiveRate is used when a writer doesn't override it.
const defaultFilterFalsePositiveRate = 0.01

// filterWriter accumulates keys into a Bloom filter sized for an expected
// key count, then serialises it as:
//
//	| num_hash_funcs u32 | bit_array_len_bits u32 | bit_array | crc32c_masked u32 |
type filterWriter struct {
	filter *bloom.BloomFilter
}

func newFilterWriter(expectedKeys int, falsePositiveRate float64) *filterWriter {
	if expectedKeys <= 0 {
		expectedKeys = 1024
	}
	if falsePositiveRate <= 0 {
		falsePositiveRate = defaultFilterFalsePositiveRate
	}
	return &filterWriter{filter: bloom.NewWithEstimates(uint(expectedKeys), falsePositiveRate)}
}

func (fw *filterWriter) add(key []byte) {
	fw.filter.Add(key)
}

func (fw *filterWriter) finish() ([]byte, error) {
	var body bytes.Buffer
	if _, err := fw.filter.WriteTo(&body); err != nil {
		return nil, fmt.Errorf("sstable: encode bloom filter: %w", err)
	}

	out := make([]byte, 0, body.Len()+12)
	out = coding.PutFixed32(out, uint32(fw.filter.K()))
	out = coding.PutFixed32(out, uint32(fw.filter.Cap()))
	out = append(out, body.Bytes()...)
	crc := crc32c.Mask(crc32c.Value(out))
	out = coding.PutFixed32(out, crc)
	return out, nil
}

// Filter is a read-side handle to a decoded Bloom filter block. It is kept
// on the sstable object rather than in the block cache, per the design
// ("not cached — kept on sstable object").
type Filter struct {
	filter *bloom.BloomFilter
}

func decodeFilter(raw []byte) (*Filter, error) {
	if len(raw) < 12 {
		return nil, errors.New("sstable: truncated filter block")
	}
	body := raw[:len(raw)-4]
	storedCRC, err := coding.GetFixed32(raw[len(raw)-4:])
	if err != nil {
		return nil, err
	}
	if crc32c.Mask(crc32c.Value(body)) != storedCRC {
		return nil, errCorruptFilter
	}

	f := bloom.New(1, 1) // placeholder, overwritten by ReadFrom
	if _, err := f.ReadFrom(bytes.NewReader(body[8:])); err != nil {
		return nil, fmt.Errorf("sstable: decode bloom filter: %w", err)
	}
	return &Filter{filter: f}, nil
}

// MayContain reports whether key could be present. A false result is a
// definite miss; a true result requires falling through to the index/data
// blocks.
func (f *Filter) MayContain(key []byte) bool {
	if f == nil || f.filter == nil {
		return true
	}
	return f.filter.Test(key)
}

var _ io.ReaderFrom = (*bloom.BloomFilter)(nil)
