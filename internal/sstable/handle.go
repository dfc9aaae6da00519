package sstable

import "github.com/flashlog/shardkv/internal/coding"

// BlockHandle is a pointer to a block inside an sstable file: an offset and
// a size, each varint-encoded, never more than 20 bytes together.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

// MaxEncodedLength is the longest a BlockHandle can encode to (two 10-byte
// varints).
const MaxEncodedLength = 2 * coding.MaxVarint64Len

// EncodeTo appends the handle's varint encoding to dst.
func (h BlockHandle) EncodeTo(dst []byte) []byte {
	dst = coding.PutUvarint64(dst, h.Offset)
	dst = coding.PutUvarint64(dst, h.Size)
	return dst
}

// DecodeBlockHandle reads a BlockHandle from the front of src, returning the
// handle and the number of bytes consumed.
func DecodeBlockHandle(src []byte) (BlockHandle, int, error) {
	off, n1, err := coding.GetUvarint64(src)
	if err != nil {
		return BlockHandle{}, 0, err
	}
	size, n2, err := coding.GetUvarint64(src[n1:])
	if err != nil {
		return BlockHandle{}, 0, err
	}
	return BlockHandle{Offset: off, Size: size}, n1 + n2, nil
}
