package sstable

import (
	"errors"

	"github.com/flashlog/shardkv/internal/coding"
)

// magic is the fixed 64-bit constant at the tail of every sstable, used to
// sanity-check that a file is actually one of ours before trusting its
// footer.
const magic uint64 = 0x7a6c736b76736674 // "zlskvsft" read big-endian; stored little-endian, so the file ends in "tfsvkslz"

// EncodedLength is the fixed size of a footer: two padded block handles
// plus the 8-byte magic.
const EncodedLength = 2*MaxEncodedLength + 8

var errBadMagic = errors.New("sstable: not a valid table file (bad magic)")
var errBadFooter = errors.New("sstable: corrupt footer")

type footer struct {
	metaIndexHandle BlockHandle
	indexHandle     BlockHandle
}

// encodeTo renders the footer to its fixed 48-byte wire form: the two
// handles written as varints (self-delimiting, so no fixed offsets are
// needed for them), zero-padded up to the handle region's reserved size,
// followed by the magic.
func (f footer) encodeTo() []byte {
	buf := make([]byte, 0, EncodedLength)
	buf = f.metaIndexHandle.EncodeTo(buf)
	buf = f.indexHandle.EncodeTo(buf)
	for len(buf) < 2*MaxEncodedLength {
		buf = append(buf, 0)
	}
	buf = coding.PutFixed64(buf, magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != EncodedLength {
		return footer{}, errBadFooter
	}
	gotMagic, err := coding.GetFixed64(buf[EncodedLength-8:])
	if err != nil || gotMagic != magic {
		return footer{}, errBadMagic
	}

	rest := buf[:2*MaxEncodedLength]
	mih, n1, err := DecodeBlockHandle(rest)
	if err != nil {
		return footer{}, errBadFooter
	}
	ih, _, err := DecodeBlockHandle(rest[n1:])
	if err != nil {
		return footer{}, errBadFooter
	}
	return footer{metaIndexHandle: mih, indexHandle: ih}, nil
}
