package resp

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeSimpleCommand(t *testing.T) {
	buf := []byte("*3\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n")
	req, n, ok, err := Decode(buf)
	if err != nil || !ok {
		t.Fatalf("Decode: ok=%v err=%v", ok, err)
	}
	if n != len(buf) {
		t.Fatalf("consumed = %d, want %d", n, len(buf))
	}
	if req.Command != "set" {
		t.Fatalf("Command = %q, want lower-cased %q", req.Command, "set")
	}
	if len(req.Args) != 2 || !bytes.Equal(req.Args[0], []byte("foo")) || !bytes.Equal(req.Args[1], []byte("bar")) {
		t.Fatalf("Args = %q", req.Args)
	}
}

func TestDecodeIncompleteNeedsMoreData(t *testing.T) {
	buf := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfo")
	_, _, ok, err := Decode(buf)
	if err != nil {
		t.Fatalf("unexpected error on incomplete frame: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an incomplete frame")
	}
}

func TestDecodeStreamOfTwoRequests(t *testing.T) {
	buf := []byte("*1\r\n$4\r\nPING\r\n*1\r\n$4\r\nPING\r\n")
	req1, n1, ok, err := Decode(buf)
	if err != nil || !ok {
		t.Fatalf("first Decode: ok=%v err=%v", ok, err)
	}
	req2, n2, ok, err := Decode(buf[n1:])
	if err != nil || !ok {
		t.Fatalf("second Decode: ok=%v err=%v", ok, err)
	}
	if req1.Command != "ping" || req2.Command != "ping" {
		t.Fatalf("commands = %q, %q", req1.Command, req2.Command)
	}
	if n1+n2 != len(buf) {
		t.Fatalf("n1+n2 = %d, want %d", n1+n2, len(buf))
	}
}

func TestDecodeMissingStarIsProtocolError(t *testing.T) {
	_, _, ok, err := Decode([]byte("$3\r\nfoo\r\n"))
	if ok || !errors.Is(err, ErrProtocol) {
		t.Fatalf("ok=%v err=%v, want protocol error", ok, err)
	}
}

func TestDecodeNonNumericCountIsProtocolError(t *testing.T) {
	_, _, ok, err := Decode([]byte("*x\r\n"))
	if ok || !errors.Is(err, ErrProtocol) {
		t.Fatalf("ok=%v err=%v, want protocol error", ok, err)
	}
}

func TestDecodeBulkTooLargeIsProtocolError(t *testing.T) {
	buf := []byte("*1\r\n$100000\r\n")
	_, _, ok, err := Decode(buf)
	if ok || !errors.Is(err, ErrProtocol) {
		t.Fatalf("ok=%v err=%v, want protocol error for oversized bulk", ok, err)
	}
}

func TestDecodeBufferGrowsPastLimitWhileIncomplete(t *testing.T) {
	// A well-formed but never-completed frame: the array header declares
	// far more arguments than ever arrive, so the decoder keeps asking for
	// more bytes until the buffer itself exceeds the limit.
	arg := []byte("$1\r\na\r\n")
	buf := append([]byte("*100000\r\n"), bytes.Repeat(arg, MaxBufferedSize/len(arg)+1)...)
	_, _, ok, err := Decode(buf)
	if ok || !errors.Is(err, ErrProtocol) {
		t.Fatalf("ok=%v err=%v, want protocol error once buffer exceeds the limit", ok, err)
	}
}

func TestDecodeMissingDollarIsProtocolError(t *testing.T) {
	_, _, ok, err := Decode([]byte("*1\r\n:3\r\nfoo\r\n"))
	if ok || !errors.Is(err, ErrProtocol) {
		t.Fatalf("ok=%v err=%v, want protocol error", ok, err)
	}
}
