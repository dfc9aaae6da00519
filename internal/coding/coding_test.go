package coding

import "testing"

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40, ^uint64(0)}

	var buf []byte
	for _, v := range values {
		buf = PutUvarint64(buf, v)
	}

	for _, want := range values {
		got, n, err := GetUvarint64(buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != want {
			t.Fatalf("got %d want %d", got, want)
		}
		if n != VarintLength(want) {
			t.Fatalf("length mismatch for %d: got %d want %d", want, n, VarintLength(want))
		}
		buf = buf[n:]
	}
}

func TestGetUvarintTruncated(t *testing.T) {
	if _, _, err := GetUvarint64(nil); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}

	// A continuation byte with nothing following is truncated.
	if _, _, err := GetUvarint64([]byte{0x80}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestFixedRoundTrip(t *testing.T) {
	buf := PutFixed32(nil, 0xdeadbeef)
	buf = PutFixed64(buf, 0x0102030405060708)

	v32, err := GetFixed32(buf)
	if err != nil || v32 != 0xdeadbeef {
		t.Fatalf("got %x, %v", v32, err)
	}

	v64, err := GetFixed64(buf[4:])
	if err != nil || v64 != 0x0102030405060708 {
		t.Fatalf("got %x, %v", v64, err)
	}
}

func TestFixedTruncated(t *testing.T) {
	if _, err := GetFixed32([]byte{1, 2}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, err := GetFixed64([]byte{1, 2, 3}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
