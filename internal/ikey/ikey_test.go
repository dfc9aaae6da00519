package ikey

import "testing"

func TestParseRoundTrip(t *testing.T) {
	enc := Make([]byte("hello"), 42, TypeValue)

	p, ok := Parse(enc)
	if !ok {
		t.Fatalf("parse failed")
	}
	if string(p.UserKey) != "hello" || p.Sequence != 42 || p.Type != TypeValue {
		t.Fatalf("bad parse: %+v", p)
	}
}

func TestParseRejectsShortKey(t *testing.T) {
	if _, ok := Parse([]byte("short")); ok {
		t.Fatalf("expected parse failure on short key")
	}
}

func TestCompareOrdersByUserKeyThenSequenceDescending(t *testing.T) {
	a := Make([]byte("a"), 5, TypeValue)
	b := Make([]byte("b"), 1, TypeValue)
	if !Less(a, b) {
		t.Fatalf("expected a < b by user key")
	}

	newer := Make([]byte("k"), 10, TypeValue)
	older := Make([]byte("k"), 3, TypeValue)
	if !Less(newer, older) {
		t.Fatalf("expected larger sequence to sort first")
	}
}

func TestCompareEqualKeys(t *testing.T) {
	x := Make([]byte("k"), 7, TypeValue)
	y := Make([]byte("k"), 7, TypeValue)
	if Compare(x, y) != 0 {
		t.Fatalf("expected equal")
	}
}

func TestEmptyUserKeyAndValue(t *testing.T) {
	enc := Make(nil, 1, TypeDeletion)
	p, ok := Parse(enc)
	if !ok {
		t.Fatalf("parse failed")
	}
	if len(p.UserKey) != 0 || p.Type != TypeDeletion {
		t.Fatalf("bad parse of empty key: %+v", p)
	}
}
