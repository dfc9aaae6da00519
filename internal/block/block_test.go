package block

import (
	"bytes"
	"testing"
)

func buildBlock(t *testing.T, restartInterval int, kvs [][2]string) []byte {
	t.Helper()
	b := NewBuilder(restartInterval)
	for _, kv := range kvs {
		if err := b.Add([]byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("Add(%q): %v", kv[0], err)
		}
	}
	return b.Finish()
}

func TestBuilderRejectsOutOfOrderKeys(t *testing.T) {
	b := NewBuilder(16)
	if err := b.Add([]byte("b"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := b.Add([]byte("a"), []byte("2")); err == nil {
		t.Fatalf("expected ErrOutOfOrder")
	}
}

func TestIteratorRoundTrip(t *testing.T) {
	kvs := [][2]string{
		{"banana", "1"}, {"bananas", "2"}, {"bandana", "3"}, {"bandanas", "4"}, {"orange", "5"},
	}
	data := buildBlock(t, 16, kvs)

	it, err := NewIterator(data)
	if err != nil {
		t.Fatal(err)
	}
	it.SeekToFirst()
	for i, kv := range kvs {
		if !it.Valid() {
			t.Fatalf("entry %d: iterator not valid", i)
		}
		if string(it.Key()) != kv[0] || string(it.Value()) != kv[1] {
			t.Fatalf("entry %d: got (%q,%q) want (%q,%q)", i, it.Key(), it.Value(), kv[0], kv[1])
		}
		it.Next()
	}
	if it.Valid() {
		t.Fatalf("expected EOF after last entry")
	}
}

func TestRestartPointsOnNewPrefix(t *testing.T) {
	// With a restart interval large enough to never force a restart except
	// at entry 0, the restart array must contain exactly one entry: offset 0.
	kvs := [][2]string{{"banana", "1"}, {"bananas", "2"}, {"bandana", "3"}}
	b := NewBuilder(1000)
	for _, kv := range kvs {
		_ = b.Add([]byte(kv[0]), []byte(kv[1]))
	}
	if len(b.restarts) != 1 || b.restarts[0] != 0 {
		t.Fatalf("expected single restart at 0, got %v", b.restarts)
	}
}

func TestRestartEveryKEntries(t *testing.T) {
	b := NewBuilder(2)
	for i := 0; i < 5; i++ {
		key := bytes.Repeat([]byte{byte('a' + i)}, 1)
		_ = b.Add(key, []byte{byte(i)})
	}
	// entries 0,2,4 are restarts -> 3 restart points
	if len(b.restarts) != 3 {
		t.Fatalf("expected 3 restarts, got %d: %v", len(b.restarts), b.restarts)
	}
}

func TestSeek(t *testing.T) {
	kvs := [][2]string{
		{"a", "1"}, {"b", "2"}, {"c", "3"}, {"d", "4"}, {"e", "5"}, {"f", "6"},
	}
	data := buildBlock(t, 2, kvs)
	it, err := NewIterator(data)
	if err != nil {
		t.Fatal(err)
	}

	it.Seek([]byte("c"))
	if !it.Valid() || string(it.Key()) != "c" {
		t.Fatalf("seek(c): got %q", it.Key())
	}

	it.Seek([]byte("c5"))
	if !it.Valid() || string(it.Key()) != "d" {
		t.Fatalf("seek(c5): got %q", it.Key())
	}

	it.Seek([]byte("z"))
	if it.Valid() {
		t.Fatalf("seek(z) should be past the end")
	}
}

func TestSeekToLast(t *testing.T) {
	kvs := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	data := buildBlock(t, 2, kvs)
	it, err := NewIterator(data)
	if err != nil {
		t.Fatal(err)
	}
	it.SeekToLast()
	if !it.Valid() || string(it.Key()) != "c" || string(it.Value()) != "3" {
		t.Fatalf("seekToLast: got (%q,%q)", it.Key(), it.Value())
	}
}

func TestEmptyKeyAndValue(t *testing.T) {
	b := NewBuilder(16)
	if err := b.Add([]byte(""), []byte("")); err != nil {
		t.Fatal(err)
	}
	if err := b.Add([]byte("a"), []byte("")); err != nil {
		t.Fatal(err)
	}
	data := b.Finish()
	it, err := NewIterator(data)
	if err != nil {
		t.Fatal(err)
	}
	it.SeekToFirst()
	if !it.Valid() || string(it.Key()) != "" || string(it.Value()) != "" {
		t.Fatalf("empty key/value round trip failed: %q %q", it.Key(), it.Value())
	}
}
