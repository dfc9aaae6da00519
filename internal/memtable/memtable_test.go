package memtable

import (
	"testing"

	"github.com/flashlog/shardkv/internal/ikey"
)

func TestApplyAndGetNewestWins(t *testing.T) {
	m := New()
	k1 := ikey.Make([]byte("k"), 1, ikey.TypeValue)
	k2 := ikey.Make([]byte("k"), 2, ikey.TypeValue)

	if err := m.Apply(k1, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := m.Apply(k2, []byte("v2")); err != nil {
		t.Fatal(err)
	}

	p, v, ok := m.Get([]byte("k"))
	if !ok {
		t.Fatal("expected hit")
	}
	if string(v) != "v2" || p.Sequence != 2 {
		t.Fatalf("got value=%q seq=%d, want v2/2", v, p.Sequence)
	}
}

func TestGetHonoursTombstone(t *testing.T) {
	m := New()
	put := ikey.Make([]byte("k"), 1, ikey.TypeValue)
	del := ikey.Make([]byte("k"), 2, ikey.TypeDeletion)
	_ = m.Apply(put, []byte("v1"))
	_ = m.Apply(del, nil)

	p, _, ok := m.Get([]byte("k"))
	if !ok {
		t.Fatal("expected a hit on the tombstone entry itself")
	}
	if p.Type != ikey.TypeDeletion {
		t.Fatalf("expected newest entry to be the tombstone, got %v", p.Type)
	}
}

func TestGetMissingKey(t *testing.T) {
	m := New()
	_ = m.Apply(ikey.Make([]byte("a"), 1, ikey.TypeValue), []byte("1"))
	if _, _, ok := m.Get([]byte("zzz")); ok {
		t.Fatal("expected miss")
	}
}

func TestSealRejectsFurtherWrites(t *testing.T) {
	m := New()
	m.Seal()
	err := m.Apply(ikey.Make([]byte("a"), 1, ikey.TypeValue), []byte("1"))
	if err != ErrWriteDisabled {
		t.Fatalf("got %v, want ErrWriteDisabled", err)
	}
}

func TestDirtySizeTracksInsertsAndOverwrites(t *testing.T) {
	m := New()
	k := ikey.Make([]byte("k"), 1, ikey.TypeValue)
	_ = m.Apply(k, []byte("short"))
	s1 := m.DirtySize()
	if s1 <= 0 {
		t.Fatalf("expected positive dirty size, got %d", s1)
	}

	k2 := ikey.Make([]byte("k"), 1, ikey.TypeValue)
	_ = m.Apply(k2, []byte("a much longer value than before"))
	s2 := m.DirtySize()
	if s2 <= s1 {
		t.Fatalf("expected dirty size to grow on overwrite with a bigger value, got %d -> %d", s1, s2)
	}
}

func TestAllIteratesInInternalKeyOrder(t *testing.T) {
	m := New()
	_ = m.Apply(ikey.Make([]byte("b"), 1, ikey.TypeValue), []byte("2"))
	_ = m.Apply(ikey.Make([]byte("a"), 1, ikey.TypeValue), []byte("1"))
	_ = m.Apply(ikey.Make([]byte("c"), 1, ikey.TypeValue), []byte("3"))
	m.Seal()

	var got []string
	for e := range m.All() {
		p, _ := ikey.Parse(e.Key)
		got = append(got, string(p.UserKey))
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestClearGentlyEmptiesTable(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		_ = m.Apply(ikey.Make([]byte{byte(i)}, uint64(i+1), ikey.TypeValue), []byte("v"))
	}
	m.Seal()
	m.ClearGently(func() bool { return true })
	if m.Len() != 0 {
		t.Fatalf("expected empty table after ClearGently, got len=%d", m.Len())
	}
}

func TestClearGentlyFallsBackOnInterrupt(t *testing.T) {
	m := New()
	for i := 0; i < 100; i++ {
		_ = m.Apply(ikey.Make([]byte{byte(i)}, uint64(i+1), ikey.TypeValue), []byte("v"))
	}
	m.Seal()
	calls := 0
	m.ClearGently(func() bool {
		calls++
		return false
	})
	if m.Len() != 0 {
		t.Fatalf("expected empty table after interrupted ClearGently, got len=%d", m.Len())
	}
	if calls != 1 {
		t.Fatalf("expected exactly one yield before falling back, got %d", calls)
	}
}
