package version

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecoverCreatesFreshManifestWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	s, err := Recover(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, CurrentFileName)); err != nil {
		t.Fatalf("expected CURRENT to be created: %v", err)
	}
	if len(s.Current().Files(0)) != 0 {
		t.Fatal("expected an empty fresh version")
	}
}

func TestLogAndApplyPersistsAcrossRecover(t *testing.T) {
	dir := t.TempDir()
	s, err := Recover(dir)
	if err != nil {
		t.Fatal(err)
	}

	e := NewEdit()
	e.AddFile(0, mkFile(1, "a", "z", 5))
	e.SetLastSequence(5)
	e.SetLogNumber(2)
	if _, err := s.LogAndApply(e); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover after LogAndApply: %v", err)
	}
	defer s2.Close()

	files := s2.Current().Files(0)
	if len(files) != 1 || files[0].Number != 1 {
		t.Fatalf("expected recovered version to contain file 1, got %v", files)
	}
	if s2.LastSequence() != 5 {
		t.Fatalf("got last sequence %d, want 5", s2.LastSequence())
	}
	if s2.LogNumber() != 2 {
		t.Fatalf("got log number %d, want 2", s2.LogNumber())
	}
}

func TestAllocFileNumberIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	s, err := Recover(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	a := s.AllocFileNumber()
	b := s.AllocFileNumber()
	if b <= a {
		t.Fatalf("expected strictly increasing file numbers, got %d then %d", a, b)
	}
}
