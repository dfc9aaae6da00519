package walog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashlog/shardkv/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.log")
	l, err := Open(path, 0, Options{
		BufferCapacity: 64 * 1024,
		NumBuffers:     4,
		TouchInterval:  time.Hour, // disable the periodic trigger for deterministic tests
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, path
}

func TestAppendThenSyncMakesRecordsDurable(t *testing.T) {
	l, path := openTestLog(t)
	defer l.Close()

	records := [][]byte{[]byte("m1"), []byte("m2"), []byte("m3")}
	for _, r := range records {
		if err := l.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rd := NewReader(f)
	for i, want := range records {
		got, ok := rd.Next()
		if !ok {
			t.Fatalf("record %d: expected ok, err=%v", i, rd.Err())
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d: got %q want %q", i, got, want)
		}
	}
}

func TestCloseFlushesPendingBuffer(t *testing.T) {
	l, path := openTestLog(t)
	if err := l.Append([]byte("final")); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rd := NewReader(f)
	got, ok := rd.Next()
	if !ok || !bytes.Equal(got, []byte("final")) {
		t.Fatalf("got %q ok=%v, want \"final\"", got, ok)
	}
}

func TestSyncObservesCommitLogFsyncMetric(t *testing.T) {
	met := metrics.NewUnregistered()
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "000001.log"), 0, Options{
		BufferCapacity: 64 * 1024,
		NumBuffers:     4,
		TouchInterval:  time.Hour,
		Metrics:        met,
		Shard:          "shard-000",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Append([]byte("m1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if got := testutil.CollectAndCount(met.CommitLogFsync); got == 0 {
		t.Fatal("expected CommitLogFsync to have observed at least one sample")
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, _ := openTestLog(t)
	_ = l.Close()
	if err := l.Append([]byte("x")); err != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestBufferRotationAcrossCapacity(t *testing.T) {
	l, path := openTestLog(t)
	payload := bytes.Repeat([]byte("z"), 1024)
	const n = 200 // comfortably bigger than one 64 KiB buffer
	for i := 0; i < n; i++ {
		if err := l.Append(payload); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rd := NewReader(f)
	count := 0
	for {
		got, ok := rd.Next()
		if !ok {
			break
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("record %d corrupted", count)
		}
		count++
	}
	if count != n {
		t.Fatalf("got %d records, want %d", count, n)
	}
	if rd.Truncated() {
		t.Fatalf("unexpected truncation: err=%v", rd.Err())
	}
}
