package version

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flashlog/shardkv/internal/walog"
)

// state is the version-publication state machine from spec.md §4.8:
// STABLE -> EDITING -> LOGGING -> SWAPPING -> STABLE. Only one editor may
// be in EDITING or LOGGING at a time; readers always observe a fully
// published version.
type state int

const (
	stateStable state = iota
	stateEditing
	stateLogging
	stateSwapping
)

// Set is the column family's version history: a doubly-linked list of
// Versions with one "current" pointer, backed by a MANIFEST file and the
// CURRENT pointer file.
type Set struct {
	dbDir   string
	mu      sync.Mutex
	applyMu sync.Mutex // serialises the EDITING/LOGGING/SWAPPING sequence
	st      state
	current *Version

	manifestFileNum uint64
	manifestFile    *os.File
	manifestWriter  *manifestRecordWriter

	nextFileNumber uint64
	lastSequence   uint64
	logNumber      uint64
}

// manifestRecordWriter frames MANIFEST edits using the same record format
// as the commit log (spec.md §4.9 "same record-framed format as the
// commit log"), but synchronously and without group commit: MANIFEST
// writes are rare (one per flush/compaction) and must be fsynced before
// CURRENT is rewritten, so the extra machinery buys nothing here.
type manifestRecordWriter struct {
	f           *os.File
	blockOffset int
}

func (w *manifestRecordWriter) Append(payload []byte) error {
	buf, off := walog.AppendRecord(nil, w.blockOffset, payload)
	w.blockOffset = off
	_, err := w.f.Write(buf)
	return err
}

func (w *manifestRecordWriter) Sync() error { return w.f.Sync() }

// Recover opens dbDir, creating a fresh empty version history if CURRENT
// does not exist, or replaying the MANIFEST it names otherwise.
func Recover(dbDir string) (*Set, error) {
	s := &Set{dbDir: dbDir, current: NewVersion(), nextFileNumber: 1}

	currentPath := filepath.Join(dbDir, CurrentFileName)
	data, err := os.ReadFile(currentPath)
	if os.IsNotExist(err) {
		if err := s.createNewManifest(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	manifestName := trimNewline(data)
	f, err := os.Open(filepath.Join(dbDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("version: open %s: %w", manifestName, err)
	}
	defer f.Close()

	rd := walog.NewReader(f)
	ver := NewVersion()
	for {
		rec, ok := rd.Next()
		if !ok {
			break
		}
		edit, err := DecodeEdit(rec)
		if err != nil {
			return nil, fmt.Errorf("version: decode manifest record: %w", err)
		}
		ver = Apply(ver, edit)
		if edit.HasNextFileNumber {
			s.nextFileNumber = edit.NextFileNumber
		}
		if edit.HasLastSequence {
			s.lastSequence = edit.LastSequence
		}
		if edit.HasLogNumber {
			s.logNumber = edit.LogNumber
		}
	}
	s.current = ver

	if typ, num, ok := ParseFileName(manifestName); ok && typ == FileTypeManifest {
		s.manifestFileNum = num
	}
	mf, err := os.OpenFile(filepath.Join(dbDir, manifestName), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	fi, err := mf.Stat()
	if err != nil {
		mf.Close()
		return nil, err
	}
	s.manifestFile = mf
	// Appends continue the existing file, so framing resumes at the file's
	// position within its current block rather than at a block start.
	s.manifestWriter = &manifestRecordWriter{f: mf, blockOffset: int(fi.Size() % walog.BlockSize)}

	return s, nil
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// createNewManifest starts a brand new MANIFEST-000001 describing an
// empty version, and atomically publishes CURRENT to point at it.
func (s *Set) createNewManifest() error {
	s.manifestFileNum = s.allocFileNumberLocked()
	path := ManifestFileName(s.dbDir, s.manifestFileNum)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.manifestFile = f
	s.manifestWriter = &manifestRecordWriter{f: f}

	init := NewEdit()
	init.SetNextFileNumber(s.nextFileNumber)
	init.SetLastSequence(s.lastSequence)
	if err := s.manifestWriter.Append(init.Encode()); err != nil {
		return err
	}
	if err := s.manifestWriter.Sync(); err != nil {
		return err
	}
	return s.publishCurrent(filepath.Base(path))
}

// publishCurrent writes CURRENT via the write-tmp-then-rename pattern,
// only after the MANIFEST it names has been fsynced (spec.md §4.9).
func (s *Set) publishCurrent(manifestName string) error {
	tmp := filepath.Join(s.dbDir, CurrentFileName+".dbtmp")
	if err := os.WriteFile(tmp, []byte(manifestName+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dbDir, CurrentFileName))
}

// AllocFileNumber returns the next file number and advances the counter
// (V2: file numbers are strictly monotonic).
func (s *Set) AllocFileNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocFileNumberLocked()
}

func (s *Set) allocFileNumberLocked() uint64 {
	n := s.nextFileNumber
	s.nextFileNumber++
	return n
}

// Current returns the live version with an extra reference held on behalf
// of the caller; the caller must Unref it when done.
func (s *Set) Current() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Ref()
	return s.current
}

// LastSequence returns the highest sequence number reflected in the
// current version.
func (s *Set) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSequence
}

// LogNumber returns the commit-log segment number the current version
// depends on.
func (s *Set) LogNumber() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logNumber
}

// LogAndApply runs the STABLE -> EDITING -> LOGGING -> SWAPPING -> STABLE
// state machine: it computes the new version from edit, appends edit to
// the MANIFEST, fsyncs, and only then swaps the current pointer. Only one
// LogAndApply may be mid-flight at a time.
func (s *Set) LogAndApply(edit *Edit) (*Version, error) {
	// Only one editor may be in EDITING/LOGGING at a time; the engine's
	// concurrency model (§5) already serialises flush/compaction to one
	// at a time per column family, so this is uncontended in practice.
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.st = stateEditing

	if !edit.HasNextFileNumber {
		edit.SetNextFileNumber(s.nextFileNumber)
	}
	if !edit.HasLastSequence {
		edit.SetLastSequence(s.lastSequence)
	}
	newVersion := Apply(s.current, edit)

	s.st = stateLogging
	payload := edit.Encode()
	writer := s.manifestWriter
	s.mu.Unlock()

	if err := writer.Append(payload); err != nil {
		s.mu.Lock()
		s.st = stateStable
		s.mu.Unlock()
		return nil, fmt.Errorf("version: append manifest record: %w", err)
	}
	if err := writer.Sync(); err != nil {
		s.mu.Lock()
		s.st = stateStable
		s.mu.Unlock()
		return nil, fmt.Errorf("version: sync manifest: %w", err)
	}

	s.mu.Lock()
	s.st = stateSwapping
	old := s.current
	newVersion.Ref()
	newVersion.next, old.prev = old, newVersion
	s.current = newVersion
	if edit.HasLastSequence {
		s.lastSequence = edit.LastSequence
	}
	if edit.HasLogNumber {
		s.logNumber = edit.LogNumber
	}
	s.st = stateStable
	s.mu.Unlock()

	old.Unref()
	return newVersion, nil
}

// Close closes the open MANIFEST file handle without a further fsync;
// LogAndApply has already synced every edit it appended.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manifestFile == nil {
		return nil
	}
	return s.manifestFile.Close()
}
