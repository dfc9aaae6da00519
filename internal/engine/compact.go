package engine

import (
	"bytes"
	"os"
	"strconv"

	"github.com/flashlog/shardkv/internal/ikey"
	"github.com/flashlog/shardkv/internal/sstable"
	"github.com/flashlog/shardkv/internal/version"
)

// maxCompactionOutputSize bounds a single compaction output sstable,
// matching the design's "writing bounded-size output sstables" rather
// than merging an entire level into one arbitrarily large file.
const maxCompactionOutputSize = 16 << 20

// maybeCompact runs compaction passes until no level is over its
// trigger. At most one compaction runs per column family at a time (§5,
// e.compactMu); flushLoop calls this after every successful flush.
func (e *Engine) maybeCompact() {
	if !e.compactMu.TryLock() {
		return
	}
	defer e.compactMu.Unlock()

	for {
		ver := e.versions.Current()
		level, ok := pickCompaction(ver, e.opts.Level0CompactionTrigger)
		ver.Unref()
		if !ok {
			return
		}
		if err := e.compactLevel(level); err != nil {
			e.log.Error("compaction failed", "level", level, "error", err)
			return
		}
	}
}

// pickCompaction reports the lowest level that has grown past its
// trigger, if any. Level 0 triggers by file count, since its ranges may
// overlap and size alone wouldn't reflect read amplification; levels >=
// 1 trigger once their total size exceeds a capacity that grows 10x per
// level, the classic LSM shape.
func pickCompaction(ver *version.Version, level0Trigger int) (level int, ok bool) {
	if len(ver.Files(0)) >= level0Trigger {
		return 0, true
	}
	for l := 1; l < ver.NumLevels()-1; l++ {
		if levelSizeBytes(ver.Files(l)) >= levelSizeLimit(l) {
			return l, true
		}
	}
	return 0, false
}

func levelSizeBytes(files []version.FileMetaData) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// levelSizeLimit is level 1's base capacity (10 MiB) scaled by 10x per
// level below the last.
func levelSizeLimit(level int) int64 {
	limit := int64(10 << 20)
	for i := 1; i < level; i++ {
		limit *= 10
	}
	return limit
}

// compactLevel merges level's input files with every overlapping file at
// level+1, writes the merged result as new level+1 tables, and publishes
// a version edit retiring the inputs in favour of the outputs (spec.md
// §4.8 "Compaction").
func (e *Engine) compactLevel(level int) error {
	ver := e.versions.Current()
	defer ver.Unref()

	inputs := append([]version.FileMetaData(nil), ver.Files(level)...)
	if len(inputs) == 0 {
		return nil
	}
	if level > 0 {
		// Levels >= 1 are non-overlapping; compact one file at a time,
		// the classic single-file round-robin shape, rather than the
		// whole level (level 0's ranges may overlap so it is merged as
		// one batch instead).
		inputs = inputs[:1]
	}

	smallest, largest := spanOf(inputs)
	overlap := overlapping(ver.Files(level+1), smallest, largest)

	outputs, err := e.mergeAndWrite(level+1, inputs, overlap)
	if err != nil {
		return err
	}

	edit := version.NewEdit()
	for _, f := range inputs {
		edit.DeleteFile(level, f.Number)
	}
	for _, f := range overlap {
		edit.DeleteFile(level+1, f.Number)
	}
	for _, f := range outputs {
		edit.AddFile(level+1, f)
	}
	if _, err := e.versions.LogAndApply(edit); err != nil {
		return err
	}

	for _, f := range inputs {
		e.removeTable(f.Number)
	}
	for _, f := range overlap {
		e.removeTable(f.Number)
	}

	var producedBytes int64
	for _, f := range outputs {
		producedBytes += f.Size
	}
	e.met.CompactionsTotal.WithLabelValues(e.shardLabel(), levelLabel(level+1)).Inc()
	e.met.CompactionBytes.WithLabelValues(e.shardLabel(), levelLabel(level+1)).Add(float64(producedBytes))
	return nil
}

// spanOf returns the smallest and largest internal key across files.
func spanOf(files []version.FileMetaData) (smallest, largest []byte) {
	for i, f := range files {
		if i == 0 || ikey.Less(f.Smallest, smallest) {
			smallest = f.Smallest
		}
		if i == 0 || ikey.Less(largest, f.Largest) {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// overlapping returns every file in files whose user-key range
// intersects [UserKey(smallest), UserKey(largest)].
func overlapping(files []version.FileMetaData, smallest, largest []byte) []version.FileMetaData {
	lo, hi := ikey.UserKey(smallest), ikey.UserKey(largest)
	var out []version.FileMetaData
	for _, f := range files {
		if bytes.Compare(ikey.UserKey(f.Largest), lo) < 0 || bytes.Compare(ikey.UserKey(f.Smallest), hi) > 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

// mergeAndWrite k-way merges every file across inputSets (already open
// via the table cache) in ascending internal-key order, keeping only the
// newest version of each user key and dropping tombstones once outLevel
// is the last level (nothing deeper could still need the tombstone to
// shadow older data). It rolls to a new output file once the current one
// reaches maxCompactionOutputSize.
func (e *Engine) mergeAndWrite(outLevel int, inputSets ...[]version.FileMetaData) ([]version.FileMetaData, error) {
	var its []*sstable.Iterator
	for _, set := range inputSets {
		for _, f := range set {
			r, err := e.tableReader(f.Number, f.Size)
			if err != nil {
				return nil, err
			}
			it, err := r.Iterator()
			if err != nil {
				return nil, err
			}
			it.SeekToFirst()
			its = append(its, it)
		}
	}

	dropTombstones := outLevel >= version.MaxLevels-1

	var outputs []version.FileMetaData
	var w *sstable.Writer
	var outFile *os.File
	var outNum uint64

	openOutput := func() error {
		outNum = e.versions.AllocFileNumber()
		path := version.TableFileName(e.dbDir, outNum)
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		outFile = f
		w = sstable.NewWriter(f, e.opts.SSTable)
		return nil
	}

	closeOutput := func() error {
		if w == nil {
			return nil
		}
		smallest, largest, size, err := w.Finish()
		w = nil
		if err != nil {
			outFile.Close()
			return err
		}
		if err := outFile.Sync(); err != nil {
			outFile.Close()
			return err
		}
		if err := outFile.Close(); err != nil {
			return err
		}
		if smallest != nil {
			outputs = append(outputs, version.FileMetaData{Number: outNum, Size: size, Smallest: smallest, Largest: largest})
		} else {
			os.Remove(version.TableFileName(e.dbDir, outNum))
		}
		return nil
	}

	var lastUserKey []byte
	haveLastUserKey := false

	for {
		minIdx := -1
		for i, it := range its {
			if !it.Valid() {
				continue
			}
			if minIdx == -1 || ikey.Less(it.Key(), its[minIdx].Key()) {
				minIdx = i
			}
		}
		if minIdx == -1 {
			break
		}

		key := append([]byte(nil), its[minIdx].Key()...)
		value := append([]byte(nil), its[minIdx].Value()...)
		its[minIdx].Next()

		userKey := ikey.UserKey(key)
		if haveLastUserKey && bytes.Equal(userKey, lastUserKey) {
			// An older version of a user key already emitted: newest wins.
			continue
		}
		lastUserKey = append(lastUserKey[:0], userKey...)
		haveLastUserKey = true

		parsed, ok := ikey.Parse(key)
		if ok && parsed.Type == ikey.TypeDeletion && dropTombstones {
			continue
		}

		if w == nil {
			if err := openOutput(); err != nil {
				return nil, err
			}
		}
		if err := w.Add(key, value); err != nil {
			return nil, err
		}
		if w.Size() >= maxCompactionOutputSize {
			if err := closeOutput(); err != nil {
				return nil, err
			}
		}
	}

	if err := closeOutput(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// removeTable evicts num from the table cache (closing its reader) and
// deletes its backing file; called once a compaction's version edit
// retiring it has been published.
func (e *Engine) removeTable(num uint64) {
	e.tableCache.Evict(num)
	if err := os.Remove(version.TableFileName(e.dbDir, num)); err != nil && !os.IsNotExist(err) {
		e.log.Warn("could not remove compacted-away sstable", "file", num, "error", err)
	}
}

func levelLabel(level int) string { return strconv.Itoa(level) }
