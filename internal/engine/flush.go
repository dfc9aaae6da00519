package engine

import (
	"os"
	"time"

	"github.com/flashlog/shardkv/internal/sstable"
	"github.com/flashlog/shardkv/internal/version"
)

// flushLoop is the background goroutine Open spawns: it drains sealed
// memtables into level-0 sstables (spec.md §4.8 step d), retrying a
// failed flush with exponential backoff rather than losing data or
// wedging the write path's immSlots backpressure semaphore forever.
func (e *Engine) flushLoop() {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		select {
		case <-e.flushSignal:
		case <-e.closing:
			e.drainFlushesOnClose()
			return
		}

		for {
			did, err := e.flushOldest()
			if err != nil {
				e.log.Error("flush failed, retrying", "error", err)
				select {
				case <-time.After(backoff):
				case <-e.closing:
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			if !did {
				break
			}
			e.maybeCompact()
		}
	}
}

// drainFlushesOnClose flushes every remaining sealed memtable once, best
// effort, during shutdown; a failure is logged, not retried, since Close
// must still return. Whatever doesn't make it out replays from the
// commit log on the next Open.
func (e *Engine) drainFlushesOnClose() {
	for {
		did, err := e.flushOldest()
		if err != nil {
			e.log.Error("flush failed during shutdown; left for next recovery", "error", err)
			return
		}
		if !did {
			return
		}
	}
}

// flushOldest flushes the oldest queued immutable memtable, if any, into
// a new level-0 sstable and publishes the corresponding version edit. It
// reports did=false when there was nothing queued.
func (e *Engine) flushOldest() (did bool, err error) {
	e.mu.Lock()
	if len(e.imm) == 0 {
		e.mu.Unlock()
		return false, nil
	}
	sm := e.imm[0]
	e.mu.Unlock()

	var meta *version.FileMetaData
	if sm.mem.Len() > 0 {
		meta, err = e.writeLevel0Table(sm)
		if err != nil {
			return false, err
		}
	}

	e.mu.Lock()
	logNumber := e.walFileNum
	if len(e.imm) > 1 {
		logNumber = e.imm[1].walFileNum
	}
	lastSeq := e.lastSeq
	e.mu.Unlock()

	edit := version.NewEdit()
	if meta != nil {
		edit.AddFile(0, *meta)
	}
	edit.SetLogNumber(logNumber)
	edit.SetLastSequence(lastSeq)
	if _, err := e.versions.LogAndApply(edit); err != nil {
		return false, err
	}

	if err := os.Remove(version.WALFileName(e.dbDir, sm.walFileNum)); err != nil && !os.IsNotExist(err) {
		e.log.Warn("could not remove flushed commit-log segment", "error", err)
	}

	e.mu.Lock()
	e.imm = e.imm[1:]
	e.mu.Unlock()
	<-e.immSlots

	e.met.FlushesTotal.WithLabelValues(e.shardLabel()).Inc()
	return true, nil
}

// writeLevel0Table streams sm's entries (already in ascending internal-key
// order) into a brand new sstable file and returns its metadata.
func (e *Engine) writeLevel0Table(sm sealedMemtable) (*version.FileMetaData, error) {
	num := e.versions.AllocFileNumber()
	path := version.TableFileName(e.dbDir, num)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	w := sstable.NewWriter(f, e.opts.SSTable)
	for entry := range sm.mem.All() {
		if err := w.Add(entry.Key, entry.Value); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
	}
	smallest, largest, size, err := w.Finish()
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return &version.FileMetaData{Number: num, Size: size, Smallest: smallest, Largest: largest}, nil
}
