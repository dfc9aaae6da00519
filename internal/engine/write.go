package engine

import (
	"time"

	"github.com/flashlog/shardkv/internal/ikey"
	"github.com/flashlog/shardkv/internal/memtable"
	"github.com/flashlog/shardkv/internal/version"
	"github.com/flashlog/shardkv/internal/walog"
)

// Put applies a PUT mutation. See apply for the full write-path contract.
func (e *Engine) Put(key, value []byte, expireAt time.Time) error {
	return e.apply(Mutation{Key: key, Value: value, Type: ikey.TypeValue, ExpireAt: expireAt})
}

// Delete applies a tombstone for key. See apply for the full write-path
// contract.
func (e *Engine) Delete(key []byte) error {
	return e.apply(Mutation{Key: key, Type: ikey.TypeDeletion})
}

// apply executes the write path exactly as ordered in spec.md §4.8:
//  1. assign a sequence number,
//  2. append to the commit log (await in-memory acceptance, not fsync),
//  3. insert into the active memtable,
//  4. seal + rotate if the memtable has grown past its threshold,
//  5. backpressure the caller if too many immutables are already queued.
func (e *Engine) apply(m Mutation) error {
	select {
	case <-e.closing:
		return newErr(KindShuttingDown, nil)
	default:
	}

	e.mu.Lock()
	e.lastSeq++
	seq := e.lastSeq
	wal := e.wal
	mem := e.mem
	e.mu.Unlock()

	payload := encodeMutation(seq, m)
	if err := wal.Append(payload); err != nil {
		return newErr(KindIOError, err)
	}

	ik := ikey.Make(m.Key, seq, m.Type)
	var value []byte
	if m.Type == ikey.TypeValue {
		value = encodeValueEnvelope(m.ExpireAt, m.Value)
	}
	if err := mem.Apply(ik, value); err != nil {
		return newErr(KindWriteDisabled, err)
	}

	e.met.MemtableDirtyBytes.WithLabelValues(e.shardLabel()).Set(float64(mem.DirtySize()))

	if mem.DirtySize() >= e.opts.MemtableThreshold {
		if err := e.sealAndRotate(); err != nil {
			return err
		}
	}
	return nil
}

// Sync is the durability barrier from spec.md §5: it returns only once
// every write accepted before this call is durable.
func (e *Engine) Sync() error {
	e.mu.Lock()
	wal := e.wal
	e.mu.Unlock()
	if err := wal.Sync(); err != nil {
		return newErr(KindIOError, err)
	}
	return nil
}

// shardLabel identifies this engine instance in metrics; internal/store
// assigns one Engine per shard and could plumb a real label through
// Options, but the directory name is a stable, collision-free default.
func (e *Engine) shardLabel() string { return e.dbDir }

// walOptions returns the commit-log options for a freshly opened segment,
// with this engine's metrics and shard label filled in so the writer can
// observe fsync latency (CommitLogFsync).
func (e *Engine) walOptions() walog.Options {
	o := e.opts.WAL
	o.Metrics = e.met
	o.Shard = e.shardLabel()
	return o
}

// sealAndRotate seals the active memtable, queues it for flush
// (backpressuring if MaxImmutables are already queued), rotates to a new
// commit-log segment, and installs a fresh memtable. Must be called with
// e.mu unlocked; it takes the lock itself and may block on immSlots,
// which is the design's "counted semaphore bounds the queue length;
// writers block when full" (spec.md §5).
func (e *Engine) sealAndRotate() error {
	e.mu.Lock()
	old := e.mem
	oldWalNum := e.walFileNum
	e.mu.Unlock()

	old.Seal()

	select {
	case e.immSlots <- struct{}{}:
	case <-e.closing:
		return newErr(KindShuttingDown, nil)
	}

	newWalNum := e.versions.AllocFileNumber()
	newWal, err := walog.Open(version.WALFileName(e.dbDir, newWalNum), 0, e.walOptions())
	if err != nil {
		<-e.immSlots
		return newErr(KindIOError, err)
	}

	e.mu.Lock()
	e.imm = append(e.imm, sealedMemtable{mem: old, walFileNum: oldWalNum})
	prevWal := e.wal
	e.wal = newWal
	e.walFileNum = newWalNum
	e.mem = memtable.New()
	e.mu.Unlock()

	if err := prevWal.Close(); err != nil {
		e.log.Warn("error closing rotated-out commit-log segment", "error", err)
	}

	select {
	case e.flushSignal <- struct{}{}:
	default:
	}
	return nil
}
