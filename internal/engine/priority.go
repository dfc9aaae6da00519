package engine

// ioPriority orders the engine's background I/O submission, supplemented
// from original_source's store/priority_manager.hh: the commit log must
// never wait behind a flush or compaction, and a flush (which frees an
// immSlots token writers may be blocked on) outranks compaction. Unlike
// the original's preemptive scheduler, spec.md's cooperative
// single-threaded-per-shard concurrency model (§5) needs only ordering,
// not priority-based preemption. No code reads these constants at run
// time; the flush-before-compaction ordering exists only as flushLoop's
// call order (flush before maybeCompact).
type ioPriority int

const (
	PriorityCommitLog ioPriority = iota
	PriorityFlush
	PriorityCompaction
)
