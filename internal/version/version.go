package version

import (
	"bytes"
	"sort"
	"sync"

	"github.com/flashlog/shardkv/internal/ikey"
)

// Version is an immutable, reference-counted snapshot of a column family's
// sstable set (spec.md §3 "Version"). Level 0 may hold overlapping
// ranges, most-recent-first; levels >= 1 are pairwise non-overlapping and
// sorted by Smallest (V6 "Level-≥1 non-overlap").
type Version struct {
	mu     sync.Mutex
	refs   int
	levels [MaxLevels][]FileMetaData

	next *Version // doubly-linked list owned by the column family
	prev *Version
}

// NewVersion returns an empty version with a single reference already
// held by the caller.
func NewVersion() *Version {
	v := &Version{refs: 1}
	return v
}

// Ref increments the version's reference count.
func (v *Version) Ref() {
	v.mu.Lock()
	v.refs++
	v.mu.Unlock()
}

// Unref decrements the reference count, reporting whether it reached
// zero. Per the design, a version is destroyed only when its refcount
// drops to zero AND it is not the current version; the column family
// (not Version itself) is responsible for checking the latter.
func (v *Version) Unref() (zero bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refs--
	return v.refs == 0
}

// Files returns the (shared, do-not-mutate) file list for a level.
func (v *Version) Files(level int) []FileMetaData {
	return v.levels[level]
}

// NumLevels is the number of levels a version tracks.
func (v *Version) NumLevels() int { return MaxLevels }

// clone returns a shallow copy of v's level file lists, suitable as the
// starting point for Apply; the FileMetaData values themselves are
// immutable once created so sharing them across versions is safe.
func (v *Version) clone() *Version {
	nv := &Version{refs: 1}
	for l := 0; l < MaxLevels; l++ {
		nv.levels[l] = append([]FileMetaData(nil), v.levels[l]...)
	}
	return nv
}

// Apply produces a new Version by applying edit to v's file set: deletions
// first, then additions, keeping level >= 1 sorted by Smallest (V6).
// base itself is left untouched (versions are immutable once built).
func Apply(base *Version, edit *Edit) *Version {
	nv := base.clone()

	del := make(map[[2]uint64]bool, len(edit.Deleted))
	for _, d := range edit.Deleted {
		del[[2]uint64{uint64(d.Level), d.Number}] = true
	}
	for l := 0; l < MaxLevels; l++ {
		if len(del) == 0 {
			continue
		}
		kept := nv.levels[l][:0]
		for _, f := range nv.levels[l] {
			if del[[2]uint64{uint64(l), f.Number}] {
				continue
			}
			kept = append(kept, f)
		}
		nv.levels[l] = kept
	}

	for _, a := range edit.Added {
		if a.Level == 0 {
			// Level 0 is kept newest-first (spec.md §3: "most recent
			// first") so the read path's fan-out never needs to re-sort;
			// each flush/compaction output is the newest data, so it goes
			// to the front.
			nv.levels[0] = append([]FileMetaData{a.File}, nv.levels[0]...)
			continue
		}
		nv.levels[a.Level] = append(nv.levels[a.Level], a.File)
	}

	for l := 1; l < MaxLevels; l++ {
		sort.Slice(nv.levels[l], func(i, j int) bool {
			return bytes.Compare(nv.levels[l][i].Smallest, nv.levels[l][j].Smallest) < 0
		})
	}

	return nv
}

// overlapsUserKey reports whether userKey falls within the user-key range
// of [f.Smallest, f.Largest] (used for level-0 fan-out and level>=1
// binary search alike).
func (f FileMetaData) overlapsUserKey(userKey []byte) bool {
	return bytes.Compare(userKey, ikey.UserKey(f.Smallest)) >= 0 &&
		bytes.Compare(userKey, ikey.UserKey(f.Largest)) <= 0
}

// OverlappingLevel0 returns every level-0 file (newest first, per Apply's
// ordering) whose range could contain userKey.
func (v *Version) OverlappingLevel0(userKey []byte) []FileMetaData {
	var out []FileMetaData
	for _, f := range v.levels[0] {
		if f.overlapsUserKey(userKey) {
			out = append(out, f)
		}
	}
	return out
}

// FindInLevel returns the single file at level>=1 (if any) whose range
// could contain userKey, located by binary search for the first file whose
// Largest user key is >= userKey: spec.md
// §4.8 "at most one sstable per level may contain the key".
func (v *Version) FindInLevel(level int, userKey []byte) (FileMetaData, bool) {
	files := v.levels[level]
	i := sort.Search(len(files), func(i int) bool {
		return bytes.Compare(ikey.UserKey(files[i].Largest), userKey) >= 0
	})
	if i >= len(files) {
		return FileMetaData{}, false
	}
	if !files[i].overlapsUserKey(userKey) {
		return FileMetaData{}, false
	}
	return files[i], true
}
