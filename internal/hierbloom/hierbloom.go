// Package hierbloom implements the hierarchical bloom filter tree over
// closed blobs (C7 / SPEC_FULL.md §4.5): a mutable tree keyed by opaque
// ids, where each leaf wraps one closed blob's filter and each interior
// node caches an optional OR-merge of its descendants.
//
// The teacher repo has no analogue to a tree of filters — folio answers
// "might this key exist" by replaying the append log (history.go) rather
// than consulting any index structure. This package's shape is grounded
// directly on SPEC_FULL.md §4.5's push/check/offload_buffer contract; its
// bloom-merge primitive is the bloomfilter package's Merge, itself
// grounded on bloom.go's positions()/contains() pair.
package hierbloom

import "github.com/jpl-au/pearl/internal/bloomfilter"

// Presence is the tri-state result of Check: Absent is authoritative,
// Present means some leaf filter reports the key (bloom filters admit
// false positives, so the blob itself still decides), Unknown means some
// leaf could not rule the key out in memory (its filter is offloaded or
// absent).
type Presence int

const (
	Absent Presence = iota
	Present
	Unknown
)

// defaultGroupSize is the number of leaves that share an interior group
// before a new group is allocated under the root, used when New is given
// a non-positive group size (SPEC_FULL.md §4.5).
const defaultGroupSize = 8

type leaf struct {
	id     int64
	filter *bloomfilter.Filter
}

type group struct {
	cache  *bloomfilter.Filter // OR-merge of this group's leaves; nil means "ask children"
	leaves []leaf
}

// Tree is the hierarchical bloom index over a set of closed-blob ids.
type Tree struct {
	groupSize int
	root      *bloomfilter.Filter // OR-merge of every group; nil means "ask children"
	groups    []*group
	count     int
}

// New returns an empty tree with the given interior group size (0 uses
// the spec default of 8).
func New(groupSize int) *Tree {
	if groupSize <= 0 {
		groupSize = defaultGroupSize
	}
	return &Tree{groupSize: groupSize}
}

// Push inserts a new leaf wrapping id's filter. If the current last group
// has reached groupSize, a new group is allocated. The leaf's filter is
// OR-merged upward into its group's cache and the root's cache; either
// cache is set to nil ("don't know") if the merge fails due to
// incompatible filter parameters, per SPEC_FULL.md §4.5.
func (t *Tree) Push(id int64, filter *bloomfilter.Filter) {
	t.count++

	if len(t.groups) == 0 || len(t.groups[len(t.groups)-1].leaves) >= t.groupSize {
		t.groups = append(t.groups, &group{})
	}
	g := t.groups[len(t.groups)-1]
	g.leaves = append(g.leaves, leaf{id: id, filter: filter})

	mergeInto(&g.cache, filter, len(g.leaves) == 1)
	mergeInto(&t.root, filter, t.count == 1)
}

// mergeInto OR-merges src into *dst in place. For the first filter under
// dst (first is true), src is adopted via Clone (so later mutation of src's
// owner, if any, doesn't corrupt the cache). If src is nil or the merge
// fails (incompatible parameters), *dst is set to nil, and a nil *dst stays
// nil for later filters, so queries keep recursing into children.
func mergeInto(dst **bloomfilter.Filter, src *bloomfilter.Filter, first bool) {
	if src == nil {
		*dst = nil
		return
	}
	if first {
		*dst = src.Clone()
		return
	}
	if *dst == nil {
		return
	}
	if ok := (*dst).Merge(src); !ok {
		*dst = nil
	}
}

// Check queries the tree for key, per SPEC_FULL.md §4.5: a cached "not
// present" filter at any level is authoritative; otherwise each child is
// consulted, short-circuiting on the first Present.
func (t *Tree) Check(key []byte) Presence {
	if t.root != nil {
		if present, ok := containsTriState(t.root, key); ok && !present {
			return Absent
		}
	}

	sawUnknown := false
	for _, g := range t.groups {
		switch checkGroup(g, key) {
		case Present:
			return Present
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown
	}
	return Absent
}

func checkGroup(g *group, key []byte) Presence {
	if g.cache != nil {
		if present, ok := containsTriState(g.cache, key); ok && !present {
			return Absent
		}
	}

	sawUnknown := false
	for _, l := range g.leaves {
		switch checkLeaf(l, key) {
		case Present:
			return Present
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown
	}
	return Absent
}

// checkLeaf consults a single leaf's filter. An offloaded leaf filter
// cannot be queried without its backing file (the tree only holds filter
// parameters, not the blob's file handle), so it reports Unknown — the
// caller (storage core) must attempt the actual blob read.
func checkLeaf(l leaf, key []byte) Presence {
	if l.filter == nil {
		return Unknown
	}
	present, ok := containsTriState(l.filter, key)
	if !ok {
		return Unknown
	}
	if present {
		return Present
	}
	return Absent
}

func containsTriState(f *bloomfilter.Filter, key []byte) (present, ok bool) {
	if f.Offloaded() {
		return false, false
	}
	return f.ContainsInMemory(key)
}

// OffloadBuffer walks the tree offloading in-memory filters to free
// memory, stopping once at least neededBytes have been freed. Interior
// caches are pure caches and are simply discarded (nulled) rather than
// offloaded to a backend, since they hold no independent identity; leaf
// filters are offloaded via their own OffloadFromMemory (the backing blob
// already persisted them), per SPEC_FULL.md §4.5.
func (t *Tree) OffloadBuffer(neededBytes int64) int64 {
	var freed int64

	if t.root != nil && !t.root.Offloaded() {
		freed += t.root.SizeBytes()
		t.root = nil
		if freed >= neededBytes {
			return freed
		}
	}

	for _, g := range t.groups {
		if g.cache != nil && !g.cache.Offloaded() {
			freed += g.cache.SizeBytes()
			g.cache = nil
			if freed >= neededBytes {
				return freed
			}
		}
		for _, l := range g.leaves {
			if l.filter != nil && !l.filter.Offloaded() {
				size := l.filter.SizeBytes()
				l.filter.OffloadFromMemory()
				freed += size
				if freed >= neededBytes {
					return freed
				}
			}
		}
	}
	return freed
}

// Len returns the number of leaves, equal to the number of closed blobs
// pushed into the tree.
func (t *Tree) Len() int { return t.count }
