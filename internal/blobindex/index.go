// Package blobindex implements the per-blob index (C5 / SPEC_FULL.md §4.3):
// an in-memory sorted map of key to header(s), serializable to a B+-tree
// shaped on-disk file, gated by a bloom filter and a range filter.
//
// The teacher repo keeps no separate index at all — folio/db.go replays the
// whole record log to answer lookups (see history.go). This package is
// grounded on that log/replay relationship in spirit (an index is a cache
// over records a scan could always rebuild, as from_file's fallback path
// in SPEC_FULL.md §4.4 shows) but the B+-tree file itself has no teacher
// analogue; its format follows SPEC_FULL.md §4.3's layout table directly,
// built in bptree.go.
package blobindex

import (
	"bytes"
	"sort"
	"sync"

	"github.com/jpl-au/pearl/internal/bloomfilter"
	"github.com/jpl-au/pearl/internal/filebackend"
	"github.com/jpl-au/pearl/internal/rangefilter"
	"github.com/jpl-au/pearl/internal/recordcodec"
	"github.com/jpl-au/pearl/pearlerr"
)

// FilterResult is the tri-state outcome of CheckFilters, per SPEC_FULL.md
// §4.3's "NotContains, NeedsCheck" contract.
type FilterResult int

const (
	// NotContains is authoritative: the key is certainly absent.
	NotContains FilterResult = iota
	// NeedsCheck means the filters could not rule the key out; the caller
	// must perform the actual lookup.
	NeedsCheck
)

// State distinguishes a mutable in-memory index from an immutable,
// disk-backed one.
type State int

const (
	InMemory State = iota
	OnDisk
)

// Config parameterises an Index: key size (for fixed-width encoding),
// bloom sizing, and B+-tree leaf fanout.
type Config struct {
	KeySize  int
	Bloom    *bloomfilter.Config // nil disables the bloom filter entirely
	LeafSize int
}

// Index is the per-blob key → header(s) map described in SPEC_FULL.md
// §4.3. While InMemory it is a sorted slice of entries kept sorted by key
// (ties broken by insertion/blob_offset order); once dumped it is backed
// by a B+-tree file and immutable.
type Index struct {
	mu sync.RWMutex

	cfg   Config
	state State

	// InMemory storage.
	entries []recordcodec.RecordHeader
	bloom   *bloomfilter.Filter
	rng     *rangefilter.Filter

	// OnDisk storage.
	backend filebackend.Backend
	tree    *onDiskTree
}

// New returns an empty InMemory index.
func New(cfg Config) *Index {
	idx := &Index{cfg: cfg, state: InMemory, rng: rangefilter.New()}
	if cfg.Bloom != nil {
		idx.bloom = bloomfilter.New(*cfg.Bloom)
	}
	return idx
}

// Push appends header to the index, updating the bloom and range filters.
// Fails with ErrIndexClosed once the index has been dumped to disk.
func (idx *Index) Push(h recordcodec.RecordHeader) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state != InMemory {
		return pearlerr.ErrIndexClosed
	}

	pos := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].Key, h.Key) > 0
	})
	idx.entries = append(idx.entries, recordcodec.RecordHeader{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = h

	if idx.bloom != nil {
		idx.bloom.Add(h.Key)
	}
	idx.rng.Add(h.Key)
	return nil
}

// Count returns the number of stored headers, in either state.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state == OnDisk {
		return idx.tree.recordsCount
	}
	return len(idx.entries)
}

// State reports whether the index is still mutable (InMemory) or
// disk-backed (OnDisk).
func (idx *Index) State() State {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.state
}

// Bloom returns the index's bloom filter (nil if bloom filtering is
// disabled), for the storage core to fold into the hierarchical bloom
// tree when a blob closes.
func (idx *Index) Bloom() *bloomfilter.Filter {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.state == OnDisk {
		return idx.tree.bloom
	}
	return idx.bloom
}

// CheckFilters applies the range-then-bloom gate from SPEC_FULL.md §4.3.
func (idx *Index) CheckFilters(key []byte) (FilterResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	rng := idx.rng
	if idx.state == OnDisk {
		rng = idx.tree.rangeFilter
	}
	if rng != nil && !rng.Contains(key) {
		return NotContains, nil
	}

	if idx.state == InMemory {
		if idx.bloom == nil {
			return NeedsCheck, nil
		}
		present, ok := idx.bloom.ContainsInMemory(key)
		if ok && !present {
			return NotContains, nil
		}
		return NeedsCheck, nil
	}

	if idx.tree.bloom == nil {
		return NeedsCheck, nil
	}
	if idx.tree.bloom.Offloaded() {
		present, err := idx.tree.bloom.ContainsOnDisk(idx.backend, key)
		if err != nil {
			return NeedsCheck, err
		}
		if !present {
			return NotContains, nil
		}
		return NeedsCheck, nil
	}
	present, ok := idx.tree.bloom.ContainsInMemory(key)
	if ok && !present {
		return NotContains, nil
	}
	return NeedsCheck, nil
}

// GetAny returns the most recent header for key (largest blob offset
// among duplicates — SPEC_FULL.md §4.6: "the most-recent record for a key
// is authoritative"), or ok=false if absent.
func (idx *Index) GetAny(key []byte) (recordcodec.RecordHeader, bool, error) {
	all, err := idx.GetAll(key)
	if err != nil || len(all) == 0 {
		return recordcodec.RecordHeader{}, false, err
	}
	best := all[0]
	for _, h := range all[1:] {
		if h.BlobOffset > best.BlobOffset {
			best = h
		}
	}
	return best, true, nil
}

// GetAll returns every header matching key, in insertion order.
func (idx *Index) GetAll(key []byte) ([]recordcodec.RecordHeader, error) {
	result, err := idx.CheckFilters(key)
	if err != nil {
		return nil, err
	}
	if result == NotContains {
		return nil, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.state == InMemory {
		var out []recordcodec.RecordHeader
		for _, h := range idx.entries {
			if bytes.Equal(h.Key, key) {
				out = append(out, h)
			}
		}
		return out, nil
	}
	return idx.tree.findByKey(idx.backend, key)
}

// ContainsKey reports whether any header exists for key.
func (idx *Index) ContainsKey(key []byte) (bool, error) {
	_, ok, err := idx.GetAny(key)
	return ok, err
}

// Dump serialises the index to a B+-tree file via backend, transitioning
// to OnDisk. Idempotent once already OnDisk (returns 0, nil).
func (idx *Index) Dump(backend filebackend.Backend) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state == OnDisk {
		return 0, nil
	}

	written, tree, err := buildOnDiskTree(backend, idx.cfg, idx.entries, idx.rng, idx.bloom)
	if err != nil {
		return 0, err
	}

	idx.backend = backend
	idx.tree = tree
	idx.state = OnDisk
	idx.entries = nil
	idx.bloom = nil
	idx.rng = nil
	return written, nil
}

// Load reads every header back into memory from the on-disk tree,
// transitioning to InMemory. A no-op when already InMemory.
func (idx *Index) Load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.state == InMemory {
		return nil
	}

	entries, err := idx.tree.loadAll(idx.backend)
	if err != nil {
		return err
	}

	idx.entries = entries
	idx.rng = idx.tree.rangeFilter
	idx.bloom = idx.tree.bloom
	if idx.bloom != nil && idx.bloom.Offloaded() {
		if err := reloadBloomBits(idx.backend, idx.bloom); err != nil {
			return err
		}
	}
	idx.state = InMemory
	idx.backend = nil
	idx.tree = nil
	return nil
}

// reloadBloomBits reloads an OnDisk index's bloom bits from backend so
// ContainsInMemory can serve queries again after Load(). The read width must
// match BitsRaw's bitset.WriteTo framing (RawSize), not the plain bit-count
// footprint SizeBytes reports.
func reloadBloomBits(backend filebackend.Backend, f *bloomfilter.Filter) error {
	size := f.RawSize()
	buf := make([]byte, size)
	if _, err := backend.ReadAt(buf, f.DiskOffset()); err != nil {
		return err
	}
	return f.LoadBits(buf)
}

// LoadFromBackend opens an existing on-disk B+-tree index file without
// going through Dump, for the from_file("sidecar present") path of
// SPEC_FULL.md §4.4.
func LoadFromBackend(cfg Config, backend filebackend.Backend) (*Index, error) {
	tree, err := openOnDiskTree(backend)
	if err != nil {
		return nil, err
	}
	return &Index{cfg: cfg, state: OnDisk, backend: backend, tree: tree}, nil
}
