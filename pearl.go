// Package pearl is an embedded, append-only key-value storage engine:
// the public API over the per-blob index, hierarchical bloom filter, and
// background rotation worker described in SPEC_FULL.md.
//
// Grounded on the teacher's db.go for the overall lifecycle shape (Open,
// a state machine guarding operations, RWMutex-guarded handles, a
// fileLock for cross-process safety) generalised from one file to a
// directory of rotating blob files.
package pearl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/jpl-au/pearl/config"
	"github.com/jpl-au/pearl/internal/blob"
	"github.com/jpl-au/pearl/internal/blobindex"
	"github.com/jpl-au/pearl/internal/bloomfilter"
	"github.com/jpl-au/pearl/internal/hierbloom"
	"github.com/jpl-au/pearl/internal/observer"
	"github.com/jpl-au/pearl/internal/recordcodec"
	"github.com/jpl-au/pearl/internal/worklock"
	"github.com/jpl-au/pearl/pearlerr"
)

const lockFileName = "pearl.lock"

// Storage is an open pearl database rooted at one work directory.
type Storage struct {
	cfg    config.Config
	logger *slog.Logger

	lock *worklock.Lock

	mu     sync.RWMutex // guards active + closed during rotation and close
	active *blob.Blob
	closed []*blob.Blob

	hier *hierbloom.Tree

	obs *observer.Observer

	quarantined []string
}

// HealthReport summarises the storage engine's live state, per
// SPEC_FULL.md §3.1.
type HealthReport struct {
	ActiveBlobID     uint64
	ActiveBlobSize   int64
	ActiveBlobCount  int
	ClosedBlobCount  int
	ObserverRunning  bool
	ObserverLastErr  string
}

// Open acquires the work directory lock, scans it for existing blob
// files, and brings up the active blob and background observer, per
// SPEC_FULL.md §4.6's init().
func Open(cfg config.Config) (*Storage, error) {
	if cfg.CreateWorkDir {
		if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
			return nil, err
		}
	}

	lock, err := worklock.Acquire(cfg.WorkDir, lockFileName)
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("component", "pearl", "work_dir", cfg.WorkDir)

	s := &Storage{cfg: cfg, logger: logger, lock: lock, hier: hierbloom.New(cfg.BloomFilterGroupSize)}

	if err := s.init(); err != nil {
		lock.Release()
		return nil, err
	}

	s.obs = observer.New(s.cfg.UpdateInterval, s.cfg.DumpSemSize, s.tryUpdate, logger)
	s.obs.Start()

	return s, nil
}

func (s *Storage) idxConfig() blobindex.Config {
	var bloomCfg *bloomfilter.Config
	if s.cfg.Bloom != nil {
		bloomCfg = &bloomfilter.Config{
			Elements:  s.cfg.Bloom.Elements,
			Hashers:   s.cfg.Bloom.Hashers,
			MaxBits:   s.cfg.Bloom.MaxBits,
			Step:      s.cfg.Bloom.Step,
			TargetFPR: s.cfg.Bloom.TargetFPR,
		}
	}
	return blobindex.Config{KeySize: s.cfg.KeySize, Bloom: bloomCfg, LeafSize: s.cfg.LeafSize}
}

func (s *Storage) init() error {
	ids, err := scanBlobIDs(s.cfg.WorkDir, s.cfg.Prefix)
	if err != nil {
		return err
	}

	if len(ids) == 0 {
		active, err := blob.OpenNew(s.cfg.WorkDir, blob.Name{Prefix: s.cfg.Prefix, ID: 0}, s.cfg.KeySize, s.idxConfig())
		if err != nil {
			return err
		}
		s.active = active
		return nil
	}

	for i, id := range ids {
		name := blob.Name{Prefix: s.cfg.Prefix, ID: id}
		b, err := blob.FromFile(s.cfg.WorkDir, name, s.cfg.KeySize, s.idxConfig())
		if err != nil {
			if s.cfg.IgnoreCorrupted && errors.Is(err, pearlerr.ErrCorrupted) {
				s.quarantine(name)
				continue
			}
			return err
		}

		if i == len(ids)-1 {
			s.active = b
			continue
		}
		b.Close()
		s.closed = append(s.closed, b)
		s.hier.Push(int64(b.ID()), b.BloomFilter())
	}

	if s.active == nil {
		next := uint64(0)
		if len(ids) > 0 {
			next = ids[len(ids)-1] + 1
		}
		active, err := blob.OpenNew(s.cfg.WorkDir, blob.Name{Prefix: s.cfg.Prefix, ID: next}, s.cfg.KeySize, s.idxConfig())
		if err != nil {
			return err
		}
		s.active = active
	}
	return nil
}

func (s *Storage) quarantine(name blob.Name) {
	dir := filepath.Join(s.cfg.WorkDir, s.cfg.CorruptedDirName)
	os.MkdirAll(dir, 0755)
	fileName := fmt.Sprintf("%s.%d.blob", name.Prefix, name.ID)
	src := filepath.Join(s.cfg.WorkDir, fileName)
	dst := filepath.Join(dir, fileName)
	os.Rename(src, dst)
	s.quarantined = append(s.quarantined, fileName)
	s.logger.Warn("quarantined corrupted blob", "id", name.ID)
}

// Quarantined lists the blob filenames moved aside during init because
// they failed header validation or record scanning (only populated when
// config.WithIgnoreCorrupted(true) is set).
func (s *Storage) Quarantined() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.quarantined...)
}

// Rotate forces an immediate blob rotation regardless of threshold,
// for administrative use (the CLI's `rotate` subcommand).
func (s *Storage) Rotate() error {
	return s.rotate()
}

// scanBlobIDs lists `{prefix}.{id}.blob` files under dir and returns their
// ids sorted ascending.
func scanBlobIDs(dir, prefix string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []uint64
	suffix := ".blob"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix+".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		middle := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"."), suffix)
		id, err := strconv.ParseUint(middle, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Write appends (key, data) with optional meta to the active blob,
// per SPEC_FULL.md §4.6.
func (s *Storage) Write(key, data, meta []byte) error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()

	if _, err := active.Write(key, meta, data, s.cfg.AllowDuplicates); err != nil {
		return err
	}

	if s.needsRotation(active) {
		s.obs.Notify(func() bool {
			s.mu.RLock()
			current := s.active
			s.mu.RUnlock()
			return current == active && s.needsRotation(active)
		}, s.rotate)
	}
	return nil
}

func (s *Storage) needsRotation(b *blob.Blob) bool {
	if s.cfg.MaxBlobSize > 0 && b.FileSize() > s.cfg.MaxBlobSize {
		return true
	}
	if s.cfg.MaxDataInBlob > 0 && uint64(b.RecordsCount()) >= s.cfg.MaxDataInBlob {
		return true
	}
	return false
}

// tryUpdate is the observer's periodic threshold check.
func (s *Storage) tryUpdate() error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	if s.needsRotation(active) {
		return s.rotate()
	}
	return nil
}

// rotate allocates a new active blob, swaps it in under the write lock,
// freezes the old one into the closed set, folds its bloom filter into
// the hierarchical tree, and schedules an asynchronous index dump.
func (s *Storage) rotate() error {
	s.mu.Lock()
	old := s.active
	next, err := blob.OpenNew(s.cfg.WorkDir, blob.Name{Prefix: s.cfg.Prefix, ID: old.ID() + 1}, s.cfg.KeySize, s.idxConfig())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	old.Close()
	s.active = next
	s.closed = append(s.closed, old)
	s.hier.Push(int64(old.ID()), old.BloomFilter())
	s.mu.Unlock()

	s.obs.ScheduleDump(func() error {
		_, err := old.DumpIndex()
		return err
	})
	return nil
}

// Read returns the current value for key. The active blob is checked
// first; on a miss the hierarchical bloom is consulted to possibly skip
// the closed set entirely, otherwise closed blobs are scanned
// newest-first and the first hit wins. A tombstone as the newest record
// for key in a blob ends the search with ErrRecordNotFound.
func (s *Storage) Read(key []byte) ([]byte, error) {
	s.mu.RLock()
	active := s.active
	closed := append([]*blob.Blob(nil), s.closed...)
	hierCheck := s.hier.Check(key)
	s.mu.RUnlock()

	if rec, err := active.Read(key); err == nil {
		return rec.Data, nil
	} else if err != pearlerr.ErrRecordNotFound {
		return nil, err
	}
	// Blob.Read reports NotFound both for an absent key and for one whose
	// newest record is a tombstone; ContainsKey tells the two apart.
	if deleted, err := active.ContainsKey(key); err != nil {
		return nil, err
	} else if deleted {
		return nil, pearlerr.ErrRecordNotFound
	}

	if hierCheck == hierbloom.Absent {
		return nil, pearlerr.ErrRecordNotFound
	}

	for i := len(closed) - 1; i >= 0; i-- {
		b := closed[i]
		result, err := b.CheckFilters(key)
		if err != nil {
			return nil, err
		}
		if result == blobindex.NotContains {
			continue
		}
		rec, err := b.Read(key)
		if err == pearlerr.ErrRecordNotFound {
			if deleted, err := b.ContainsKey(key); err != nil {
				return nil, err
			} else if deleted {
				return nil, pearlerr.ErrRecordNotFound
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec.Data, nil
	}
	return nil, pearlerr.ErrRecordNotFound
}

// ReadAll returns every record's data for key across the active blob and
// every closed blob that passes the filter gate, duplicates included
// exactly as stored.
func (s *Storage) ReadAll(key []byte) ([][]byte, error) {
	s.mu.RLock()
	active := s.active
	closed := append([]*blob.Blob(nil), s.closed...)
	s.mu.RUnlock()

	var out [][]byte

	recs, err := active.ReadAll(key)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if !r.Header.IsTombstone() {
			out = append(out, r.Data)
		}
	}

	for _, b := range closed {
		result, err := b.CheckFilters(key)
		if err != nil {
			return nil, err
		}
		if result == blobindex.NotContains {
			continue
		}
		recs, err := b.ReadAll(key)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !r.Header.IsTombstone() {
				out = append(out, r.Data)
			}
		}
	}
	return out, nil
}

// Contains reports whether key currently resolves to a non-tombstoned
// record, with the same pruning as Read.
func (s *Storage) Contains(key []byte) (bool, error) {
	_, err := s.Read(key)
	if err == pearlerr.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete appends a tombstone for key to the active blob.
func (s *Storage) Delete(key []byte) error {
	s.mu.RLock()
	active := s.active
	s.mu.RUnlock()
	return active.Delete(key)
}

// Close stops the observer, flushes the active blob, and releases the
// work-directory lock.
func (s *Storage) Close() error {
	s.obs.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.active.Fsync(); err != nil {
		return err
	}
	for _, b := range s.closed {
		if _, err := b.DumpIndex(); err != nil {
			return err
		}
		if err := b.Fsync(); err != nil {
			return err
		}
	}
	return s.lock.Release()
}

// Health reports the engine's current live state, per SPEC_FULL.md §3.1.
func (s *Storage) Health() HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lastErr := ""
	if err := s.obs.LastError(); err != nil {
		lastErr = err.Error()
	}

	return HealthReport{
		ActiveBlobID:    s.active.ID(),
		ActiveBlobSize:  s.active.FileSize(),
		ActiveBlobCount: s.active.RecordsCount(),
		ClosedBlobCount: len(s.closed),
		ObserverRunning: s.obs.Running(),
		ObserverLastErr: lastErr,
	}
}

// EncodeRecordHeader returns the record codec's encoding of h (its fixed
// header fields plus key) to callers outside the internal packages.
func EncodeRecordHeader(h recordcodec.RecordHeader) []byte {
	return recordcodec.EncodeHeader(h)
}
