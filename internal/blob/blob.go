// Package blob implements a single blob file (C6 / SPEC_FULL.md §4.4): a
// sequential log of records guarded by an in-memory-or-on-disk index, with
// two open paths (open_new, from_file) and the active/closed state
// machine described in §4.4.
//
// Grounded on the teacher's db.go for the open/create/handle-management
// shape (separate reader/writer handles, fileLock, atomic state) and on
// write.go/read.go for the append-offset and positional I/O idioms; the
// record format itself comes from recordcodec (§4.8) rather than the
// teacher's JSON lines.
package blob

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpl-au/pearl/internal/blobindex"
	"github.com/jpl-au/pearl/internal/bloomfilter"
	"github.com/jpl-au/pearl/internal/filebackend"
	"github.com/jpl-au/pearl/internal/ioretry"
	"github.com/jpl-au/pearl/internal/recordcodec"
	"github.com/jpl-au/pearl/pearlerr"
)

// FileMagic identifies a blob file, per SPEC_FULL.md §6.
const FileMagic uint64 = 0xDEAF_ABCD

// FileVersion is the blob file format version.
const FileVersion uint32 = 1

// fileHeaderSize is magic(8) + version(4) + flags(8).
const fileHeaderSize = 8 + 4 + 8

// State distinguishes a blob still accepting writes from one that has
// been rotated out.
type State int

const (
	Active State = iota
	Closed
)

// Name identifies a blob by its numeric id, rendered into the
// `{prefix}.{id}.blob` / `{prefix}.{id}.index` filename pair per
// SPEC_FULL.md §6.
type Name struct {
	Prefix string
	ID     uint64
}

func (n Name) blobFile() string  { return fmt.Sprintf("%s.%d.blob", n.Prefix, n.ID) }
func (n Name) indexFile() string { return fmt.Sprintf("%s.%d.index", n.Prefix, n.ID) }

// Blob is one sequential record log plus its index.
type Blob struct {
	mu sync.RWMutex

	name    Name
	workDir string
	keySize int

	file    *os.File
	backend filebackend.Backend
	index   *blobindex.Index

	size  atomic.Int64
	state State
}

// OpenNew creates a fresh blob file under workDir, writes its header, and
// gives it an empty InMemory index. Fails if the file already exists.
func OpenNew(workDir string, name Name, keySize int, idxCfg blobindex.Config) (*Blob, error) {
	path := filepath.Join(workDir, name.blobFile())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, pearlerr.ErrBlobExists
		}
		return nil, err
	}

	header := encodeFileHeader()
	if _, err := ioretry.Do(func() (int, error) { return f.WriteAt(header, 0) }); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}

	b := &Blob{
		name:    name,
		workDir: workDir,
		keySize: keySize,
		file:    f,
		backend: filebackend.NewOS(f),
		index:   blobindex.New(idxCfg),
		state:   Active,
	}
	b.size.Store(int64(fileHeaderSize))
	return b, nil
}

// FromFile opens an existing blob file, validating its header. If a
// companion index file exists and parses cleanly, the index opens OnDisk;
// otherwise the blob is rebuilt by scanning its records sequentially,
// verifying each record's CRC as it goes, per SPEC_FULL.md §4.4.
func FromFile(workDir string, name Name, keySize int, idxCfg blobindex.Config) (*Blob, error) {
	path := filepath.Join(workDir, name.blobFile())
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	header := make([]byte, fileHeaderSize)
	if _, err := ioretry.Do(func() (int, error) { return f.ReadAt(header, 0) }); err != nil {
		f.Close()
		return nil, err
	}
	if err := validateFileHeader(header); err != nil {
		f.Close()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	backend := filebackend.NewOS(f)
	b := &Blob{
		name:    name,
		workDir: workDir,
		keySize: keySize,
		file:    f,
		backend: backend,
		state:   Closed,
	}
	b.size.Store(info.Size())

	indexPath := filepath.Join(workDir, name.indexFile())
	if idxFile, err := os.OpenFile(indexPath, os.O_RDWR, 0644); err == nil {
		idx, loadErr := blobindex.LoadFromBackend(idxCfg, filebackend.NewOS(idxFile))
		if loadErr == nil {
			b.index = idx
			return b, nil
		}
		idxFile.Close()
	}

	idx, err := b.rebuildIndexByScan(idxCfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	b.index = idx
	return b, nil
}

// rebuildIndexByScan walks every record in the blob file from just past
// the header to EOF, verifying each CRC, and pushes a header into a fresh
// InMemory index for each valid record. A short or corrupt trailing
// record (the signature of a crash mid-append) truncates the scan rather
// than failing it outright.
func (b *Blob) rebuildIndexByScan(idxCfg blobindex.Config) (*blobindex.Index, error) {
	idx := blobindex.New(idxCfg)

	all, err := b.backend.ReadAll()
	if err != nil {
		return nil, err
	}

	offset := int64(fileHeaderSize)
	for offset < int64(len(all)) {
		remaining := all[offset:]
		rec, err := recordcodec.Parse(remaining)
		if err != nil {
			break // trailing corruption from a crash mid-append; stop here
		}
		h := rec.Header
		h.BlobOffset = uint64(offset)
		if err := idx.Push(h); err != nil {
			return nil, err
		}
		offset += recordcodec.SerializedSize(h)
	}
	return idx, nil
}

// Write appends record to the blob under its exclusive write lock,
// returning the header assigned to it (with BlobOffset populated). On I/O
// failure the blob's size counter is left untouched so the write can be
// retried.
func (b *Blob) Write(key, meta, data []byte, allowDuplicates bool) (recordcodec.RecordHeader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Active {
		return recordcodec.RecordHeader{}, pearlerr.ErrIndexClosed
	}
	if len(key) != b.keySize {
		return recordcodec.RecordHeader{}, pearlerr.ErrKeySizeMismatch
	}
	if !allowDuplicates {
		if exists, err := b.index.ContainsKey(key); err != nil {
			return recordcodec.RecordHeader{}, err
		} else if exists {
			return recordcodec.RecordHeader{}, pearlerr.ErrAlreadyContainsSameKey
		}
	}

	offset := b.size.Load()
	rec := recordcodec.Record{
		Header: recordcodec.RecordHeader{
			Key:              key,
			BlobOffset:       uint64(offset),
			CreatedTimestamp: time.Now().UnixMilli(),
		},
		Meta: meta,
		Data: data,
	}
	buf := recordcodec.Serialize(rec)

	if _, err := ioretry.Do(func() (int, error) { return b.backend.WriteAt(buf, offset) }); err != nil {
		return recordcodec.RecordHeader{}, err
	}

	finalHeader, err := recordcodec.ParseHeader(buf)
	if err != nil {
		return recordcodec.RecordHeader{}, err
	}
	finalHeader.BlobOffset = uint64(offset)
	if err := b.index.Push(finalHeader); err != nil {
		return recordcodec.RecordHeader{}, err
	}

	b.size.Store(offset + int64(len(buf)))
	return finalHeader, nil
}

// Delete appends a tombstone record for key, marking prior records for it
// superseded. SPEC_FULL.md §4.6: "appends a tombstone record to the
// active blob".
func (b *Blob) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Active {
		return pearlerr.ErrIndexClosed
	}

	offset := b.size.Load()
	rec := recordcodec.Record{
		Header: recordcodec.RecordHeader{
			Key:              key,
			Flags:            recordcodec.FlagTombstone,
			BlobOffset:       uint64(offset),
			CreatedTimestamp: time.Now().UnixMilli(),
		},
	}
	buf := recordcodec.Serialize(rec)

	if _, err := ioretry.Do(func() (int, error) { return b.backend.WriteAt(buf, offset) }); err != nil {
		return err
	}

	h, err := recordcodec.ParseHeader(buf)
	if err != nil {
		return err
	}
	h.BlobOffset = uint64(offset)
	if err := b.index.Push(h); err != nil {
		return err
	}
	b.size.Store(offset + int64(len(buf)))
	return nil
}

// Read returns the most recently written record for key, or
// ErrRecordNotFound if that record is a tombstone.
// The filter gate is consulted first; a NeedsCheck result falls through to
// the index's actual lookup.
func (b *Blob) Read(key []byte) (recordcodec.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h, ok, err := b.index.GetAny(key)
	if err != nil {
		return recordcodec.Record{}, err
	}
	if !ok {
		return recordcodec.Record{}, pearlerr.ErrRecordNotFound
	}
	if h.IsTombstone() {
		return recordcodec.Record{}, pearlerr.ErrRecordNotFound
	}
	return b.readAt(h)
}

// ReadAll returns every record matching key, newest-last (insertion
// order), including tombstones; callers filter as needed.
func (b *Blob) ReadAll(key []byte) ([]recordcodec.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	headers, err := b.index.GetAll(key)
	if err != nil {
		return nil, err
	}
	out := make([]recordcodec.Record, 0, len(headers))
	for _, h := range headers {
		rec, err := b.readAt(h)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *Blob) readAt(h recordcodec.RecordHeader) (recordcodec.Record, error) {
	size := recordcodec.SerializedSize(h)
	buf := make([]byte, size)
	if _, err := ioretry.Do(func() (int, error) { return b.backend.ReadAt(buf, int64(h.BlobOffset)) }); err != nil {
		return recordcodec.Record{}, err
	}
	return recordcodec.Parse(buf)
}

// ContainsKey reports whether any (possibly tombstoned) record exists for
// key.
func (b *Blob) ContainsKey(key []byte) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.ContainsKey(key)
}

// CheckFilters exposes the index's filter gate directly, for the storage
// core's filter-then-read pruning across many blobs.
func (b *Blob) CheckFilters(key []byte) (blobindex.FilterResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.CheckFilters(key)
}

// RecordsCount returns the index's record count.
func (b *Blob) RecordsCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Count()
}

// FileSize returns the blob file's current size in bytes.
func (b *Blob) FileSize() int64 { return b.size.Load() }

// ID returns the blob's numeric id.
func (b *Blob) ID() uint64 { return b.name.ID }

// BloomFilter returns the blob's index's bloom filter (nil if bloom
// filtering is disabled), for folding into the storage core's
// hierarchical bloom tree once this blob closes.
func (b *Blob) BloomFilter() *bloomfilter.Filter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Bloom()
}

// Path returns the blob file's full path.
func (b *Blob) Path() string { return filepath.Join(b.workDir, b.name.blobFile()) }

// State reports whether the blob is still Active or has been Closed.
func (b *Blob) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Close marks the blob Closed, preventing further writes. Rotation
// callers still need to DumpIndex and Fsync separately.
func (b *Blob) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
}

// DumpIndex triggers the index's transition to its on-disk B+-tree form,
// writing the companion `.index` file. Intended for background
// invocation on closed blobs, per SPEC_FULL.md §4.4.
func (b *Blob) DumpIndex() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index.State() == blobindex.OnDisk {
		return 0, nil
	}

	indexPath := filepath.Join(b.workDir, b.name.indexFile())
	f, err := os.OpenFile(indexPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	written, err := b.index.Dump(filebackend.NewOS(f))
	if err != nil {
		f.Close()
		return 0, err
	}
	return written, nil
}

// Fsync flushes the blob file. The index file is not synced here; the
// dump that writes it (DumpIndex) fsyncs it before returning.
func (b *Blob) Fsync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend.Sync()
}

func encodeFileHeader() []byte {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], FileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], FileVersion)
	binary.LittleEndian.PutUint64(buf[12:20], 0) // flags, reserved
	return buf
}

func validateFileHeader(buf []byte) error {
	if len(buf) < fileHeaderSize {
		return pearlerr.Corrupted("blob header: short buffer")
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != FileMagic {
		return pearlerr.Corrupted("blob header: magic mismatch")
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != FileVersion {
		return pearlerr.ValidationFailed("blob header: unsupported version")
	}
	return nil
}
