package blobindex

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zstd"

	"github.com/jpl-au/pearl/internal/bloomfilter"
	"github.com/jpl-au/pearl/internal/filebackend"
	"github.com/jpl-au/pearl/internal/rangefilter"
	"github.com/jpl-au/pearl/internal/recordcodec"
	"github.com/jpl-au/pearl/pearlerr"
)

// treeMagic identifies an on-disk B+-tree index file, distinct from the
// record header magic and the blob file magic.
const treeMagic uint64 = 0xB7_1D_EC_B7_1D_EC_B7_1D

// treeVersion is the on-disk format version named in SPEC_FULL.md §4.3.
const treeVersion uint32 = 4

const (
	nodeTagLeaf     byte = 'L'
	nodeTagInternal byte = 'I'
)

// treeHeaderSize is the encoded width of the fixed index header: magic(8)
// version(4) keySize(4) recordsCount(8) metaCompressedSize(8)
// metaRawSize(8) hasBloom(1) bloomBitsOffset(8) bloomBitsSize(8) leafSize(4)
// rootOffset(8).
const treeHeaderSize = 8 + 4 + 4 + 8 + 8 + 8 + 1 + 8 + 8 + 4 + 8

// onDiskTree is the loaded view of an on-disk B+-tree index file: enough
// to descend from its root and to answer filter checks, per SPEC_FULL.md
// §4.3's layout table.
type onDiskTree struct {
	keySize      int
	leafSize     int
	recordsCount int
	rootOffset   int64

	rangeFilter *rangefilter.Filter
	bloom       *bloomfilter.Filter
}

// buildOnDiskTree writes entries (already sorted by key) as a B+-tree file
// to backend: meta region (compressed), then bloom bits raw, then leaves,
// then internal nodes bottom-up, then the fixed header last. Returns the
// total bytes written and a tree handle reopened from what was just
// written (the same path Load/from_file use), so the caller's in-memory
// view matches exactly what a fresh process would see.
func buildOnDiskTree(backend filebackend.Backend, cfg Config, entries []recordcodec.RecordHeader, rng *rangefilter.Filter, bloom *bloomfilter.Filter) (int64, *onDiskTree, error) {
	leafSize := cfg.LeafSize
	if leafSize <= 0 {
		leafSize = 512
	}
	entryWidth := recordcodec.HeaderSize(cfg.KeySize)

	metaRaw := buildMetaRaw(cfg.KeySize, rng, bloom)
	metaCompressed, err := compressMeta(metaRaw)
	if err != nil {
		return 0, nil, err
	}

	offset := int64(treeHeaderSize)
	offset += int64(len(metaCompressed))

	var bloomBitsOffset int64
	var bloomBits []byte
	if bloom != nil {
		bloomBits, err = bloom.BitsRaw()
		if err != nil {
			return 0, nil, err
		}
		bloomBitsOffset = offset
		offset += int64(len(bloomBits))
	}

	leaves := packLeaves(entries, leafSize)
	leafOffsets := make([]int64, len(leaves))
	leafBytes := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		buf := encodeLeaf(leaf, entryWidth)
		leafOffsets[i] = offset
		leafBytes[i] = buf
		offset += int64(len(buf))
	}

	// Degenerate case: no entries at all still needs a root node so
	// descent has somewhere to land; an empty leaf at offset serves.
	if len(leaves) == 0 {
		buf := encodeLeaf(nil, entryWidth)
		leafOffsets = append(leafOffsets, offset)
		leafBytes = append(leafBytes, buf)
		offset += int64(len(buf))
	}

	separatorKeys := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) > 0 {
			separatorKeys[i] = leaf[0].Key
		} else {
			separatorKeys[i] = make([]byte, cfg.KeySize)
		}
	}
	if len(leaves) == 0 {
		separatorKeys = [][]byte{make([]byte, cfg.KeySize)}
	}

	rootOffset, nodeBuffers := buildInternalLevels(leafOffsets, separatorKeys, cfg.KeySize, offset)
	for _, buf := range nodeBuffers {
		offset += int64(len(buf))
	}

	// Single pass of writes now that every offset is known.
	writeOffset := int64(treeHeaderSize)
	if err := writeAt(backend, writeOffset, metaCompressed); err != nil {
		return 0, nil, err
	}
	writeOffset += int64(len(metaCompressed))

	if bloom != nil {
		if err := writeAt(backend, writeOffset, bloomBits); err != nil {
			return 0, nil, err
		}
		writeOffset += int64(len(bloomBits))
	}

	for _, buf := range leafBytes {
		if err := writeAt(backend, writeOffset, buf); err != nil {
			return 0, nil, err
		}
		writeOffset += int64(len(buf))
	}
	for _, buf := range nodeBuffers {
		if err := writeAt(backend, writeOffset, buf); err != nil {
			return 0, nil, err
		}
		writeOffset += int64(len(buf))
	}

	header := encodeTreeHeader(treeHeaderFields{
		keySize:            cfg.KeySize,
		recordsCount:       len(entries),
		metaCompressedSize: len(metaCompressed),
		metaRawSize:        len(metaRaw),
		hasBloom:           bloom != nil,
		bloomBitsOffset:    bloomBitsOffset,
		bloomBitsSize:      len(bloomBits),
		leafSize:           leafSize,
		rootOffset:         rootOffset,
	})
	if err := writeAt(backend, 0, header); err != nil {
		return 0, nil, err
	}

	if err := backend.Sync(); err != nil {
		return 0, nil, err
	}

	tree, err := openOnDiskTree(backend)
	if err != nil {
		return 0, nil, err
	}
	return offset, tree, nil
}

func writeAt(backend filebackend.Backend, off int64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	_, err := backend.WriteAt(buf, off)
	return err
}

func buildMetaRaw(keySize int, rng *rangefilter.Filter, bloom *bloomfilter.Filter) []byte {
	var buf bytes.Buffer
	if rng == nil {
		rng = rangefilter.New()
	}
	buf.Write(rng.ToRaw(keySize))
	if bloom != nil {
		buf.WriteByte(1)
		buf.Write(bloom.EncodeHeader())
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func compressMeta(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decompressMeta(compressed []byte, rawSize int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, pearlerr.Corrupted("index meta region: " + err.Error())
	}
	return out, nil
}

func packLeaves(entries []recordcodec.RecordHeader, leafSize int) [][]recordcodec.RecordHeader {
	var leaves [][]recordcodec.RecordHeader
	for i := 0; i < len(entries); i += leafSize {
		end := i + leafSize
		if end > len(entries) {
			end = len(entries)
		}
		leaves = append(leaves, entries[i:end])
	}
	return leaves
}

func encodeLeaf(leaf []recordcodec.RecordHeader, entryWidth int64) []byte {
	buf := make([]byte, 0, 5+int(entryWidth)*len(leaf))
	buf = append(buf, nodeTagLeaf)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(leaf)))
	buf = append(buf, count[:]...)
	for _, h := range leaf {
		buf = append(buf, recordcodec.EncodeHeader(h)...)
	}
	return buf
}

// buildInternalLevels constructs internal node levels bottom-up over the
// given child offsets (already absolute — leaf offsets on the first call)
// and their separator keys (the first key of each child), grouping by a
// fixed fanout at every level. base is the absolute offset at which the
// first internal-node buffer will land; since every buffer is placed
// sequentially right after the previous one, each node's absolute offset
// is known the instant it is built, so child references embedded in the
// next level up are always real file offsets, never placeholders. Returns
// the final root's offset and every node buffer, in write order.
func buildInternalLevels(childOffsets []int64, separators [][]byte, keySize int, base int64) (int64, [][]byte) {
	// With a single child, that child IS the root; no internal node needed.
	if len(childOffsets) == 1 {
		return childOffsets[0], nil
	}

	const fanout = 64 // internal node fanout, independent of leaf fanout

	var allBuffers [][]byte
	next := base
	levelOffsets := childOffsets
	levelSeparators := separators

	for len(levelOffsets) > 1 {
		var nextOffsets []int64
		var nextSeparators [][]byte

		for i := 0; i < len(levelOffsets); i += fanout {
			end := i + fanout
			if end > len(levelOffsets) {
				end = len(levelOffsets)
			}
			children := levelOffsets[i:end]
			seps := levelSeparators[i:end]

			buf := encodeInternalNode(children, seps[1:], keySize)
			allBuffers = append(allBuffers, buf)
			nextOffsets = append(nextOffsets, next)
			next += int64(len(buf))
			nextSeparators = append(nextSeparators, seps[0])
		}

		levelOffsets = nextOffsets
		levelSeparators = nextSeparators
	}

	return levelOffsets[0], allBuffers
}

func encodeInternalNode(childRefs []int64, separators [][]byte, keySize int) []byte {
	n := len(separators)
	buf := make([]byte, 0, 1+4+n*keySize+(n+1)*8)
	buf = append(buf, nodeTagInternal)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(n))
	buf = append(buf, count[:]...)
	for _, s := range separators {
		padded := make([]byte, keySize)
		copy(padded, s)
		buf = append(buf, padded...)
	}
	for _, ref := range childRefs {
		var off [8]byte
		binary.LittleEndian.PutUint64(off[:], uint64(ref))
		buf = append(buf, off[:]...)
	}
	return buf
}

type treeHeaderFields struct {
	keySize            int
	recordsCount       int
	metaCompressedSize int
	metaRawSize        int
	hasBloom           bool
	bloomBitsOffset    int64
	bloomBitsSize      int
	leafSize           int
	rootOffset         int64
}

func encodeTreeHeader(f treeHeaderFields) []byte {
	buf := make([]byte, treeHeaderSize)
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], treeMagic)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], treeVersion)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], uint32(f.keySize))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(f.recordsCount))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(f.metaCompressedSize))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(f.metaRawSize))
	o += 8
	if f.hasBloom {
		buf[o] = 1
	}
	o++
	binary.LittleEndian.PutUint64(buf[o:], uint64(f.bloomBitsOffset))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(f.bloomBitsSize))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(f.leafSize))
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], uint64(f.rootOffset))
	return buf
}

func decodeTreeHeader(buf []byte) (treeHeaderFields, error) {
	if len(buf) < treeHeaderSize {
		return treeHeaderFields{}, pearlerr.Corrupted("index header: short buffer")
	}
	o := 0
	magic := binary.LittleEndian.Uint64(buf[o:])
	o += 8
	if magic != treeMagic {
		return treeHeaderFields{}, pearlerr.Corrupted("index header: magic mismatch")
	}
	version := binary.LittleEndian.Uint32(buf[o:])
	o += 4
	if version != treeVersion {
		return treeHeaderFields{}, pearlerr.ValidationFailed("index header: unsupported version")
	}
	var f treeHeaderFields
	f.keySize = int(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	f.recordsCount = int(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	f.metaCompressedSize = int(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	f.metaRawSize = int(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	f.hasBloom = buf[o] == 1
	o++
	f.bloomBitsOffset = int64(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	f.bloomBitsSize = int(binary.LittleEndian.Uint64(buf[o:]))
	o += 8
	f.leafSize = int(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	f.rootOffset = int64(binary.LittleEndian.Uint64(buf[o:]))
	return f, nil
}

// openOnDiskTree reads and validates an index file's header and meta
// region from backend, returning a tree ready for descent.
func openOnDiskTree(backend filebackend.Backend) (*onDiskTree, error) {
	header := make([]byte, treeHeaderSize)
	if _, err := backend.ReadAt(header, 0); err != nil {
		return nil, err
	}
	f, err := decodeTreeHeader(header)
	if err != nil {
		return nil, err
	}

	metaCompressed := make([]byte, f.metaCompressedSize)
	if _, err := backend.ReadAt(metaCompressed, treeHeaderSize); err != nil {
		return nil, err
	}
	metaRaw, err := decompressMeta(metaCompressed, f.metaRawSize)
	if err != nil {
		return nil, err
	}

	rng := rangefilter.FromRaw(metaRaw[:1+2*f.keySize], f.keySize)

	var bloom *bloomfilter.Filter
	rest := metaRaw[1+2*f.keySize:]
	if len(rest) > 0 && rest[0] == 1 {
		bloom, err = bloomfilter.DecodeHeader(rest[1:])
		if err != nil {
			return nil, err
		}
		bloom.SetDiskOffset(f.bloomBitsOffset)
		bloom.OffloadFromMemory()
	}

	return &onDiskTree{
		keySize:      f.keySize,
		leafSize:     f.leafSize,
		recordsCount: f.recordsCount,
		rootOffset:   f.rootOffset,
		rangeFilter:  rng,
		bloom:        bloom,
	}, nil
}

// findByKey descends from the root, binary-searching separators at each
// internal node, then sweeping the located leaf for every entry matching
// key, per SPEC_FULL.md §4.3's search algorithm.
func (t *onDiskTree) findByKey(backend filebackend.Backend, key []byte) ([]recordcodec.RecordHeader, error) {
	leafOffset, err := t.descend(backend, t.rootOffset, key)
	if err != nil {
		return nil, err
	}
	return t.scanLeafForKey(backend, leafOffset, key)
}

func (t *onDiskTree) descend(backend filebackend.Backend, offset int64, key []byte) (int64, error) {
	var tag [1]byte
	if _, err := backend.ReadAt(tag[:], offset); err != nil {
		return 0, err
	}
	if tag[0] == nodeTagLeaf {
		return offset, nil
	}
	if tag[0] != nodeTagInternal {
		return 0, pearlerr.Corrupted("index tree: unknown node tag")
	}

	countBuf := make([]byte, 4)
	if _, err := backend.ReadAt(countBuf, offset+1); err != nil {
		return 0, err
	}
	n := int(binary.LittleEndian.Uint32(countBuf))

	sepBuf := make([]byte, n*t.keySize)
	if n > 0 {
		if _, err := backend.ReadAt(sepBuf, offset+5); err != nil {
			return 0, err
		}
	}

	childBuf := make([]byte, (n+1)*8)
	if _, err := backend.ReadAt(childBuf, offset+5+int64(n*t.keySize)); err != nil {
		return 0, err
	}

	childIdx := 0
	for i := 0; i < n; i++ {
		sep := sepBuf[i*t.keySize : (i+1)*t.keySize]
		if bytes.Compare(key, sep) < 0 {
			break
		}
		childIdx = i + 1
	}
	childOffset := int64(binary.LittleEndian.Uint64(childBuf[childIdx*8:]))
	return t.descend(backend, childOffset, key)
}

func (t *onDiskTree) scanLeafForKey(backend filebackend.Backend, leafOffset int64, key []byte) ([]recordcodec.RecordHeader, error) {
	leaf, err := t.readLeaf(backend, leafOffset)
	if err != nil {
		return nil, err
	}
	var out []recordcodec.RecordHeader
	for _, h := range leaf {
		if bytes.Equal(h.Key, key) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (t *onDiskTree) readLeaf(backend filebackend.Backend, offset int64) ([]recordcodec.RecordHeader, error) {
	prefix := make([]byte, 5)
	if _, err := backend.ReadAt(prefix, offset); err != nil {
		return nil, err
	}
	if prefix[0] != nodeTagLeaf {
		return nil, pearlerr.Corrupted("index tree: expected leaf node")
	}
	count := int(binary.LittleEndian.Uint32(prefix[1:5]))
	if count == 0 {
		return nil, nil
	}

	entryWidth := int(recordcodec.HeaderSize(t.keySize))
	buf := make([]byte, count*entryWidth)
	if _, err := backend.ReadAt(buf, offset+5); err != nil {
		return nil, err
	}

	out := make([]recordcodec.RecordHeader, count)
	for i := 0; i < count; i++ {
		h, err := recordcodec.ParseHeader(buf[i*entryWidth : (i+1)*entryWidth])
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

// loadAll walks every leaf left-to-right and concatenates their entries,
// for Index.Load's OnDisk-to-InMemory transition.
func (t *onDiskTree) loadAll(backend filebackend.Backend) ([]recordcodec.RecordHeader, error) {
	var out []recordcodec.RecordHeader
	err := t.walkLeaves(backend, t.rootOffset, func(entries []recordcodec.RecordHeader) {
		out = append(out, entries...)
	})
	return out, err
}

func (t *onDiskTree) walkLeaves(backend filebackend.Backend, offset int64, visit func([]recordcodec.RecordHeader)) error {
	var tag [1]byte
	if _, err := backend.ReadAt(tag[:], offset); err != nil {
		return err
	}
	if tag[0] == nodeTagLeaf {
		entries, err := t.readLeaf(backend, offset)
		if err != nil {
			return err
		}
		visit(entries)
		return nil
	}

	countBuf := make([]byte, 4)
	if _, err := backend.ReadAt(countBuf, offset+1); err != nil {
		return err
	}
	n := int(binary.LittleEndian.Uint32(countBuf))
	childBuf := make([]byte, (n+1)*8)
	if _, err := backend.ReadAt(childBuf, offset+5+int64(n*t.keySize)); err != nil {
		return err
	}
	for i := 0; i <= n; i++ {
		childOffset := int64(binary.LittleEndian.Uint64(childBuf[i*8:]))
		if err := t.walkLeaves(backend, childOffset, visit); err != nil {
			return err
		}
	}
	return nil
}
