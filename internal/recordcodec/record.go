// Package recordcodec implements the on-disk record format: the
// RecordHeader fields plus the (key, meta, data) payload, CRC-protected and
// little-endian encoded per SPEC_FULL.md §4.8/§6.
//
// The distilled spec treats this codec as an external contract and only
// requires its semantic fields; a complete repository still has to
// implement it, since nothing else can turn a Record into blob bytes. The
// fixed-width header (as opposed to the teacher's JSON-line format) is
// grounded on this spec's own byte table in §6, not on the teacher, whose
// records are newline-delimited JSON; the teacher's *approach* — a small
// fixed prefix that lets callers byte-inspect a record before fully
// parsing it (see record.go's "idx" byte check) — carries over as the
// motivation for keeping the header fixed-width and front-loaded.
package recordcodec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/jpl-au/pearl/pearlerr"
)

// HeaderMagic identifies a record header, distinct from the blob file's
// own magic (0xDEAF_ABCD per SPEC_FULL.md §6).
const HeaderMagic uint64 = 0xFEED_FACE_CAFE_BEEF

// FlagTombstone marks a record as a delete marker (SPEC_FULL.md §4.6:
// "appends a tombstone record ... marked in RecordHeader.flags").
const FlagTombstone uint8 = 1 << 0

// fixedHeaderSize is the encoded width of everything in RecordHeader
// except the variable-length Key: magic(8) + flags(1) + key_size(4) +
// meta_size(8) + data_size(8) + blob_offset(8) + created(8) + crc(4).
const fixedHeaderSize = 8 + 1 + 4 + 8 + 8 + 8 + 8 + 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// RecordHeader carries a record's identity and placement, independent of
// its payload bytes — what the per-blob index stores and what the B+-tree
// leaves pack.
type RecordHeader struct {
	Key              []byte
	Flags            uint8
	MetaSize         uint64
	DataSize         uint64
	BlobOffset       uint64
	CreatedTimestamp int64
	CRC              uint32
}

// IsTombstone reports whether this header marks a delete.
func (h RecordHeader) IsTombstone() bool { return h.Flags&FlagTombstone != 0 }

// HeaderSize returns the encoded width of a header for the given key size.
func HeaderSize(keySize int) int64 { return int64(fixedHeaderSize + keySize) }

// SerializedSize returns the total on-disk width of a record with this
// header: header plus key, meta and data bytes.
func SerializedSize(h RecordHeader) int64 {
	return HeaderSize(len(h.Key)) + int64(h.MetaSize) + int64(h.DataSize)
}

// Record is a full in-memory record: header plus payload.
type Record struct {
	Header RecordHeader
	Meta   []byte
	Data   []byte
}

// Serialize encodes rec to its on-disk byte form. BlobOffset must already
// be set by the caller (the blob knows the append offset; the codec does
// not). MetaSize/DataSize/CRC are (re)computed from the payload.
func Serialize(rec Record) []byte {
	rec.Header.MetaSize = uint64(len(rec.Meta))
	rec.Header.DataSize = uint64(len(rec.Data))
	rec.Header.CRC = checksum(rec.Header.Key, rec.Meta, rec.Data)

	out := make([]byte, 0, SerializedSize(rec.Header))
	var tmp8 [8]byte

	binary.LittleEndian.PutUint64(tmp8[:], HeaderMagic)
	out = append(out, tmp8[:]...)
	out = append(out, rec.Header.Flags)

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(rec.Header.Key)))
	out = append(out, tmp4[:]...)

	binary.LittleEndian.PutUint64(tmp8[:], rec.Header.MetaSize)
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], rec.Header.DataSize)
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], rec.Header.BlobOffset)
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(rec.Header.CreatedTimestamp))
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], rec.Header.CRC)
	out = append(out, tmp4[:]...)

	out = append(out, rec.Header.Key...)
	out = append(out, rec.Meta...)
	out = append(out, rec.Data...)
	return out
}

// EncodeHeader serialises h's fixed fields plus its key, using exactly the
// values already present in h (unlike Serialize, it does not recompute
// MetaSize/DataSize/CRC from a payload). Used to persist headers on their
// own, such as the B+-tree index's leaf entries.
func EncodeHeader(h RecordHeader) []byte {
	out := make([]byte, 0, HeaderSize(len(h.Key)))
	var tmp8 [8]byte

	binary.LittleEndian.PutUint64(tmp8[:], HeaderMagic)
	out = append(out, tmp8[:]...)
	out = append(out, h.Flags)

	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(h.Key)))
	out = append(out, tmp4[:]...)

	binary.LittleEndian.PutUint64(tmp8[:], h.MetaSize)
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], h.DataSize)
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], h.BlobOffset)
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint64(tmp8[:], uint64(h.CreatedTimestamp))
	out = append(out, tmp8[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], h.CRC)
	out = append(out, tmp4[:]...)

	out = append(out, h.Key...)
	return out
}

// ParseHeader decodes only the fixed-width header plus the key, leaving
// the caller to read meta/data separately once it knows their sizes and
// offsets (that's how the index's get_any avoids reading payload bytes it
// doesn't need).
func ParseHeader(buf []byte) (RecordHeader, error) {
	if len(buf) < fixedHeaderSize {
		return RecordHeader{}, pearlerr.Corrupted("record header: short buffer")
	}
	magic := binary.LittleEndian.Uint64(buf[0:8])
	if magic != HeaderMagic {
		return RecordHeader{}, pearlerr.Corrupted("record header: magic mismatch")
	}
	flags := buf[8]
	keySize := binary.LittleEndian.Uint32(buf[9:13])
	metaSize := binary.LittleEndian.Uint64(buf[13:21])
	dataSize := binary.LittleEndian.Uint64(buf[21:29])
	blobOffset := binary.LittleEndian.Uint64(buf[29:37])
	created := binary.LittleEndian.Uint64(buf[37:45])
	crc := binary.LittleEndian.Uint32(buf[45:49])

	if len(buf) < fixedHeaderSize+int(keySize) {
		return RecordHeader{}, pearlerr.Corrupted("record header: short key")
	}
	key := make([]byte, keySize)
	copy(key, buf[fixedHeaderSize:fixedHeaderSize+int(keySize)])

	return RecordHeader{
		Key:              key,
		Flags:            flags,
		MetaSize:         metaSize,
		DataSize:         dataSize,
		BlobOffset:       blobOffset,
		CreatedTimestamp: int64(created),
		CRC:              crc,
	}, nil
}

// Parse decodes a full record (header + key + meta + data) from buf and
// verifies its CRC.
func Parse(buf []byte) (Record, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Record{}, err
	}
	keySize := len(h.Key)
	metaStart := fixedHeaderSize + keySize
	dataStart := metaStart + int(h.MetaSize)
	dataEnd := dataStart + int(h.DataSize)
	if len(buf) < dataEnd {
		return Record{}, pearlerr.Corrupted("record: short payload")
	}

	meta := append([]byte(nil), buf[metaStart:dataStart]...)
	data := append([]byte(nil), buf[dataStart:dataEnd]...)

	if checksum(h.Key, meta, data) != h.CRC {
		return Record{}, pearlerr.Corrupted("record: crc mismatch")
	}

	return Record{Header: h, Meta: meta, Data: data}, nil
}

func checksum(key, meta, data []byte) uint32 {
	crc := crc32.Checksum(key, crcTable)
	crc = crc32.Update(crc, crcTable, meta)
	crc = crc32.Update(crc, crcTable, data)
	return crc
}
