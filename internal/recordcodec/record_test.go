package recordcodec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jpl-au/pearl/pearlerr"
)

func TestSerializeParseRoundTrip(t *testing.T) {
	rec := Record{
		Header: RecordHeader{
			Key:              []byte("0123456789abcdef"),
			BlobOffset:       128,
			CreatedTimestamp: 1_700_000_000,
		},
		Meta: []byte("meta-bytes"),
		Data: []byte("hello, record"),
	}

	buf := Serialize(rec)

	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(got.Header.Key, rec.Header.Key) {
		t.Errorf("Key = %q, want %q", got.Header.Key, rec.Header.Key)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Errorf("Data = %q, want %q", got.Data, rec.Data)
	}
	if !bytes.Equal(got.Meta, rec.Meta) {
		t.Errorf("Meta = %q, want %q", got.Meta, rec.Meta)
	}
	if got.Header.BlobOffset != 128 {
		t.Errorf("BlobOffset = %d, want 128", got.Header.BlobOffset)
	}
	if got.Header.IsTombstone() {
		t.Error("unexpected tombstone flag")
	}
}

func TestSerializeTombstone(t *testing.T) {
	rec := Record{Header: RecordHeader{Key: []byte("key0000"), Flags: FlagTombstone}}
	buf := Serialize(rec)
	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.Header.IsTombstone() {
		t.Error("expected tombstone flag to round-trip")
	}
}

func TestParseDetectsCorruption(t *testing.T) {
	rec := Record{Header: RecordHeader{Key: []byte("key0000")}, Data: []byte("payload")}
	buf := Serialize(rec)
	buf[len(buf)-1] ^= 0xFF // flip a data byte, CRC no longer matches

	_, err := Parse(buf)
	if !errors.Is(err, pearlerr.ErrCorrupted) {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
}

func TestParseHeaderShortBuffer(t *testing.T) {
	_, err := ParseHeader([]byte{1, 2, 3})
	if !errors.Is(err, pearlerr.ErrCorrupted) {
		t.Fatalf("err = %v, want ErrCorrupted", err)
	}
}

func TestSerializedSizeMatchesOutput(t *testing.T) {
	rec := Record{Header: RecordHeader{Key: []byte("12345678")}, Meta: []byte("m"), Data: []byte("data!")}
	buf := Serialize(rec)
	rec.Header.MetaSize = uint64(len(rec.Meta))
	rec.Header.DataSize = uint64(len(rec.Data))
	if int64(len(buf)) != SerializedSize(rec.Header) {
		t.Errorf("len(buf) = %d, SerializedSize = %d", len(buf), SerializedSize(rec.Header))
	}
}
