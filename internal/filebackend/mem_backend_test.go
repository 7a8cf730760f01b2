package filebackend

import (
	"bytes"
	"testing"
)

func TestMemBackendWriteReadAt(t *testing.T) {
	b := NewMem()
	if _, err := b.WriteAt([]byte("hello"), 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	sz, err := b.Size()
	if err != nil || sz != 15 {
		t.Fatalf("Size() = %d,%v want 15,nil", sz, err)
	}
	got := make([]byte, 5)
	if _, err := b.ReadAt(got, 10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("ReadAt = %q, want %q", got, "hello")
	}
}

func TestMemBackendReadAtOutOfRange(t *testing.T) {
	b := NewMem()
	if _, err := b.ReadAt(make([]byte, 4), 0); err == nil {
		t.Fatal("expected error reading past end of empty backend")
	}
}

func TestMemBackendReadAll(t *testing.T) {
	b := NewMem()
	b.WriteAt([]byte("abcdef"), 0)
	all, err := b.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(all, []byte("abcdef")) {
		t.Errorf("ReadAll = %q, want %q", all, "abcdef")
	}
}
