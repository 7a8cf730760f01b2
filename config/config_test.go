package config

import (
	"testing"
	"time"

	"github.com/jpl-au/pearl/pearlerr"
)

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New("/tmp/work", "prefix", WithKeySize(8))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.UpdateInterval != 100*time.Millisecond {
		t.Errorf("UpdateInterval = %v, want 100ms", c.UpdateInterval)
	}
	if c.BloomFilterGroupSize != 8 {
		t.Errorf("BloomFilterGroupSize = %d, want 8", c.BloomFilterGroupSize)
	}
	if c.LeafSize != 512 {
		t.Errorf("LeafSize = %d, want 512", c.LeafSize)
	}
	if c.DumpSemSize != 1 {
		t.Errorf("DumpSemSize = %d, want 1", c.DumpSemSize)
	}
	if c.CorruptedDirName != "corrupted" {
		t.Errorf("CorruptedDirName = %q, want %q", c.CorruptedDirName, "corrupted")
	}
	if c.Bloom == nil {
		t.Fatal("Bloom config should default to enabled")
	}
}

func TestNewRequiresWorkDir(t *testing.T) {
	if _, err := New("", "prefix", WithKeySize(8)); err != pearlerr.ErrUninitialized {
		t.Fatalf("err = %v, want ErrUninitialized", err)
	}
}

func TestNewRequiresKeySize(t *testing.T) {
	if _, err := New("/tmp/work", "prefix"); err != pearlerr.ErrUninitialized {
		t.Fatalf("err = %v, want ErrUninitialized", err)
	}
}

func TestWithoutBloomDisables(t *testing.T) {
	c, err := New("/tmp/work", "prefix", WithKeySize(8), WithoutBloom())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Bloom != nil {
		t.Error("Bloom should be nil after WithoutBloom")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c, err := New("/tmp/work", "prefix",
		WithKeySize(16),
		WithMaxBlobSize(1<<20),
		WithMaxDataInBlob(100),
		WithAllowDuplicates(true),
		WithIgnoreCorrupted(true),
		WithBloomFilterGroupSize(4),
		WithLeafSize(128),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.KeySize != 16 || c.MaxBlobSize != 1<<20 || c.MaxDataInBlob != 100 {
		t.Errorf("unexpected config: %+v", c)
	}
	if !c.AllowDuplicates || !c.IgnoreCorrupted {
		t.Errorf("boolean options not applied: %+v", c)
	}
	if c.BloomFilterGroupSize != 4 || c.LeafSize != 128 {
		t.Errorf("numeric options not applied: %+v", c)
	}
}
