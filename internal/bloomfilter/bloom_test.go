package bloomfilter

import (
	"fmt"
	"testing"

	"github.com/jpl-au/pearl/internal/filebackend"
)

func testConfig() Config {
	return Config{Elements: 1000, Hashers: 4, MaxBits: 1 << 20, Step: 1024, TargetFPR: 0.01}
}

func TestSizeBitsGrowsWithElements(t *testing.T) {
	small := sizeBits(Config{Elements: 10, Hashers: 4, MaxBits: 1 << 20, Step: 64, TargetFPR: 0.01})
	big := sizeBits(Config{Elements: 10000, Hashers: 4, MaxBits: 1 << 20, Step: 64, TargetFPR: 0.01})
	if big <= small {
		t.Errorf("m did not grow with elements: small=%d big=%d", small, big)
	}
}

func TestSizeBitsCapsAtMaxBits(t *testing.T) {
	cfg := Config{Elements: 1_000_000, Hashers: 8, MaxBits: 4096, Step: 128, TargetFPR: 0.0001}
	m := sizeBits(cfg)
	if m > cfg.MaxBits {
		t.Errorf("m = %d exceeds MaxBits %d", m, cfg.MaxBits)
	}
}

func TestAddContainsInMemory(t *testing.T) {
	f := New(testConfig())
	f.Add([]byte("present"))

	present, ok := f.ContainsInMemory([]byte("present"))
	if !ok || !present {
		t.Fatalf("ContainsInMemory(present) = (%v, %v), want (true, true)", present, ok)
	}

	_, ok = f.ContainsInMemory([]byte("absent"))
	if !ok {
		t.Fatal("ContainsInMemory should report ok=true while in memory")
	}
}

func TestContainsInMemoryAfterOffload(t *testing.T) {
	f := New(testConfig())
	f.Add([]byte("present"))
	f.OffloadFromMemory()

	if _, ok := f.ContainsInMemory([]byte("present")); ok {
		t.Error("ContainsInMemory should report ok=false once offloaded")
	}
	if !f.Offloaded() {
		t.Error("Offloaded() should be true after OffloadFromMemory")
	}
}

func TestOffloadThenContainsOnDiskRoundTrip(t *testing.T) {
	f := New(testConfig())
	keys := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for _, k := range keys {
		f.Add(k)
	}

	raw, err := f.BitsRaw()
	if err != nil {
		t.Fatalf("BitsRaw: %v", err)
	}

	backend := filebackend.NewMem()
	if _, err := backend.WriteAt(raw, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	f.SetDiskOffset(0)
	f.OffloadFromMemory()

	for _, k := range keys {
		present, err := f.ContainsOnDisk(backend, k)
		if err != nil {
			t.Fatalf("ContainsOnDisk(%q): %v", k, err)
		}
		if !present {
			t.Errorf("ContainsOnDisk(%q) = false, want true", k)
		}
	}
}

func TestBitsRawFailsAfterOffload(t *testing.T) {
	f := New(testConfig())
	f.OffloadFromMemory()
	if _, err := f.BitsRaw(); err == nil {
		t.Error("BitsRaw should fail once offloaded")
	}
}

func TestMergeCompatible(t *testing.T) {
	a := New(testConfig())
	b := New(testConfig())
	a.Add([]byte("only-in-a"))
	b.Add([]byte("only-in-b"))

	if ok := a.Merge(b); !ok {
		t.Fatal("Merge should succeed for compatible filters")
	}

	for _, key := range [][]byte{[]byte("only-in-a"), []byte("only-in-b")} {
		present, ok := a.ContainsInMemory(key)
		if !ok || !present {
			t.Errorf("ContainsInMemory(%q) = (%v, %v) after merge, want (true, true)", key, present, ok)
		}
	}
}

func TestMergeIncompatibleFails(t *testing.T) {
	a := New(testConfig())
	b := New(Config{Elements: 50, Hashers: 3, MaxBits: 1 << 20, Step: 1024, TargetFPR: 0.01})

	if ok := a.Merge(b); ok {
		t.Error("Merge should fail for filters with different parameters")
	}
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	f := New(testConfig())
	header := f.EncodeHeader()

	restored, err := DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if restored.m != f.m {
		t.Errorf("m = %d, want %d", restored.m, f.m)
	}
	if restored.cfg != f.cfg {
		t.Errorf("cfg = %+v, want %+v", restored.cfg, f.cfg)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	if _, err := DecodeHeader([]byte{1, 2, 3}); err == nil {
		t.Error("DecodeHeader should fail on a short buffer")
	}
}

func TestLoadBitsRoundTrip(t *testing.T) {
	f := New(testConfig())
	f.Add([]byte("roundtrip"))
	raw, err := f.BitsRaw()
	if err != nil {
		t.Fatalf("BitsRaw: %v", err)
	}

	loaded := New(testConfig())
	if err := loaded.LoadBits(raw); err != nil {
		t.Fatalf("LoadBits: %v", err)
	}
	present, ok := loaded.ContainsInMemory([]byte("roundtrip"))
	if !ok || !present {
		t.Errorf("ContainsInMemory after LoadBits = (%v, %v), want (true, true)", present, ok)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	f := New(testConfig())
	f.Add([]byte("original"))

	clone := f.Clone()
	clone.Add([]byte("clone-only"))

	if present, _ := f.ContainsInMemory([]byte("clone-only")); present {
		t.Error("mutating a clone should not affect the source filter")
	}
}

// TestFalsePositiveRateSanity exercises testable property 5 from
// SPEC_FULL.md §8: with TargetFPR configured at 1%, observed false
// positives over a disjoint key set should stay within an order of
// magnitude of the target.
func TestFalsePositiveRateSanity(t *testing.T) {
	cfg := Config{Elements: 2000, Hashers: 7, MaxBits: 1 << 22, Step: 4096, TargetFPR: 0.01}
	f := New(cfg)

	for i := 0; i < cfg.Elements; i++ {
		f.Add([]byte(fmt.Sprintf("inserted-key-%d", i)))
	}

	falsePositives := 0
	trials := 5000
	for i := 0; i < trials; i++ {
		present, _ := f.ContainsInMemory([]byte(fmt.Sprintf("absent-key-%d", i)))
		if present {
			falsePositives++
		}
	}

	rate := float64(falsePositives) / float64(trials)
	if rate > cfg.TargetFPR*10 {
		t.Errorf("observed FPR %.4f far exceeds target %.4f", rate, cfg.TargetFPR)
	}
}
