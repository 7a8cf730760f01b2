package pearl

import (
	"testing"
	"time"

	"github.com/jpl-au/pearl/config"
	"github.com/jpl-au/pearl/pearlerr"
)

func testConfig(t *testing.T, opts ...config.Option) config.Config {
	t.Helper()
	dir := t.TempDir()
	base := []config.Option{
		config.WithKeySize(8),
		config.WithCreateWorkDir(true),
		config.WithUpdateInterval(5 * time.Millisecond),
	}
	cfg, err := config.New(dir, "test", append(base, opts...)...)
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	return cfg
}

func fixedKey(n uint64) []byte {
	k := make([]byte, 8)
	for i := 0; i < 8; i++ {
		k[i] = byte(n >> (8 * i))
	}
	return k
}

func TestOpenCreatesActiveBlob(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	h := s.Health()
	if h.ActiveBlobID != 0 {
		t.Errorf("ActiveBlobID = %d, want 0", h.ActiveBlobID)
	}
	if !h.ObserverRunning {
		t.Error("ObserverRunning = false, want true right after Open")
	}
}

func TestWriteThenRead(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	key := fixedKey(1)
	if err := s.Write(key, []byte("hello"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read(key)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want %q", got, "hello")
	}
}

func TestReadMissingKeyReturnsNotFound(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Read(fixedKey(99)); err != pearlerr.ErrRecordNotFound {
		t.Errorf("Read(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestDeleteThenReadIsNotFound(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	key := fixedKey(2)
	if err := s.Write(key, []byte("v"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read(key); err != pearlerr.ErrRecordNotFound {
		t.Errorf("Read(deleted) error = %v, want ErrRecordNotFound", err)
	}

	ok, err := s.Contains(key)
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Error("Contains(deleted) = true, want false")
	}
}

func TestReadAllReturnsEveryDuplicate(t *testing.T) {
	cfg := testConfig(t, config.WithAllowDuplicates(true))
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	key := fixedKey(3)
	for _, v := range []string{"a", "b", "c"} {
		if err := s.Write(key, []byte(v), nil); err != nil {
			t.Fatalf("Write(%q): %v", v, err)
		}
	}

	all, err := s.ReadAll(key)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ReadAll returned %d records, want 3", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(all[i]) != want {
			t.Errorf("ReadAll[%d] = %q, want %q", i, all[i], want)
		}
	}
}

func TestWriteRejectsDuplicateByDefault(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	key := fixedKey(4)
	if err := s.Write(key, []byte("first"), nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(key, []byte("second"), nil); err != pearlerr.ErrAlreadyContainsSameKey {
		t.Errorf("second Write error = %v, want ErrAlreadyContainsSameKey", err)
	}
}

func TestRotationMovesOldBlobToClosedSet(t *testing.T) {
	cfg := testConfig(t, config.WithMaxDataInBlob(2), config.WithAllowDuplicates(true))
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := uint64(0); i < 5; i++ {
		if err := s.Write(fixedKey(i), []byte("v"), nil); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		h := s.Health()
		if h.ClosedBlobCount > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rotation to close a blob")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRotatedBlobKeysStillReadable(t *testing.T) {
	cfg := testConfig(t, config.WithMaxDataInBlob(2))
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	keys := make([][]byte, 6)
	for i := range keys {
		keys[i] = fixedKey(uint64(i))
		if err := s.Write(keys[i], []byte("payload"), nil); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		h := s.Health()
		if h.ClosedBlobCount >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rotation")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for i, k := range keys {
		got, err := s.Read(k)
		if err != nil {
			t.Fatalf("Read(key %d) after rotation: %v", i, err)
		}
		if string(got) != "payload" {
			t.Errorf("Read(key %d) = %q, want %q", i, got, "payload")
		}
	}
}

func TestOpenFailsWhenWorkDirAlreadyLocked(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := Open(cfg); err != pearlerr.ErrWorkDirInUse {
		t.Errorf("second Open error = %v, want ErrWorkDirInUse", err)
	}
}

func TestCloseThenReopenRecoversAllKeys(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.New(dir, "test", config.WithKeySize(8), config.WithCreateWorkDir(true),
		config.WithUpdateInterval(5*time.Millisecond), config.WithMaxDataInBlob(2))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keys := make([][]byte, 6)
	for i := range keys {
		keys[i] = fixedKey(uint64(i))
		if err := s.Write(keys[i], []byte("payload"), nil); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		if s.Health().ClosedBlobCount >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rotation before close")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	for i, k := range keys {
		got, err := s2.Read(k)
		if err != nil {
			t.Fatalf("Read(key %d) after reopen: %v", i, err)
		}
		if string(got) != "payload" {
			t.Errorf("Read(key %d) after reopen = %q, want %q", i, got, "payload")
		}
	}
}
