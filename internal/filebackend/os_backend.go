package filebackend

import (
	"io"
	"os"

	"github.com/jpl-au/pearl/internal/ioretry"
)

// OSBackend adapts an *os.File to Backend, retrying transient I/O errors
// via ioretry rather than surfacing them to callers (SPEC_FULL.md §5).
type OSBackend struct {
	f *os.File
}

// NewOS wraps an already-open file.
func NewOS(f *os.File) *OSBackend { return &OSBackend{f: f} }

func (b *OSBackend) ReadAt(p []byte, off int64) (int, error) {
	return ioretry.Do(func() (int, error) { return b.f.ReadAt(p, off) })
}

func (b *OSBackend) WriteAt(p []byte, off int64) (int, error) {
	return ioretry.Do(func() (int, error) { return b.f.WriteAt(p, off) })
}

func (b *OSBackend) ReadAll() ([]byte, error) {
	sz, err := b.Size()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(io.NewSectionReader(b.f, 0, sz), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *OSBackend) Size() (int64, error) {
	info, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *OSBackend) Sync() error { return b.f.Sync() }

// File returns the underlying *os.File for callers that need lower-level
// access (e.g. to close it, or to obtain its fd for flock).
func (b *OSBackend) File() *os.File { return b.f }
