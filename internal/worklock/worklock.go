// Package worklock provides the cross-process work-directory lock that
// storage.init acquires before scanning for blob files (C8 /
// SPEC_FULL.md §4.6: "acquire work-dir lock").
//
// Adapted directly from the teacher's lock.go: same flock(2)/LockFileEx
// split and the same mu-guards-the-fd-lifetime discipline, narrowed from
// the teacher's general shared/exclusive primitive (used there for
// concurrent readers during compaction) to this engine's single use: one
// exclusive lock held for the process lifetime of an open storage
// instance, released on Close.
package worklock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/jpl-au/pearl/pearlerr"
)

// Lock coordinates OS-level exclusive file locking with safe handle
// teardown. mu serialises the flock syscall against Close so a concurrent
// Close cannot invalidate the fd mid-syscall.
type Lock struct {
	mu sync.Mutex
	f  *os.File
}

// Acquire opens (creating if necessary) workDir/lockFileName and takes an
// exclusive, non-blocking flock on it. Returns ErrWorkDirInUse if another
// process already holds it.
func Acquire(workDir, lockFileName string) (*Lock, error) {
	path := filepath.Join(workDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	l := &Lock{f: f}
	if err := l.lock(); err != nil {
		f.Close()
		return nil, pearlerr.ErrWorkDirInUse
	}
	return l, nil
}

// Release unlocks and closes the lock file. A no-op if already released.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.unlock()
	closeErr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return closeErr
}
