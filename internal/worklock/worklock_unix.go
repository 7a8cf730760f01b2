//go:build unix || linux || darwin

package worklock

import "syscall"

// lock takes a non-blocking exclusive flock, so a second process opening
// the same work directory fails fast with ErrWorkDirInUse rather than
// hanging, unlike the teacher's blocking LockShared/LockExclusive.
func (l *Lock) lock() error {
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func (l *Lock) unlock() error {
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
}
