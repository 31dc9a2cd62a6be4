package chroot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned by acquireLock when another live process already
// holds the result's build lock.
var ErrLocked = errors.New("chroot: result is locked by another build")

// dirLock is a directory-based lock (mkdir, never removed) backed by an
// flock(2) on a file inside that directory. The flock is what decides
// ownership, so a fresh process can reclaim a lock left behind by a
// crashed one: the directory's presence alone can't tell "still running"
// from "died".
type dirLock struct {
	dir  string
	file *os.File
}

// acquireLock creates dir if needed and takes a non-blocking exclusive
// flock on dir/.lock. If mkdir finds the directory already present, that
// is not itself a failure — only a failed flock means the lock is truly
// held.
func acquireLock(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chroot: %w", err)
	}
	lockPath := filepath.Join(dir, ".lock")
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chroot: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("chroot: flock: %w", err)
	}
	return &dirLock{dir: dir, file: file}, nil
}

// release unlocks and closes the lock file. The lock directory itself is
// left in place (rmdir would race a concurrent acquireLock's mkdir); a
// stale, unlocked directory is harmless since the next acquireLock only
// cares about the flock.
func (l *dirLock) release() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return fmt.Errorf("chroot: %w", err)
	}
	return l.file.Close()
}
