// Package lock keeps a single daemon per working directory with an flock'd
// PID file.
package lock

import (
	"bytes"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// FileLock is an exclusive advisory lock on path. The holder's PID is the
// file's only content.
type FileLock struct {
	path string

	mu   sync.Mutex
	held *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string {
	return fl.path
}

// TryLock takes the lock without blocking. Calling it again while the lock is
// held is a no-op.
func (fl *FileLock) TryLock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.held != nil {
		return nil
	}

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return errors.Wrap(err, "open lock file")
	}
	fd := int(f.Fd())

	switch err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); {
	case errors.Is(err, unix.EWOULDBLOCK):
		_ = f.Close()
		return fl.lockedError()
	case err != nil:
		_ = f.Close()
		return errors.Wrap(err, "acquire lock")
	}

	if err := stampPID(f); err != nil {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
		return err
	}
	fl.held = f
	return nil
}

func (fl *FileLock) lockedError() error {
	pid, err := ReadPID(fl.path)
	if err != nil {
		return ErrLocked
	}
	return errors.WithMessagef(ErrLocked, "pid %d", pid)
}

// Unlock releases the lock and removes the file. It is safe to call when the
// lock is not held.
func (fl *FileLock) Unlock() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	f := fl.held
	if f == nil {
		return nil
	}
	fl.held = nil

	// Remove before releasing; once unlocked the path may belong to another
	// daemon.
	_ = os.Remove(fl.path)
	uerr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	cerr := f.Close()
	if uerr != nil {
		return errors.Wrap(uerr, "release lock")
	}
	return errors.Wrap(cerr, "close lock file")
}

func stampPID(f *os.File) error {
	pid := strconv.AppendInt(nil, int64(os.Getpid()), 10)
	if err := f.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate lock file")
	}
	if _, err := f.WriteAt(append(pid, '\n'), 0); err != nil {
		return errors.Wrap(err, "write PID to lock file")
	}
	return errors.Wrap(f.Sync(), "sync lock file")
}

// ReadPID returns the PID recorded in a lock file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse pid in %s", path)
	}
	return pid, nil
}
