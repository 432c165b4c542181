// Package election decides which process on a node owns the periodic timer.
//
// Every process sharing a node tries to take an exclusive, non-blocking
// advisory lock on the same file. The process that gets it is the leader for
// its whole lifetime; the kernel releases the lock when the process exits,
// which lets a later process take over.
package election

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFileName is the well-known lock file name inside the lock directory.
const LockFileName = "interval_check.lock"

// LockFileError reports that the lock file could not be opened or created.
// Callers should treat it as fatal: without the file the process cannot
// decide whether it participates.
type LockFileError struct {
	Path string
	Err  error
}

func (e *LockFileError) Error() string {
	return fmt.Sprintf("open lock file %s: %v", e.Path, e.Err)
}

func (e *LockFileError) Unwrap() error {
	return e.Err
}

// Lease is the outcome of an election. A leader's lease holds the lock
// until Close is called or the process exits.
type Lease struct {
	path   string
	file   *os.File
	leader bool
}

// DefaultPath returns the lock file path inside the system temp directory.
func DefaultPath() string {
	return PathIn(os.TempDir())
}

// PathIn returns the lock file path inside dir. An empty dir means the
// system temp directory.
func PathIn(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, LockFileName)
}

// Elect creates path if needed and tries to lock it exclusively without
// waiting. It returns a leader lease when the lock was acquired and a
// non-leader lease when another process already holds it.
func Elect(path string) (*Lease, error) {
	// 0666 so jobs running as different users on the node can all open it.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, &LockFileError{Path: path, Err: err}
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	switch {
	case err == nil:
		return &Lease{path: path, file: f, leader: true}, nil
	case errors.Is(err, unix.EWOULDBLOCK):
		f.Close()
		return &Lease{path: path}, nil
	default:
		f.Close()
		return nil, &LockFileError{Path: path, Err: fmt.Errorf("flock: %w", err)}
	}
}

// IsLeader reports whether this process won the election.
func (l *Lease) IsLeader() bool {
	return l != nil && l.leader
}

// Path returns the lock file path.
func (l *Lease) Path() string {
	return l.path
}

// Close releases the lock. Leader processes normally never call it and
// rely on process exit instead.
func (l *Lease) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	l.leader = false
	return f.Close()
}
