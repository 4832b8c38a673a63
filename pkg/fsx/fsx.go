// Package fsx provides the two filesystem primitives every strata record
// store is built on: whole-record writes that are atomic from a reader's
// point of view (temp file + fsync + rename), and exclusive advisory locks
// on a companion file for read-modify-write sequences that span processes.
package fsx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"strata/pkg/protocol"
)

// lockRetryDelay is the interval between lock attempts in WithLock.
const lockRetryDelay = 10 * time.Millisecond

// WriteFileAtomic writes data to path so that readers observe either the old
// content or the complete new content, never a partial write. The temp file
// lives in the same directory (same filesystem) and carries the TempPrefix so
// directory scans skip it.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, protocol.TempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	committed = true
	return nil
}

// LockPath returns the companion lock file path for a record.
func LockPath(path string) string {
	return path + protocol.LockSuffix
}

// WithLock runs fn while holding an exclusive advisory lock on the companion
// lock file of path. The lock is held only for the duration of fn; callers
// must not block on other agents inside fn.
func WithLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(LockPath(path))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("lock %s: not acquired", path)
	}
	defer func() { _ = fl.Unlock() }()
	return fn()
}

// IsTemp reports whether a directory entry name is an in-progress write.
func IsTemp(name string) bool {
	return len(name) >= len(protocol.TempPrefix) && name[:len(protocol.TempPrefix)] == protocol.TempPrefix
}

// IsLock reports whether a directory entry name is a companion lock file.
func IsLock(name string) bool {
	return filepath.Ext(name) == protocol.LockSuffix
}
