package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StaleLockAge is how old a run lock must be before another invocation may
// remove it.
const StaleLockAge = 30 * time.Minute

// LockInfo is the content of a run lock.
type LockInfo struct {
	Owner   string
	PID     int
	Created time.Time
}

// LockedError reports a run lock held by a live invocation.
type LockedError struct {
	Path string
	Info LockInfo
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("another recoverctl run (%s, started %s) holds %s; "+
		"wait for it to finish, or remove the lock file if that process is gone",
		e.Info.Owner, e.Info.Created.Format(time.RFC3339), e.Path)
}

// lockOwner identifies this process as user@host:pid.
func lockOwner() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s:%d", name, host, os.Getpid())
}

func formatLock(info LockInfo) []byte {
	return []byte(fmt.Sprintf("owner=%s\npid=%d\ntime=%s\n", info.Owner, info.PID, info.Created.UTC().Format(time.RFC3339)))
}

func parseLock(raw []byte) LockInfo {
	var info LockInfo
	for _, line := range strings.Split(string(raw), "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch k {
		case "owner":
			info.Owner = v
		case "pid":
			info.PID, _ = strconv.Atoi(v)
		case "time":
			info.Created, _ = time.Parse(time.RFC3339, v)
		}
	}
	return info
}

// ReadLock returns the lock at path, or nil when there is none.
func ReadLock(path string) (*LockInfo, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", path, err)
	}
	info := parseLock(raw)
	if info.Created.IsZero() {
		if st, err := os.Stat(path); err == nil {
			info.Created = st.ModTime()
		}
	}
	return &info, nil
}

// acquireFileLock creates path exclusively. A lock older than StaleLockAge
// is removed first.
func acquireFileLock(path string, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if held, err := ReadLock(path); err != nil {
		return err
	} else if held != nil {
		if now.Sub(held.Created) <= StaleLockAge {
			return &LockedError{Path: path, Info: *held}
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale lock %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			held, _ := ReadLock(path)
			if held != nil {
				return &LockedError{Path: path, Info: *held}
			}
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()
	info := LockInfo{Owner: lockOwner(), PID: os.Getpid(), Created: now}
	if _, err := f.Write(formatLock(info)); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

func releaseFileLock(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
