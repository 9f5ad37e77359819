package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps the checkpoint as a JSON file on local disk.
type FileStore struct {
	path string
	now  func() time.Time
}

// Path returns <stateDir>/checkpoints/<runType>.json.
func Path(stateDir, runType string) string {
	return filepath.Join(stateDir, "checkpoints", runType+".json")
}

func NewFileStore(stateDir, runType string) *FileStore {
	return &FileStore{path: Path(stateDir, runType), now: time.Now}
}

func (s *FileStore) Location() string { return s.path }

func (s *FileStore) Load(_ context.Context) (*Checkpoint, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", s.path, err)
	}
	return decode(raw, s.path)
}

// Save writes through a temp file and rename so a crash never leaves a
// truncated checkpoint.
func (s *FileStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := encode(cp, s.now)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear checkpoint %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Lock(_ context.Context) error {
	return acquireFileLock(s.lockPath(), s.now())
}

func (s *FileStore) Unlock(_ context.Context) error {
	return releaseFileLock(s.lockPath())
}

func (s *FileStore) lockPath() string {
	return s.path + ".lock"
}

func encode(cp *Checkpoint, now func() time.Time) ([]byte, error) {
	if cp == nil {
		return nil, fmt.Errorf("checkpoint is nil")
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return append(data, '\n'), nil
}

func decode(raw []byte, where string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint %s is corrupt: %w (delete it to start over)", where, err)
	}
	if _, err := ParseStatus(string(cp.Status)); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", where, err)
	}
	return &cp, nil
}
