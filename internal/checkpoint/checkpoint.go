// Package checkpoint persists orchestration progress so an interrupted run
// can resume at the first phase that did not complete.
package checkpoint

import (
	"context"
	"fmt"
	"time"
)

// Status of the phase a checkpoint was written for.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// ParseStatus validates a status read from storage.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped:
		return st, nil
	}
	return "", fmt.Errorf("unknown checkpoint status %q", s)
}

// Checkpoint is the persisted snapshot of a run. Phase is 1-based.
type Checkpoint struct {
	Phase         int       `json:"phase" yaml:"phase"`
	PhaseName     string    `json:"phaseName,omitempty" yaml:"phaseName,omitempty"`
	Status        Status    `json:"status" yaml:"status"`
	Message       string    `json:"message,omitempty" yaml:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	EnvironmentID string    `json:"environmentId" yaml:"environmentId"`
	RunID         string    `json:"runId,omitempty" yaml:"runId,omitempty"`
	Mode          string    `json:"mode,omitempty" yaml:"mode,omitempty"`
	Location      string    `json:"location,omitempty" yaml:"location,omitempty"`
	Zone          string    `json:"zone,omitempty" yaml:"zone,omitempty"`
	// Outputs carries values earlier phases hand to later ones.
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Store reads and writes the checkpoint of one run type.
type Store interface {
	// Load returns nil, nil when no checkpoint exists.
	Load(ctx context.Context) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Clear(ctx context.Context) error
	// Lock guards the run against a concurrent invocation.
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	// Location describes where the checkpoint lives, for messages.
	Location() string
}

// StartPhase computes where a resumed run begins: the phase of a
// checkpoint that did not finish, the one after a finished one, or 1.
func StartPhase(cp *Checkpoint) int {
	if cp == nil || cp.Phase < 1 {
		return 1
	}
	switch cp.Status {
	case StatusCompleted, StatusSkipped:
		return cp.Phase + 1
	default:
		return cp.Phase
	}
}
