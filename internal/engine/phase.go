// Package engine sequences recovery phases and records their progress.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/model"
)

// Result is what a phase reports back. Only Status and Message cross into
// the checkpoint.
type Result struct {
	Status  checkpoint.Status
	Message string
	// Err is the failure behind a failed result.
	Err error
}

func Completed(format string, args ...any) Result {
	return Result{Status: checkpoint.StatusCompleted, Message: fmt.Sprintf(format, args...)}
}

func Skipped(format string, args ...any) Result {
	return Result{Status: checkpoint.StatusSkipped, Message: fmt.Sprintf(format, args...)}
}

func Failed(err error) Result {
	return Result{Status: checkpoint.StatusFailed, Message: err.Error(), Err: err}
}

// Phase is one step of a recovery run. Phases run strictly in sequence and
// may assume every earlier phase converged.
type Phase interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) Result
}

// RunContext is threaded through every phase in place of ambient globals.
// The checkpoint is a snapshot of it.
type RunContext struct {
	RunID    string
	Mode     model.Mode
	Identity model.EnvironmentIdentity
	// HomeRegion is where the stack normally lives.
	HomeRegion string
	DryRun     bool
	// ForceCleanup also removes resources managed state still knows about.
	ForceCleanup bool
	// ResumeCommand is printed when a phase fails.
	ResumeCommand string
	Console       *Console

	mu      sync.Mutex
	outputs map[string]string
	skip    map[string]bool
}

// Skip marks a phase, by name or 1-based number, to be skipped.
func (rc *RunContext) Skip(phase string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.skip == nil {
		rc.skip = make(map[string]bool)
	}
	rc.skip[strings.TrimSpace(phase)] = true
}

func (rc *RunContext) skipped(n int, name string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.skip[name] || rc.skip[strconv.Itoa(n)]
}

// Set records a value for later phases.
func (rc *RunContext) Set(key, value string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.outputs == nil {
		rc.outputs = make(map[string]string)
	}
	rc.outputs[key] = value
}

// Get returns a value an earlier phase recorded.
func (rc *RunContext) Get(key string) (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.outputs[key]
	return v, ok
}

// Outputs returns a copy of the recorded values.
func (rc *RunContext) Outputs() map[string]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]string, len(rc.outputs))
	for k, v := range rc.outputs {
		out[k] = v
	}
	return out
}

func (rc *RunContext) restore(cp *checkpoint.Checkpoint) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if cp.RunID != "" {
		rc.RunID = cp.RunID
	}
	if rc.outputs == nil {
		rc.outputs = make(map[string]string)
	}
	for k, v := range cp.Outputs {
		if _, set := rc.outputs[k]; !set {
			rc.outputs[k] = v
		}
	}
}

// Log returns the console, never nil.
func (rc *RunContext) Log() *Console {
	if rc.Console == nil {
		return &Console{}
	}
	return rc.Console
}

// Func adapts a function into a Phase.
type Func struct {
	PhaseName string
	Fn        func(ctx context.Context, rc *RunContext) Result
}

func (f Func) Name() string { return f.PhaseName }

func (f Func) Run(ctx context.Context, rc *RunContext) Result { return f.Fn(ctx, rc) }
