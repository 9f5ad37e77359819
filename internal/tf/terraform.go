package tf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"
	"github.com/rs/zerolog"

	"github.com/recoverctl/recoverctl/internal/logging"
)

// LocalLockFile is the lock terraform's local backend leaves next to the
// state while an operation runs.
const LocalLockFile = ".terraform.tfstate.lock.info"

// Terraform runs a terraform binary in one working directory.
type Terraform struct {
	tf       *tfexec.Terraform
	workDir  string
	varFiles []string
	// Stream, when set, receives the raw -json UI stream of applies.
	Stream io.Writer
	log    zerolog.Logger
}

// NewTerraform prepares a runner for workDir. varFiles are passed to every
// command that evaluates configuration.
func NewTerraform(workDir, binary string, varFiles []string) (*Terraform, error) {
	execPath, err := FindBinary(binary)
	if err != nil {
		return nil, err
	}
	t, err := tfexec.NewTerraform(workDir, execPath)
	if err != nil {
		return nil, fmt.Errorf("terraform in %s: %w", workDir, err)
	}
	log := logging.Component("terraform").With().Str("dir", workDir).Logger()
	t.SetLogger(&log)
	return &Terraform{tf: t, workDir: workDir, varFiles: varFiles, log: log}, nil
}

func (t *Terraform) Init(ctx context.Context) error {
	t.log.Info().Msg("terraform init")
	if err := t.tf.Init(ctx, tfexec.Upgrade(false)); err != nil {
		return fmt.Errorf("terraform init: %w", err)
	}
	return nil
}

func (t *Terraform) Apply(ctx context.Context, opts ApplyOptions) error {
	args := []tfexec.ApplyOption{tfexec.Lock(true)}
	for _, f := range t.varFiles {
		args = append(args, tfexec.VarFile(f))
	}
	for _, v := range varAssignments(opts.Vars) {
		args = append(args, tfexec.Var(v))
	}
	for _, target := range opts.Targets {
		args = append(args, tfexec.Target(target))
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	if t.Stream != nil {
		w = io.MultiWriter(&buf, t.Stream)
	}
	t.log.Info().Strs("targets", opts.Targets).Msg("terraform apply")
	if err := t.tf.ApplyJSON(ctx, w, args...); err != nil {
		return &ApplyError{Diagnostics: ParseDiagnostics(&buf), Err: err}
	}
	return nil
}

func (t *Terraform) Import(ctx context.Context, address, id string) error {
	args := []tfexec.ImportOption{tfexec.Lock(true)}
	for _, f := range t.varFiles {
		args = append(args, tfexec.VarFile(f))
	}
	t.log.Info().Str("address", address).Str("id", id).Msg("terraform import")
	if err := t.tf.Import(ctx, address, id, args...); err != nil {
		return fmt.Errorf("terraform import %s %s: %w", address, id, err)
	}
	return nil
}

func (t *Terraform) StateRm(ctx context.Context, address string) error {
	t.log.Info().Str("address", address).Msg("terraform state rm")
	if err := t.tf.StateRm(ctx, address); err != nil {
		return fmt.Errorf("terraform state rm %s: %w", address, err)
	}
	return nil
}

func (t *Terraform) State(ctx context.Context) (*State, error) {
	st, err := t.tf.Show(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform show: %w", err)
	}
	return fromTFJSON(st), nil
}

func (t *Terraform) Destroy(ctx context.Context, opts ApplyOptions) error {
	args := []tfexec.DestroyOption{tfexec.Lock(true)}
	for _, f := range t.varFiles {
		args = append(args, tfexec.VarFile(f))
	}
	for _, v := range varAssignments(opts.Vars) {
		args = append(args, tfexec.Var(v))
	}
	for _, target := range opts.Targets {
		args = append(args, tfexec.Target(target))
	}
	t.log.Info().Strs("targets", opts.Targets).Msg("terraform destroy")
	if err := t.tf.Destroy(ctx, args...); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}

type lockInfo struct {
	ID        string    `json:"ID"`
	Operation string    `json:"Operation"`
	Who       string    `json:"Who"`
	Created   time.Time `json:"Created"`
}

// RemoveStaleLock clears a local state lock older than maxAge. A younger
// lock means another run is active and is reported as an error.
func (t *Terraform) RemoveStaleLock(ctx context.Context, maxAge time.Duration) (bool, error) {
	path := filepath.Join(t.workDir, LocalLockFile)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	var info lockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		t.log.Warn().Err(err).Str("path", path).Msg("unreadable lock info, removing")
		return true, os.Remove(path)
	}
	if age := time.Since(info.Created); age < maxAge {
		return false, fmt.Errorf("terraform state is locked by %s (%s, %s ago); wait for it to finish or run 'terraform force-unlock %s' in %s",
			info.Who, info.Operation, age.Round(time.Second), info.ID, t.workDir)
	}

	t.log.Warn().Str("lock_id", info.ID).Str("who", info.Who).Time("created", info.Created).Msg("removing stale terraform lock")
	if err := t.tf.ForceUnlock(ctx, info.ID); err != nil {
		t.log.Debug().Err(err).Msg("force-unlock failed, removing lock file")
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove %s: %w", path, err)
	}
	return true, nil
}

func varAssignments(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

var identifierKeys = []string{"id", "arn", "name", "identifier"}

func fromTFJSON(st *tfjson.State) *State {
	out := &State{}
	if st == nil || st.Values == nil {
		return out
	}
	var walk func(m *tfjson.StateModule)
	walk = func(m *tfjson.StateModule) {
		if m == nil {
			return
		}
		for _, r := range m.Resources {
			if r.Mode != tfjson.ManagedResourceMode {
				continue
			}
			mr := ManagedResource{Address: r.Address, Type: r.Type}
			for _, k := range identifierKeys {
				if v, ok := r.AttributeValues[k].(string); ok && v != "" {
					mr.Identifiers = append(mr.Identifiers, v)
				}
			}
			out.Resources = append(out.Resources, mr)
		}
		for _, child := range m.ChildModules {
			walk(child)
		}
	}
	walk(st.Values.RootModule)
	return out
}
