package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/recoverctl/recoverctl/internal/checkpoint"
	"github.com/recoverctl/recoverctl/internal/journal"
	"github.com/recoverctl/recoverctl/internal/model"
)

var (
	statusOutput  string
	statusMode    string
	statusHistory int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints and recent phase history",
	Long: `Status prints the checkpoint of every known run type and the most recent
phase results from the local run journal. A missing checkpoint means the
last run finished, or none was started.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("location", "", "Region of the evacuation to show")
	statusCmd.Flags().String("home-region", "", "Home region")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format: table, yaml or json")
	statusCmd.Flags().StringVar(&statusMode, "mode", "", "Only show runs of this mode")
	statusCmd.Flags().IntVar(&statusHistory, "history", 10, "Journal entries to show per run type")
}

// RunStatus is one run type's view.
type RunStatus struct {
	RunType    string                 `json:"runType" yaml:"runType"`
	Location   string                 `json:"location" yaml:"location"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	History    []journal.Event        `json:"history,omitempty" yaml:"history,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	v, err := newViper(cmd)
	if err != nil {
		return err
	}
	stateDir := v.GetString("state-dir")
	if stateDir == "" {
		stateDir = ".recoverctl"
	}
	var backend checkpoint.BackendConfig
	if err := v.UnmarshalKey("checkpoint", &backend); err != nil {
		return fmt.Errorf("decode checkpoint settings: %w", err)
	}

	var mode model.Mode
	if statusMode != "" {
		if mode, err = model.ParseMode(statusMode); err != nil {
			return err
		}
	}
	runTypes := statusRunTypes(mode, v.GetString("location"), localRunTypes(stateDir))

	var j *journal.Journal
	if statusHistory > 0 {
		if j, err = journal.Open(ctx, journal.Path(stateDir)); err != nil {
			return err
		}
		defer j.Close()
	}

	var out []RunStatus
	for _, rt := range runTypes {
		store, err := checkpoint.NewStore(ctx, backend, stateDir, rt)
		if err != nil {
			return err
		}
		cp, err := store.Load(ctx)
		if err != nil {
			return err
		}
		st := RunStatus{RunType: rt, Location: store.Location(), Checkpoint: cp}
		if j != nil {
			if st.History, err = j.Recent(ctx, rt, statusHistory); err != nil {
				return err
			}
		}
		out = append(out, st)
	}
	return renderStatus(cmd.OutOrStdout(), statusOutput, out)
}

// localRunTypes lists checkpoint files present under stateDir.
func localRunTypes(stateDir string) []string {
	matches, _ := filepath.Glob(filepath.Join(stateDir, "checkpoints", "*.json"))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return out
}

// statusRunTypes always includes the run types the flags name, plus any
// found on disk, filtered by mode.
func statusRunTypes(mode model.Mode, location string, found []string) []string {
	seen := make(map[string]bool)
	add := func(rt string) {
		if mode != "" && !strings.HasPrefix(rt, string(mode)) {
			return
		}
		seen[rt] = true
	}
	add(model.RunType(model.ModeRebuild, ""))
	if location != "" {
		add(model.RunType(model.ModeEvacuate, location))
	}
	for _, rt := range found {
		add(rt)
	}
	out := make([]string, 0, len(seen))
	for rt := range seen {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

func renderStatus(w io.Writer, format string, runs []RunStatus) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(runs); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q (expected table, yaml or json)", format)
	}

	for i, r := range runs {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (%s)\n", r.RunType, r.Location)
		if r.Checkpoint == nil {
			fmt.Fprintln(w, "  no checkpoint: nothing to resume")
		} else {
			cp := r.Checkpoint
			fmt.Fprintf(w, "  phase %d (%s) %s at %s\n", cp.Phase, cp.PhaseName, cp.Status, cp.Timestamp.Format(time.RFC3339))
			if cp.Message != "" {
				fmt.Fprintf(w, "  %s\n", cp.Message)
			}
			fmt.Fprintf(w, "  start phase on resume: %d\n", checkpoint.StartPhase(cp))
		}
		if len(r.History) == 0 {
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  STARTED\tRUN\tPHASE\tSTATUS\tDURATION")
		for _, e := range r.History {
			fmt.Fprintf(tw, "  %s\t%s\t%d %s\t%s\t%s\n", e.Started.Format(time.RFC3339), shortID(e.RunID), e.Phase, e.PhaseName, e.Status, e.Duration.Round(time.Second))
		}
		_ = tw.Flush()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
