package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/readiness"
	"github.com/recoverctl/recoverctl/providers/aws"
)

// Stage is one sub-apply of a staged apply.
type Stage struct {
	Name    string
	Targets []string
	// Bindings created by this stage; their validation and target records
	// are written before the gate runs.
	Bindings []model.DomainBinding
	Gate     *Gate
}

// Gate blocks the next stage until Condition holds.
type Gate struct {
	Name      string
	Condition readiness.Condition
	Timeout   time.Duration
	Interval  time.Duration
	// Fatal stops the run on timeout; otherwise the timeout is a warning.
	Fatal bool
}

// ApplyStaged applies stages in order, writing DNS records for new bindings
// and waiting on each stage's gate before the next one starts.
func (r *Reconciler) ApplyStaged(ctx context.Context, stages []Stage) (Result, error) {
	var total Result
	for i, st := range stages {
		log := logging.Component("reconcile").With().Str("stage", st.Name).Int("index", i+1).Logger()
		res, err := r.Apply(ctx, st.Name, st.Targets)
		total.merge(res)
		if err != nil {
			return total, fmt.Errorf("stage %s: %w", st.Name, err)
		}

		if err := r.publishRecords(ctx, st.Bindings); err != nil {
			return total, fmt.Errorf("stage %s: %w", st.Name, err)
		}

		if st.Gate == nil {
			continue
		}
		wait := r.gate.WaitUntil(ctx, st.Gate.Name, st.Gate.Condition, st.Gate.Timeout, st.Gate.Interval)
		if wait.Ready() {
			log.Info().Str("gate", st.Gate.Name).Dur("elapsed", wait.Elapsed).Msg("gate open")
			continue
		}
		if st.Gate.Fatal {
			return total, fmt.Errorf("stage %s: %w", st.Name, wait.Err(st.Gate.Name))
		}
		msg := wait.Err(st.Gate.Name).Error()
		log.Warn().Str("gate", st.Gate.Name).Msg(msg)
		total.Warnings = append(total.Warnings, msg)
	}
	return total, nil
}

func (r *Reconciler) publishRecords(ctx context.Context, bindings []model.DomainBinding) error {
	for _, want := range bindings {
		if want.HostedZoneID == "" {
			continue
		}
		b, err := r.provider.FindBinding(ctx, r.env, want.Domain)
		if err != nil {
			return fmt.Errorf("read binding of %s: %w", want.Domain, err)
		}
		records := aws.BindingRecords(b)
		if err := r.provider.UpsertRecords(ctx, want.HostedZoneID, records); err != nil {
			return fmt.Errorf("write DNS records for %s in zone %s: %w", want.Domain, want.HostedZoneID, err)
		}
		logging.Info("dns records written", "domain", want.Domain, "zone", want.HostedZoneID, "records", len(records))
	}
	return nil
}
