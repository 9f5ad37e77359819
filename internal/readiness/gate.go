package readiness

import (
	"context"
	"time"

	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/telemetry"
)

// WaitUntil polls cond on the wall clock.
func WaitUntil(ctx context.Context, cond Condition, timeout, interval time.Duration) Result {
	return PollUntil(ctx, RealClock, cond, interval, timeout)
}

// Gate is a named, logged and measured wait.
type Gate struct {
	Clock   Clock
	Metrics *telemetry.Metrics
}

func NewGate(metrics *telemetry.Metrics) *Gate {
	return &Gate{Clock: RealClock, Metrics: metrics}
}

// WaitUntil blocks until cond holds or timeout passes.
func (g *Gate) WaitUntil(ctx context.Context, name string, cond Condition, timeout, interval time.Duration) Result {
	log := logging.Component("readiness")
	log.Info().Str("condition", name).Dur("timeout", timeout).Dur("interval", interval).Msg("waiting")

	res := PollUntil(ctx, g.Clock, cond, interval, timeout)

	g.Metrics.RecordReadiness(name, string(res.Status), res.Elapsed)
	ev := log.Info()
	if !res.Ready() {
		ev = log.Warn().AnErr("last_error", res.LastErr)
	}
	ev.Str("condition", name).
		Str("status", string(res.Status)).
		Int("attempts", res.Attempts).
		Dur("elapsed", res.Elapsed).
		Msg("wait finished")
	return res
}
