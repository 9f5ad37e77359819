package phases

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/recoverctl/recoverctl/internal/engine"
	"github.com/recoverctl/recoverctl/internal/logging"
	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/tf"
)

const defaultHomeProbeTimeout = 20 * time.Second

// PreflightError stops a run before anything is touched.
type PreflightError struct {
	Check       string
	Err         error
	Remediation string
}

func (e *PreflightError) Error() string {
	msg := fmt.Sprintf("pre-flight check %q failed: %v", e.Check, e.Err)
	if e.Remediation != "" {
		msg += "\n  remediation: " + e.Remediation
	}
	return msg
}

func (e *PreflightError) Unwrap() error { return e.Err }

func (d *Deps) preflight(ctx context.Context, rc *engine.RunContext) engine.Result {
	cfg := d.Config
	loc := rc.Identity.Location

	if rc.Identity.NamePrefix == "" || rc.Identity.ID == "" {
		return engine.Failed(&PreflightError{Check: "environment identity", Err: fmt.Errorf("environment id is empty"), Remediation: "pass --env"})
	}
	if rc.Identity != cfg.Identity() {
		return engine.Failed(&PreflightError{
			Check:       "environment identity",
			Err:         fmt.Errorf("run targets %s in %s but the config resolves to %s in %s", rc.Identity.NamePrefix, loc, cfg.Identity().NamePrefix, cfg.Location),
			Remediation: "resume with the same --env, --location and --zone the run started with",
		})
	}

	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = tf.FindBinary
	}
	bin, err := lookPath(cfg.Terraform.Binary)
	if err != nil {
		return engine.Failed(&PreflightError{Check: "terraform binary", Err: err, Remediation: "install terraform or set terraform.binary in the config file"})
	}
	rc.Log().Step("terraform at %s", bin)

	if fi, err := os.Stat(cfg.Terraform.Dir); err != nil || !fi.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", cfg.Terraform.Dir)
		}
		return engine.Failed(&PreflightError{Check: "terraform directory", Err: err, Remediation: "set terraform.dir to the stack's configuration"})
	}

	who, err := d.Target.CallerIdentity(ctx)
	if err != nil {
		return engine.Failed(&PreflightError{
			Check:       "credentials for " + loc,
			Err:         err,
			Remediation: "aws sts get-caller-identity --region " + loc,
		})
	}
	rc.Set(OutputAccount, who.Account)
	rc.Log().Step("authenticated as %s", who.ARN)

	reachable := d.probeHome(ctx, rc)
	if rc.Mode == model.ModeRebuild && !reachable {
		return engine.Failed(&PreflightError{
			Check:       "home region " + rc.HomeRegion,
			Err:         fmt.Errorf("home region is unreachable"),
			Remediation: "evacuate instead: recoverctl evacuate --location <region> --zone <zone> --env <id>",
		})
	}
	rc.Set(OutputHomeReachable, strconv.FormatBool(reachable))

	home := "reachable"
	if !reachable {
		home = "unreachable; secrets and images come from other sources"
	}
	return engine.Completed("account %s, home region %s %s", who.Account, rc.HomeRegion, home)
}

func (d *Deps) probeHome(ctx context.Context, rc *engine.RunContext) bool {
	if d.Home == nil {
		rc.Log().Warn("home region %s not configured", rc.HomeRegion)
		return false
	}
	timeout := d.HomeProbeTimeout
	if timeout <= 0 {
		timeout = defaultHomeProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := d.Home.CallerIdentity(probeCtx); err != nil {
		log := logging.Component("phases")
		log.Warn().Err(err).Str("region", rc.HomeRegion).Msg("home region unreachable")
		rc.Log().Warn("home region %s unreachable: %v", rc.HomeRegion, err)
		return false
	}
	return true
}
