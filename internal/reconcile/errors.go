package reconcile

import (
	"fmt"

	"github.com/recoverctl/recoverctl/internal/model"
	"github.com/recoverctl/recoverctl/internal/tf"
)

// ConflictError is an "already exists" rejection that could not be
// resolved: the address was unknown, the live resource could not be found,
// or the single retry failed again.
type ConflictError struct {
	Address  string
	Kind     model.Kind
	Strategy model.ConflictStrategy
	// Diagnostic is what the engine reported.
	Diagnostic tf.Diagnostic
	Reason     string
	Err        error
}

func (e *ConflictError) Error() string {
	what := e.Address
	if e.Kind != "" {
		what = fmt.Sprintf("%s (%s)", e.Address, e.Kind)
	}
	msg := fmt.Sprintf("unresolved conflict on %s: %s", what, e.Reason)
	if e.Diagnostic.Summary != "" {
		msg += "\n  engine said: " + e.Diagnostic.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n  cause: %v", e.Err)
	}
	if r := e.Remediation(); r != "" {
		msg += "\n  remediation: " + r
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Remediation suggests the manual equivalent of the failed resolution.
func (e *ConflictError) Remediation() string {
	if e.Address == "" {
		return ""
	}
	switch e.Strategy {
	case model.ConflictRecreate:
		return fmt.Sprintf("terraform state rm '%s' and disassociate the domain with: aws apprunner disassociate-custom-domain --service-arn <arn> --domain-name <domain>", e.Address)
	case model.ConflictImport:
		return fmt.Sprintf("terraform import '%s' <live id>", e.Address)
	}
	return ""
}
