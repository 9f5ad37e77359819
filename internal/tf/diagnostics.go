package tf

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	tfjson "github.com/hashicorp/terraform-json"
)

// Diagnostic is one error or warning from terraform's machine-readable UI
// stream. Address is set when terraform attributes the problem to a
// resource instance.
type Diagnostic struct {
	Severity tfjson.DiagnosticSeverity `json:"severity"`
	Summary  string                    `json:"summary"`
	Detail   string                    `json:"detail"`
	Address  string                    `json:"address,omitempty"`
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Severity))
	b.WriteString(": ")
	b.WriteString(d.Summary)
	if d.Address != "" {
		fmt.Fprintf(&b, " (%s)", d.Address)
	}
	if d.Detail != "" {
		b.WriteString(": ")
		b.WriteString(d.Detail)
	}
	return b.String()
}

// IsError reports whether the diagnostic fails the run.
func (d Diagnostic) IsError() bool {
	return d.Severity == tfjson.DiagnosticSeverityError
}

type uiMessage struct {
	Type       string      `json:"type"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// ParseDiagnostics reads a terraform -json stream and returns its
// diagnostics in order. Lines that are not JSON are skipped.
func ParseDiagnostics(r io.Reader) []Diagnostic {
	var out []Diagnostic
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var msg uiMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type == "diagnostic" && msg.Diagnostic != nil {
			out = append(out, *msg.Diagnostic)
		}
	}
	return out
}

// ApplyError is a failed apply together with the diagnostics it emitted.
type ApplyError struct {
	Diagnostics []Diagnostic
	Err         error
}

func (e *ApplyError) Error() string {
	errs := e.Errors()
	if len(errs) == 0 {
		return fmt.Sprintf("terraform apply: %v", e.Err)
	}
	lines := make([]string, 0, len(errs))
	for _, d := range errs {
		lines = append(lines, d.String())
	}
	return "terraform apply: " + strings.Join(lines, "; ")
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Errors returns only error-severity diagnostics.
func (e *ApplyError) Errors() []Diagnostic {
	var out []Diagnostic
	for _, d := range e.Diagnostics {
		if d.IsError() {
			out = append(out, d)
		}
	}
	return out
}

// AsApplyError unwraps err into an *ApplyError.
func AsApplyError(err error) (*ApplyError, bool) {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// ResourceType extracts the resource type from an instance address such as
// module.net.aws_subnet.private["a"].
func ResourceType(address string) string {
	if i := strings.IndexAny(address, "[("); i >= 0 {
		address = address[:i]
	}
	parts := strings.Split(address, ".")
	// skip module.<name> pairs and a leading data.
	for len(parts) >= 2 && (parts[0] == "module" || parts[0] == "data") {
		if parts[0] == "data" {
			return ""
		}
		parts = parts[2:]
	}
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
