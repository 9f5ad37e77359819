package engine

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Console prints operator-facing progress lines. Structured logs go to
// the logging package; this is what a person watching a recovery reads.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

var (
	phaseColor  = color.New(color.FgCyan, color.Bold)
	okColor     = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	failColor   = color.New(color.FgRed, color.Bold)
	dryRunColor = color.New(color.FgMagenta)
	dimColor    = color.New(color.FgHiBlack)
)

func (c *Console) out() io.Writer {
	if c == nil || c.w == nil {
		return io.Discard
	}
	return c.w
}

// Phase announces phase n of total.
func (c *Console) Phase(n, total int, name string) {
	fmt.Fprintf(c.out(), "\n%s %s\n", phaseColor.Sprintf("[%d/%d]", n, total), phaseColor.Sprint(name))
}

// Step reports an action in progress.
func (c *Console) Step(format string, args ...any) {
	fmt.Fprintf(c.out(), "  %s %s\n", dimColor.Sprint("→"), fmt.Sprintf(format, args...))
}

// DryRun reports an action that would have been taken.
func (c *Console) DryRun(format string, args ...any) {
	fmt.Fprintf(c.out(), "  %s %s\n", dryRunColor.Sprint("[dry-run]"), fmt.Sprintf(format, args...))
}

func (c *Console) OK(format string, args ...any) {
	fmt.Fprintf(c.out(), "  %s %s\n", okColor.Sprint("✓"), fmt.Sprintf(format, args...))
}

func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintf(c.out(), "  %s %s\n", warnColor.Sprint("!"), fmt.Sprintf(format, args...))
}

func (c *Console) Fail(format string, args ...any) {
	fmt.Fprintf(c.out(), "  %s %s\n", failColor.Sprint("✗"), fmt.Sprintf(format, args...))
}
