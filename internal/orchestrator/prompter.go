package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/runtimecfg"
)

// Prompter is the host's user-interaction surface. Every call blocks until
// the user answers; implementations bound that wait themselves.
type Prompter interface {
	ConfirmFirstRun(ctx context.Context) bool
	// ChooseRunMode asks how the database should keep running. elevated
	// tells the UI whether the service option can succeed right away.
	ChooseRunMode(ctx context.Context, elevated bool) runtimecfg.RunMode
	ConfirmRecovery(ctx context.Context, dataDir, reason string) bool
	ElevationRequired(ctx context.Context, op string)
	Fatal(ctx context.Context, err error)
}

// StaticPrompter answers from fixed policy. It serves the control API,
// unattended runs and tests.
type StaticPrompter struct {
	AcceptFirstRun bool
	Mode           runtimecfg.RunMode
	AcceptRecovery bool
	Logger         *slog.Logger

	mu        sync.Mutex
	elevation []string
	fatal     []error
}

// DefaultPrompter accepts first-run setup in mode and never confirms recovery.
func DefaultPrompter(mode runtimecfg.RunMode, log *slog.Logger) *StaticPrompter {
	if !mode.Valid() {
		mode = runtimecfg.UserSession
	}
	return &StaticPrompter{AcceptFirstRun: true, Mode: mode, Logger: log}
}

func (p *StaticPrompter) ConfirmFirstRun(context.Context) bool { return p.AcceptFirstRun }

func (p *StaticPrompter) ChooseRunMode(context.Context, bool) runtimecfg.RunMode {
	if !p.Mode.Valid() {
		return runtimecfg.UserSession
	}
	return p.Mode
}

func (p *StaticPrompter) ConfirmRecovery(_ context.Context, dataDir, reason string) bool {
	if p.Logger != nil {
		p.Logger.Warn("recovery requested", "data_dir", dataDir, "reason", reason, "accepted", p.AcceptRecovery)
	}
	return p.AcceptRecovery
}

func (p *StaticPrompter) ElevationRequired(_ context.Context, op string) {
	p.mu.Lock()
	p.elevation = append(p.elevation, op)
	p.mu.Unlock()
	if p.Logger != nil {
		p.Logger.Warn("administrator rights required", "operation", op)
	}
}

func (p *StaticPrompter) Fatal(_ context.Context, err error) {
	p.mu.Lock()
	p.fatal = append(p.fatal, err)
	p.mu.Unlock()
}

// ElevationPrompts returns the operations reported through ElevationRequired.
func (p *StaticPrompter) ElevationPrompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.elevation...)
}

// FatalErrors returns the errors reported through Fatal.
func (p *StaticPrompter) FatalErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.fatal...)
}

// TerminalPrompter asks on a terminal.
type TerminalPrompter struct {
	In      io.Reader
	Out     io.Writer
	NoColor bool
	// Assume answers every question with its default, for non-interactive use.
	Assume bool

	once sync.Once
	r    *bufio.Reader
}

func (t *TerminalPrompter) reader() *bufio.Reader {
	t.once.Do(func() { t.r = bufio.NewReader(t.In) })
	return t.r
}

func (t *TerminalPrompter) heading(s string) string {
	if t.NoColor {
		return s
	}
	return color.New(color.FgCyan, color.Bold).Sprint(s)
}

func (t *TerminalPrompter) ask(ctx context.Context, question string, def bool) bool {
	suffix := " [y/N] "
	if def {
		suffix = " [Y/n] "
	}
	_, _ = fmt.Fprint(t.Out, t.heading(question)+suffix)
	if t.Assume || t.In == nil || ctx.Err() != nil {
		_, _ = fmt.Fprintln(t.Out)
		return def
	}
	line, err := t.reader().ReadString('\n')
	if err != nil && line == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

func (t *TerminalPrompter) ConfirmFirstRun(ctx context.Context) bool {
	return t.ask(ctx, "Set up the local database now?", true)
}

func (t *TerminalPrompter) ChooseRunMode(ctx context.Context, elevated bool) runtimecfg.RunMode {
	q := "Install the database as a system service (keeps running after you log out)?"
	if !elevated {
		q += " This needs administrator rights."
	}
	if t.ask(ctx, q, false) {
		return runtimecfg.Service
	}
	return runtimecfg.UserSession
}

func (t *TerminalPrompter) ConfirmRecovery(ctx context.Context, dataDir, reason string) bool {
	_, _ = fmt.Fprintf(t.Out, "The local database at %s cannot be used: %s\n", dataDir, reason)
	_, _ = fmt.Fprintln(t.Out, "It will be moved aside (not deleted) and a new, empty database created.")
	return t.ask(ctx, "Continue?", false)
}

func (t *TerminalPrompter) ElevationRequired(_ context.Context, op string) {
	_, _ = fmt.Fprintf(t.Out, "%s Administrator rights are needed to %s. Continuing without the service.\n",
		t.heading("!"), op)
}

func (t *TerminalPrompter) Fatal(_ context.Context, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		_, _ = fmt.Fprintln(t.Out, fe.Format(t.NoColor))
		return
	}
	_, _ = fmt.Fprintln(t.Out, err)
}
