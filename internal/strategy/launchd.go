package strategy

import (
	"context"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/pkg/template"
)

// launchd registers a LaunchAgent (login session) or LaunchDaemon (system).
type launchd struct {
	daemon bool
	label  string
	domain string // gui/<uid> or system
	plist  string
	runner process.Runner
}

func (b *launchd) name() string {
	if b.daemon {
		return "launchd-daemon"
	}
	return "launchd-agent"
}

func (b *launchd) target() string { return b.domain + "/" + b.label }

func (b *launchd) ctl(ctx context.Context, args ...string) (process.Result, error) {
	return run(ctx, b.runner, "strategy."+b.name(), "launchctl", args...)
}

func (b *launchd) install(ctx context.Context, def template.Definition) error {
	kind := template.TypeLaunchAgent
	if b.daemon {
		kind = template.TypeLaunchDaemon
	}
	def.Label = b.label
	data, err := template.NewGenerator().Generate(kind, def)
	if err != nil {
		return fault.New(fault.Internal, "strategy.install", "could not build the property list", err)
	}
	if err := writeDefinition(b.plist, data, 0o644); err != nil {
		return fault.Wrap(fault.PermissionDenied, "strategy.install", err)
	}
	// Replace a previous registration so the new definition is loaded.
	_, _ = b.ctl(ctx, "bootout", b.target())
	_, err = b.ctl(ctx, "bootstrap", b.domain, b.plist)
	return err
}

func (b *launchd) remove(ctx context.Context) error {
	if exists(b.plist) {
		_, _ = b.ctl(ctx, "bootout", b.target())
	}
	if err := removeFile(b.plist); err != nil {
		return fault.Wrap(fault.PermissionDenied, "strategy.remove", err)
	}
	return nil
}

func (b *launchd) status(ctx context.Context) (Status, error) {
	st := Status{Installed: exists(b.plist)}
	if !st.Installed {
		return st, nil
	}
	res, err := b.runner.Run(ctx, command("launchctl", "print", b.target()))
	if err != nil {
		return st, fault.New(fault.Internal, "strategy.status", "could not query launchd", err)
	}
	if !res.OK() {
		st.Detail = "not loaded"
		return st, nil
	}
	for _, line := range strings.Split(res.Output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "state = ") {
			st.Detail = strings.TrimPrefix(line, "state = ")
			st.Running = st.Detail == "running"
			break
		}
	}
	return st, nil
}

func (b *launchd) start(ctx context.Context) error {
	_, err := b.ctl(ctx, "kickstart", b.target())
	return err
}

// stop sends SIGINT, which the server treats as a fast shutdown.
func (b *launchd) stop(ctx context.Context) error {
	_, err := b.ctl(ctx, "kill", "SIGINT", b.target())
	return err
}
