package strategy

import (
	"context"
	"path/filepath"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/pkg/template"
)

// systemd registers a user or system unit.
type systemd struct {
	system bool
	unit   string
	dir    string
	runner process.Runner
}

func (b *systemd) name() string {
	if b.system {
		return "systemd"
	}
	return "systemd-user"
}

func (b *systemd) path() string { return filepath.Join(b.dir, b.unit) }

func (b *systemd) ctl(ctx context.Context, args ...string) error {
	if !b.system {
		args = append([]string{"--user"}, args...)
	}
	_, err := run(ctx, b.runner, "strategy."+b.name(), "systemctl", args...)
	return err
}

func (b *systemd) install(ctx context.Context, def template.Definition) error {
	kind := template.TypeSystemdUser
	if b.system {
		kind = template.TypeSystemdSystem
	}
	data, err := template.NewGenerator().Generate(kind, def)
	if err != nil {
		return fault.New(fault.Internal, "strategy.install", "could not build the unit file", err)
	}
	if err := writeDefinition(b.path(), data, 0o644); err != nil {
		return fault.Wrap(fault.PermissionDenied, "strategy.install", err)
	}
	if err := b.ctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	return b.ctl(ctx, "enable", b.unit)
}

func (b *systemd) remove(ctx context.Context) error {
	if exists(b.path()) {
		_ = b.ctl(ctx, "disable", "--now", b.unit)
	}
	if err := removeFile(b.path()); err != nil {
		return fault.Wrap(fault.PermissionDenied, "strategy.remove", err)
	}
	return b.ctl(ctx, "daemon-reload")
}

func (b *systemd) status(ctx context.Context) (Status, error) {
	st := Status{Installed: exists(b.path())}
	if !st.Installed {
		return st, nil
	}
	args := []string{"is-active", b.unit}
	if !b.system {
		args = append([]string{"--user"}, args...)
	}
	res, err := b.runner.Run(ctx, command("systemctl", args...))
	if err != nil {
		return st, fault.New(fault.Internal, "strategy.status", "could not query systemd", err)
	}
	st.Running = res.OK()
	st.Detail = firstLine(res.Output)
	return st, nil
}

func (b *systemd) start(ctx context.Context) error { return b.ctl(ctx, "start", b.unit) }
func (b *systemd) stop(ctx context.Context) error  { return b.ctl(ctx, "stop", b.unit) }
