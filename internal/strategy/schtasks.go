package strategy

import (
	"context"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/pkg/template"
)

// schtasks registers a logon task that runs with the user's limited token.
type schtasks struct {
	task   string
	script string
	runner process.Runner
}

func (b *schtasks) name() string { return "schtasks" }

func (b *schtasks) ctl(ctx context.Context, args ...string) (process.Result, error) {
	return run(ctx, b.runner, "strategy.schtasks", "schtasks", args...)
}

func (b *schtasks) install(ctx context.Context, def template.Definition) error {
	data, err := template.NewGenerator().Generate(template.TypeLogonScript, def)
	if err != nil {
		return fault.New(fault.Internal, "strategy.install", "could not build the logon script", err)
	}
	data = []byte(strings.ReplaceAll(string(data), "\n", "\r\n"))
	if err := writeDefinition(b.script, data, 0o600); err != nil {
		return fault.Wrap(fault.PermissionDenied, "strategy.install", err)
	}
	_, err = b.ctl(ctx, "/Create", "/TN", b.task, "/SC", "ONLOGON", "/RL", "LIMITED", "/F", "/TR", `"`+b.script+`"`)
	return err
}

func (b *schtasks) remove(ctx context.Context) error {
	if st, _ := b.status(ctx); st.Installed {
		if _, err := b.ctl(ctx, "/Delete", "/TN", b.task, "/F"); err != nil {
			return err
		}
	}
	if err := removeFile(b.script); err != nil {
		return fault.Wrap(fault.PermissionDenied, "strategy.remove", err)
	}
	return nil
}

func (b *schtasks) status(ctx context.Context) (Status, error) {
	res, err := b.runner.Run(ctx, command("schtasks", "/Query", "/TN", b.task, "/FO", "LIST", "/V"))
	if err != nil {
		return Status{}, fault.New(fault.Internal, "strategy.status", "could not query the task scheduler", err)
	}
	if !res.OK() {
		return Status{}, nil
	}
	st := Status{Installed: true}
	for _, line := range strings.Split(res.Output, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == "Status" {
			st.Detail = strings.TrimSpace(v)
			st.Running = strings.EqualFold(st.Detail, "Running")
			break
		}
	}
	return st, nil
}

func (b *schtasks) start(ctx context.Context) error {
	_, err := b.ctl(ctx, "/Run", "/TN", b.task)
	return err
}

func (b *schtasks) stop(ctx context.Context) error {
	_, err := b.ctl(ctx, "/End", "/TN", b.task)
	return err
}
