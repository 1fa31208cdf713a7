package strategy

import (
	"context"
	"strings"

	"github.com/loykin/pgdesk/internal/fault"
	"github.com/loykin/pgdesk/internal/process"
	"github.com/loykin/pgdesk/pkg/template"
)

const (
	// The server refuses to run with administrator rights, so the service
	// uses the built-in LocalService account (SID S-1-5-19).
	serviceAccount    = `NT AUTHORITY\LocalService`
	serviceAccountSID = "*S-1-5-19"
)

// nssm installs a Windows service through the bundled service wrapper.
type nssm struct {
	wrapper  string
	service  string
	dataRoot string
	runner   process.Runner
}

func (b *nssm) name() string { return "nssm" }

func (b *nssm) ctl(ctx context.Context, args ...string) (process.Result, error) {
	return run(ctx, b.runner, "strategy.nssm", b.wrapper, args...)
}

func (b *nssm) set(ctx context.Context, key string, values ...string) error {
	_, err := b.ctl(ctx, append([]string{"set", b.service, key}, values...)...)
	return err
}

func (b *nssm) install(ctx context.Context, def template.Definition) error {
	if !exists(b.wrapper) {
		return fault.Newf(fault.BinaryNotFound, "strategy.install", "the service wrapper is missing at %s", b.wrapper)
	}
	if _, err := b.ctl(ctx, append([]string{"install", b.service, def.Path}, def.Args...)...); err != nil {
		return err
	}
	settings := [][]string{
		{"DisplayName", def.Description},
		{"Description", def.Description},
		{"Start", "SERVICE_AUTO_START"},
		{"ObjectName", serviceAccount, ""},
		{"AppStopMethodConsole", "30000"},
	}
	if def.WorkDir != "" {
		settings = append(settings, []string{"AppDirectory", def.WorkDir})
	}
	if def.LogFile != "" {
		settings = append(settings,
			[]string{"AppStdout", def.LogFile},
			[]string{"AppStderr", def.LogFile},
			[]string{"AppStdoutCreationDisposition", "4"},
			[]string{"AppStderrCreationDisposition", "4"},
		)
	}
	if len(def.Env) > 0 {
		settings = append(settings, append([]string{"AppEnvironmentExtra"}, def.Env...))
	}
	for _, kv := range settings {
		if err := b.set(ctx, kv[0], kv[1:]...); err != nil {
			return err
		}
	}
	// The service account needs write access to the per-user data folder.
	_, err := run(ctx, b.runner, "strategy.nssm", "icacls", b.dataRoot, "/grant", serviceAccountSID+":(OI)(CI)M", "/T", "/Q")
	return err
}

func (b *nssm) remove(ctx context.Context) error {
	st, err := b.status(ctx)
	if err != nil || !st.Installed {
		return err
	}
	if st.Running {
		_, _ = b.ctl(ctx, "stop", b.service)
	}
	_, err = b.ctl(ctx, "remove", b.service, "confirm")
	return err
}

func (b *nssm) status(ctx context.Context) (Status, error) {
	if !exists(b.wrapper) {
		return Status{Detail: "service wrapper missing"}, nil
	}
	res, err := b.runner.Run(ctx, command(b.wrapper, "status", b.service))
	if err != nil {
		return Status{}, fault.New(fault.Internal, "strategy.status", "could not query the service", err)
	}
	if !res.OK() {
		return Status{}, nil
	}
	detail := strings.TrimSpace(res.Output)
	return Status{Installed: true, Running: detail == "SERVICE_RUNNING", Detail: detail}, nil
}

func (b *nssm) start(ctx context.Context) error {
	_, err := b.ctl(ctx, "start", b.service)
	return err
}

func (b *nssm) stop(ctx context.Context) error {
	_, err := b.ctl(ctx, "stop", b.service)
	return err
}
