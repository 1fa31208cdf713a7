package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Command is a one-shot tool invocation (initdb, createdb, pg_ctl, schtasks, systemctl...).
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Result of a finished command. Output holds stdout and stderr combined.
type Result struct {
	ExitCode int
	Output   string
}

// OK reports a zero exit code.
func (r Result) OK() bool { return r.ExitCode == 0 }

// Runner executes one-shot commands. A non-zero exit is reported in Result,
// not as an error; errors mean the command could not run at all.
type Runner interface {
	Run(ctx context.Context, c Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	cmd := Spec{Path: c.Path, Args: c.Args, Env: c.Env, WorkDir: c.Dir}.buildCommand(ctx)
	configureToolAttr(cmd)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	res := Result{Output: buf.String()}
	if err == nil {
		return res, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ctx.Err() == nil {
		res.ExitCode = ee.ExitCode()
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", c.Path, ctx.Err())
	}
	return res, fmt.Errorf("%s: %w", c.Path, err)
}
