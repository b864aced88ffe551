// Package execx runs external tools (docker, lsof) for the control plane.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Exit codes that do not come from the child itself.
const (
	CodeNotFound = 127
	CodeTimeout  = 124
)

type Result struct {
	Code   int
	Stdout string
	Stderr string
	Err    error
}

// OK reports whether the command ran and exited zero.
func (r Result) OK() bool { return r.Err == nil && r.Code == 0 }

// NotFound reports whether the executable was missing.
func (r Result) NotFound() bool { return r.Code == CodeNotFound }

// Detail returns trimmed stderr, falling back to stdout and then the error.
func (r Result) Detail() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("exit code %d", r.Code)
}

// Runner runs a command to completion, capturing its output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) Result
}

// System runs real processes.
type System struct{}

func (System) Run(ctx context.Context, dir, name string, args ...string) Result {
	return Capture(ctx, dir, name, args...)
}

// Capture runs name with args in dir and returns its captured output.
func Capture(ctx context.Context, dir, name string, args ...string) Result {
	if os.Getenv("DOMAINS_DEBUG") == "1" {
		fmt.Fprintf(os.Stderr, "+ %s\n", strings.Join(append([]string{name}, args...), " "))
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return Result{
		Code:   exitCode(ctx, err),
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Err:    err,
	}
}

func exitCode(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return CodeTimeout
	case errors.As(err, &ee):
		return ee.ExitCode()
	case errors.Is(err, exec.ErrNotFound):
		return CodeNotFound
	default:
		return 1
	}
}
