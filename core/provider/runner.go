package provider

import (
	"bytes"
	"context"
	"os"
	"os/exec"
)

// Runner executes the provider binary. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args []string, env []string) (stdout []byte, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec, inheriting the process environment.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, env []string) ([]byte, []byte, error) {
	// #nosec G204 -- binary and arguments come from harness configuration.
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
