package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/debench/debench/core/infra/config"
)

const defaultModelTimeout = 30 * time.Minute

// Output is what the model runner produced for one task.
type Output struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// ModelRunner hands a task and the merged fixture config to the system
// under evaluation.
type ModelRunner interface {
	Run(ctx context.Context, task string, cfg map[string]any) (Output, error)
}

// ModelRunnerFunc adapts a function to ModelRunner.
type ModelRunnerFunc func(ctx context.Context, task string, cfg map[string]any) (Output, error)

func (f ModelRunnerFunc) Run(ctx context.Context, task string, cfg map[string]any) (Output, error) {
	return f(ctx, task, cfg)
}

// CommandModelRunner runs an external command per task. The command sees the
// task in DEBENCH_TASK and the merged config as a JSON file named by
// DEBENCH_CONFIG_FILE.
type CommandModelRunner struct {
	Spec config.CommandSpec
}

func (r CommandModelRunner) Run(ctx context.Context, task string, cfg map[string]any) (Output, error) {
	configFile, cleanup, err := writeJSONFile("debench-config-*.json", cfg)
	if err != nil {
		return Output{}, err
	}
	defer cleanup()
	env := []string{"DEBENCH_TASK=" + task, "DEBENCH_CONFIG_FILE=" + configFile}
	return runCommand(ctx, r.Spec, defaultModelTimeout, env)
}

func runCommand(ctx context.Context, spec config.CommandSpec, fallback time.Duration, extraEnv []string) (Output, error) {
	if len(spec.Command) == 0 {
		return Output{}, errors.New("command is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, spec.TimeoutOr(fallback))
	defer cancel()

	// #nosec G204 -- command comes from the operator's harness file.
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), extraEnv...)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, fmt.Errorf("%s: %w", spec.Command[0], ctxErr)
		}
		return out, fmt.Errorf("%s exited with code %d: %w", spec.Command[0], out.ExitCode, err)
	}
	return out, nil
}

func writeJSONFile(pattern string, v any) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return path, cleanup, nil
}
