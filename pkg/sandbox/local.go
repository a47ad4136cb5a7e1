package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// LocalRunner executes specs as host subprocesses. It honors the working
// directory, environment, timeout, and separate stream capture, but cannot
// enforce the container isolation properties; it exists for tests and for
// development hosts without a Docker daemon.
type LocalRunner struct{}

// NewLocalRunner creates a local process runner.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run implements Runner.
func (l *LocalRunner) Run(ctx context.Context, spec *Spec) (*Result, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	// The payload sees only what the spec provides, not the host env.
	cmd.Env = []string{}
	for key, value := range spec.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: time.Since(start).Seconds(),
		ArtifactsDir:    spec.WorkDir,
	}

	switch {
	case err == nil:
		result.ExitCode = 0
	case runCtx.Err() == context.DeadlineExceeded:
		result.TimedOut = true
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("%w: running command: %w", ErrInfrastructure, err)
		}
	}
	return result, nil
}
