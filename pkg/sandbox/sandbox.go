// Package sandbox runs generated strategy code in isolation: no network,
// capped memory and CPU, a wall-clock timeout, and non-root execution. The
// Docker runner is the production implementation; the local runner serves
// tests and development hosts without a Docker daemon.
package sandbox

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors. ErrInfrastructure marks failures of the sandbox itself
// rather than of the code under test.
var (
	ErrInfrastructure = errors.New("sandbox infrastructure error")
	ErrInvalidSpec    = errors.New("invalid sandbox spec")
)

// Spec describes one sandboxed run.
type Spec struct {
	// WorkDir is the host directory mounted as the writable workspace. The
	// command runs with this directory as its working directory; artifacts
	// written into it survive the run.
	WorkDir string

	// Command is the argv to execute.
	Command []string

	// Env is extra environment for the process. Secrets must never be
	// passed here; the sandbox has no legitimate use for them.
	Env map[string]string

	// TimeoutSeconds is the wall-clock budget. The run is killed when it
	// is exceeded.
	TimeoutSeconds int

	// MemoryLimitMB and CPULimitCores cap the container resources. Zero
	// means the runner's default.
	MemoryLimitMB int64
	CPULimitCores float64
}

// Result is the outcome of a sandboxed run. Stdout and stderr are captured
// separately and both surfaced; failure classification must see stderr-only
// content such as interpreter tracebacks.
type Result struct {
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_seconds"`
	ArtifactsDir    string  `json:"artifacts_dir"`
	TimedOut        bool    `json:"timed_out"`
}

// Combined returns stdout and stderr joined for classification.
func (r *Result) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes one spec to completion.
type Runner interface {
	Run(ctx context.Context, spec *Spec) (*Result, error)
}

func validateSpec(spec *Spec) error {
	if spec.WorkDir == "" {
		return errors.Join(ErrInvalidSpec, errors.New("work dir is required"))
	}
	if len(spec.Command) == 0 {
		return errors.Join(ErrInvalidSpec, errors.New("command is required"))
	}
	if spec.TimeoutSeconds <= 0 {
		return errors.Join(ErrInvalidSpec, errors.New("timeout must be positive"))
	}
	for key := range spec.Env {
		if key == "" || strings.ContainsAny(key, "= ") {
			return errors.Join(ErrInvalidSpec, errors.New("invalid env key"))
		}
	}
	return nil
}
