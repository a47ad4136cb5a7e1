package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quantforge/quantforge/pkg/artifact"
	"github.com/quantforge/quantforge/pkg/leakscan"
	"github.com/quantforge/quantforge/pkg/models"
	"github.com/quantforge/quantforge/pkg/sandbox"
	"github.com/quantforge/quantforge/pkg/simbroker"
)

// Task metadata keys the tester reads.
const (
	// MetadataKeyTargetTask names the coder task whose latest attempt is
	// under test.
	MetadataKeyTargetTask = "target_task"

	// MetadataKeyCommand overrides the run command (space-separated argv).
	MetadataKeyCommand = "command"

	// MetadataKeyTimeoutSeconds overrides the sandbox wall clock.
	MetadataKeyTimeoutSeconds = "timeout_seconds"

	// MetadataKeyRNGSeed is the seed handed to the strategy run.
	MetadataKeyRNGSeed = "rng_seed"
)

const (
	defaultRunTimeoutSeconds = 120
	defaultRNGSeed           = "42"

	// netPnLTolerance bounds the allowed drift between the two seeded runs
	// of the determinism check.
	netPnLTolerance = 1e-9
)

// requiredArtifacts must exist and be non-empty after a clean run.
var requiredArtifacts = []string{
	simbroker.ReportFileName,
	simbroker.TradesFileName,
	simbroker.EquityCurveFileName,
	"events.log",
}

// testReport is the shape of test_report.json the tester validates.
type testReport struct {
	Summary struct {
		TotalTrades int     `json:"total_trades"`
		NetPnL      float64 `json:"net_pnl"`
		WinRate     float64 `json:"win_rate"`
		MaxDrawdown float64 `json:"max_drawdown"`
	} `json:"summary"`
	Tests []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	} `json:"tests"`
}

// Tester runs the generated strategy in the sandbox, validates the produced
// artifacts, scans for leaked secrets, checks determinism across two seeded
// runs, and classifies any failure into exactly one of the five kinds.
type Tester struct {
	runner  sandbox.Runner
	store   *artifact.Store
	scanner *leakscan.Scanner
}

// NewTester creates a tester.
func NewTester(runner sandbox.Runner, store *artifact.Store, scanner *leakscan.Scanner) *Tester {
	return &Tester{runner: runner, store: store, scanner: scanner}
}

// Role implements Agent.
func (t *Tester) Role() models.AgentRole { return models.RoleTester }

// Execute implements Agent. A classified failure is a successful execution
// with a failure report; an error return means the tester itself could not
// do its job (or a secrets leak, which fails the task with no fix path).
func (t *Tester) Execute(ctx context.Context, task *models.TodoItem) (*Result, error) {
	workflowID, err := requireWorkflowID(task)
	if err != nil {
		return nil, err
	}
	log := slog.With("workflow_id", workflowID, "task_id", task.ID)

	targetTask := task.Metadata[MetadataKeyTargetTask]
	if targetTask == "" {
		return nil, fmt.Errorf("task %s: metadata missing %s", task.ID, MetadataKeyTargetTask)
	}
	correlationID := task.Metadata[models.MetadataKeyCorrelationID]

	spec, command, err := t.buildSpec(workflowID, targetTask, task.Metadata)
	if err != nil {
		return nil, err
	}

	// First run.
	run1, infraErr := t.runner.Run(ctx, spec)
	if infraErr != nil {
		log.Warn("Sandbox run failed", "error", infraErr)
		return failureResult(models.FailureSandboxError, nil, infraErr.Error(), command, correlationID), nil
	}

	combined := run1.Combined()
	if !t.scanner.Clean(combined) {
		log.Error("Secret pattern found in sandbox output")
		return nil, fmt.Errorf("task %s: %w", task.ID, ErrSecretsLeak)
	}

	if report := classifyRun(run1, command, correlationID); report != nil {
		log.Info("Run classified as failure", "kind", report.Kind)
		return &Result{Output: combined, Failure: report}, nil
	}

	report1, err := readReport(run1.ArtifactsDir)
	if err != nil {
		return failureResult(models.FailureArtifactSchema, nil, err.Error(), command, correlationID), nil
	}
	if names := failingTestNames(report1); len(names) > 0 {
		return failureResult(models.FailureTestFailures, names,
			combined, command, correlationID), nil
	}

	// Second seeded run for the determinism check.
	spec2, _, err := t.buildSpec(workflowID, targetTask, task.Metadata)
	if err != nil {
		return nil, err
	}
	run2, infraErr := t.runner.Run(ctx, spec2)
	if infraErr != nil {
		return failureResult(models.FailureSandboxError, nil, infraErr.Error(), command, correlationID), nil
	}
	if report := classifyRun(run2, command, correlationID); report != nil {
		// A run that passes once and fails once is not reproducible.
		return failureResult(models.FailureNonDeterministic, nil,
			"second seeded run failed: "+run2.Combined(), command, correlationID), nil
	}
	if msg := compareRuns(run1.ArtifactsDir, run2.ArtifactsDir, report1); msg != "" {
		log.Info("Determinism check failed", "detail", msg)
		return failureResult(models.FailureNonDeterministic, nil, msg, command, correlationID), nil
	}

	// Persist the validated artifacts under this tester task.
	files := map[string][]byte{}
	for _, name := range requiredArtifacts {
		data, err := os.ReadFile(filepath.Join(run1.ArtifactsDir, name))
		if err != nil {
			return nil, fmt.Errorf("collecting artifact %s: %w", name, err)
		}
		files[name] = data
	}
	attemptID := models.NewAttemptID()
	manifest, err := t.store.Put(workflowID, task.ID, attemptID, files)
	if err != nil {
		return nil, fmt.Errorf("storing test artifacts: %w", err)
	}

	refs := make([]string, 0, len(requiredArtifacts))
	for _, name := range requiredArtifacts {
		refs = append(refs, artifactRef(manifest, name))
	}
	log.Info("Backtest validated",
		"total_trades", report1.Summary.TotalTrades,
		"net_pnl", report1.Summary.NetPnL,
		"attempt_id", attemptID)
	return &Result{Output: combined, ArtifactRefs: refs}, nil
}

// buildSpec copies the target task's latest attempt into a fresh work dir
// and assembles the sandbox spec. Each run gets its own directory so the two
// determinism runs cannot see each other's output.
func (t *Tester) buildSpec(workflowID, targetTask string, metadata map[string]string) (*sandbox.Spec, string, error) {
	attempts, err := t.store.ListAttempts(workflowID, targetTask)
	if err != nil {
		return nil, "", fmt.Errorf("listing attempts for %s: %w", targetTask, err)
	}
	if len(attempts) == 0 {
		return nil, "", fmt.Errorf("target task %s has no stored attempts", targetTask)
	}
	latest := attempts[len(attempts)-1]

	manifest, err := t.store.GetManifest(workflowID, targetTask, latest)
	if err != nil {
		return nil, "", fmt.Errorf("reading manifest for %s/%s: %w", targetTask, latest, err)
	}

	workDir, err := os.MkdirTemp("", "qf-sandbox-"+workflowID+"-")
	if err != nil {
		return nil, "", fmt.Errorf("creating work dir: %w", err)
	}
	for _, entry := range manifest.Entries {
		data, err := t.store.Get(workflowID, targetTask, latest, entry.Name)
		if err != nil {
			return nil, "", err
		}
		if err := os.WriteFile(filepath.Join(workDir, entry.Name), data, 0o644); err != nil {
			return nil, "", fmt.Errorf("staging %s: %w", entry.Name, err)
		}
	}

	command := metadata[MetadataKeyCommand]
	if command == "" {
		command = "python " + StrategyFileName
	}
	timeout := defaultRunTimeoutSeconds
	if raw := metadata[MetadataKeyTimeoutSeconds]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}
	seed := metadata[MetadataKeyRNGSeed]
	if seed == "" {
		seed = defaultRNGSeed
	}

	return &sandbox.Spec{
		WorkDir:        workDir,
		Command:        strings.Fields(command),
		TimeoutSeconds: timeout,
		Env: map[string]string{
			"RNG_SEED":       seed,
			"PYTHONHASHSEED": seed,
		},
	}, command, nil
}

// classifyRun maps a completed sandbox run onto a failure kind, or nil when
// the run is clean. The traceback always carries stdout and stderr combined
// because interpreter errors frequently surface on stderr alone.
func classifyRun(run *sandbox.Result, command, correlationID string) *models.FailureReport {
	if run.TimedOut {
		return &models.FailureReport{
			Kind:          models.FailureSandboxError,
			Traceback:     "wall-clock timeout\n" + run.Combined(),
			Command:       command,
			CorrelationID: correlationID,
		}
	}
	if run.ExitCode == 0 {
		if missing := missingArtifacts(run.ArtifactsDir); len(missing) > 0 {
			return &models.FailureReport{
				Kind:          models.FailureArtifactSchema,
				FailingNames:  missing,
				Traceback:     run.Combined(),
				Command:       command,
				CorrelationID: correlationID,
			}
		}
		return nil
	}

	kind := models.FailureTestFailures
	if isStaticFailure(run.Combined()) {
		kind = models.FailureStaticFailures
	}
	return &models.FailureReport{
		Kind:          kind,
		Traceback:     run.Combined(),
		Command:       command,
		CorrelationID: correlationID,
	}
}

// staticErrorMarkers identify failures that happen before any test runs.
var staticErrorMarkers = []string{
	"SyntaxError",
	"IndentationError",
	"ImportError",
	"ModuleNotFoundError",
}

func isStaticFailure(output string) bool {
	for _, marker := range staticErrorMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

func missingArtifacts(dir string) []string {
	var missing []string
	for _, name := range requiredArtifacts {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.Size() == 0 {
			missing = append(missing, name)
		}
	}
	return missing
}

// readReport parses and validates test_report.json.
func readReport(dir string) (*testReport, error) {
	data, err := os.ReadFile(filepath.Join(dir, simbroker.ReportFileName))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", simbroker.ReportFileName, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s is not valid JSON: %w", simbroker.ReportFileName, err)
	}
	var report testReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%s does not match the report schema: %w", simbroker.ReportFileName, err)
	}
	if _, ok := raw["summary"]; !ok {
		return nil, fmt.Errorf("%s missing summary", simbroker.ReportFileName)
	}
	if _, ok := raw["tests"]; !ok {
		return nil, fmt.Errorf("%s missing tests", simbroker.ReportFileName)
	}
	return &report, nil
}

func failingTestNames(report *testReport) []string {
	var names []string
	for _, tc := range report.Tests {
		if tc.Status != "passed" {
			names = append(names, tc.Name)
		}
	}
	return names
}

// compareRuns checks the two seeded runs for identical headline metrics and
// an identical equity curve. Returns a description of the divergence, or "".
func compareRuns(dir1, dir2 string, report1 *testReport) string {
	report2, err := readReport(dir2)
	if err != nil {
		return "second run report unreadable: " + err.Error()
	}
	if report1.Summary.TotalTrades != report2.Summary.TotalTrades {
		return fmt.Sprintf("trade count diverged: %d vs %d",
			report1.Summary.TotalTrades, report2.Summary.TotalTrades)
	}
	if math.Abs(report1.Summary.NetPnL-report2.Summary.NetPnL) > netPnLTolerance {
		return fmt.Sprintf("net_pnl diverged: %v vs %v",
			report1.Summary.NetPnL, report2.Summary.NetPnL)
	}
	curve1, err1 := os.ReadFile(filepath.Join(dir1, simbroker.EquityCurveFileName))
	curve2, err2 := os.ReadFile(filepath.Join(dir2, simbroker.EquityCurveFileName))
	if err1 != nil || err2 != nil {
		return "equity curve unreadable"
	}
	if string(curve1) != string(curve2) {
		return "equity curves diverged"
	}
	return ""
}

func failureResult(kind models.FailureKind, names []string, traceback, command, correlationID string) *Result {
	return &Result{
		Failure: &models.FailureReport{
			Kind:          kind,
			FailingNames:  names,
			Traceback:     traceback,
			Command:       command,
			CorrelationID: correlationID,
		},
	}
}
