package models

// FailureKind classifies a task failure for the tester → debugger handoff.
// Exactly five kinds exist; the debugger's fix-task strategy keys off them.
type FailureKind string

// Failure classifications.
const (
	FailureTestFailures     FailureKind = "test_failures"
	FailureStaticFailures   FailureKind = "static_failures"
	FailureNonDeterministic FailureKind = "non_deterministic"
	FailureSandboxError     FailureKind = "sandbox_error"
	FailureArtifactSchema   FailureKind = "artifact_schema"
)

// IsValid reports whether the kind is one of the five classifications.
func (k FailureKind) IsValid() bool {
	switch k {
	case FailureTestFailures, FailureStaticFailures, FailureNonDeterministic,
		FailureSandboxError, FailureArtifactSchema:
		return true
	}
	return false
}

// FailureReport carries everything the debugger needs to produce fix-tasks.
// Traceback contains stdout and stderr combined; encoding errors surface on
// stderr only and would otherwise be invisible to the classifier.
type FailureReport struct {
	Kind          FailureKind `json:"kind"`
	FailingNames  []string    `json:"failing_names,omitempty"`
	Traceback     string      `json:"traceback,omitempty"`
	Fixture       string      `json:"fixture,omitempty"`
	Command       string      `json:"command,omitempty"`
	CorrelationID string      `json:"correlation_id"`
}
