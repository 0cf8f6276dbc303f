package packaging

import (
	"encoding/json"
	"fmt"
)

// Severity grades an issue.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue codes raised by the pipeline itself.
const (
	CodePlatformMismatch       = "platform_mismatch"
	CodeProjectNotFound        = "project_not_found"
	CodeProjectLoadFailed      = "project_load_failed"
	CodePolicyEvaluationFailed = "policy_evaluation_failed"
	CodeWorkdirFailed          = "workdir_failed"
	CodeAgentUnavailable       = "agent_unavailable"
	CodeNoProviders            = "no_providers"
	CodeProviderFailed         = "provider_failed"
	CodeInvalidVersion         = "invalid_version"
	CodeFormatUnmatched        = "format_unmatched"
	CodeArtifactInWorkdir      = "artifact_in_workdir"
	CodeInternalError          = "internal_error"
)

// ProviderFailedCode returns the issue code used when the provider for
// format fails unexpectedly.
func ProviderFailedCode(format string) string {
	return CodeProviderFailed + ":" + format
}

// Issue is a machine-readable outcome record.
type Issue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Code, i.Message)
}

func NewError(code, message string) Issue {
	return Issue{Code: code, Message: message, Severity: SeverityError}
}

func NewWarning(code, message string) Issue {
	return Issue{Code: code, Message: message, Severity: SeverityWarning}
}

func NewInfo(code, message string) Issue {
	return Issue{Code: code, Message: message, Severity: SeverityInfo}
}

// HasErrors reports whether any issue has Error severity.
func HasErrors(issues []Issue) bool {
	return CountErrors(issues) > 0
}

// CountErrors returns the number of Error-severity issues.
func CountErrors(issues []Issue) int {
	n := 0
	for _, i := range issues {
		if i.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Result is the outcome of a packaging run. Success is derived from the
// issue list and cannot be set independently.
type Result struct {
	Artifacts []Artifact
	Issues    []Issue
}

// Failed builds a result carrying only the given issues.
func Failed(issues ...Issue) Result {
	return Result{Issues: issues}
}

// Success reports whether the result holds no Error-severity issue.
func (r Result) Success() bool {
	return !HasErrors(r.Issues)
}

type resultJSON struct {
	Success   bool       `json:"success"`
	Artifacts []Artifact `json:"artifacts"`
	Issues    []Issue    `json:"issues"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Success: r.Success(), Artifacts: r.Artifacts, Issues: r.Issues}
	if out.Artifacts == nil {
		out.Artifacts = []Artifact{}
	}
	if out.Issues == nil {
		out.Issues = []Issue{}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a result; the encoded success field is ignored and
// recomputed from the issues.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Artifacts = in.Artifacts
	r.Issues = in.Issues
	return nil
}
