package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/runner"
)

// Status is the outcome of one stage within a run.
type Status string

const (
	StatusSkipped   Status = "skipped"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// FailureKind classifies why a stage failed.
type FailureKind string

const (
	FailToolNotFound           FailureKind = "tool-not-found"
	FailNonZeroExit            FailureKind = "non-zero-exit"
	FailTimeout                FailureKind = "timeout"
	FailCredentialNotFound     FailureKind = "credential-not-found"
	FailCredentialAccessDenied FailureKind = "credential-access-denied"
	FailQualityGate            FailureKind = "quality-gate-failed"
	FailDeploymentVerification FailureKind = "deployment-verification-failed"
	FailInternal               FailureKind = "internal"
)

// Failure describes a stage failure.
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

// RunResult is the recorded outcome of one stage. Results are appended by
// the engine as the run progresses and never mutated afterwards.
type RunResult struct {
	Stage     string        `json:"stage"`
	Status    Status        `json:"status"`
	Failure   *Failure      `json:"failure,omitempty"`
	Output    string        `json:"output,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	StartedAt time.Time     `json:"startedAt,omitzero"`
	Duration  time.Duration `json:"duration,omitempty"`
}

func (r *RunResult) appendOutput(label string, er *runner.ExecResult) {
	var b strings.Builder
	if r.Output != "" {
		b.WriteString(r.Output)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "--- %s (%s", label, er.Outcome)
	if er.Outcome == runner.OutcomeCompleted {
		fmt.Fprintf(&b, ", exit %d", er.ExitCode)
	}
	b.WriteString(")")
	if out := strings.TrimSpace(er.Stdout); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	if errOut := strings.TrimSpace(er.Stderr); errOut != "" {
		b.WriteString("\n")
		b.WriteString(errOut)
	}
	r.Output = b.String()
}

func (r *RunResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// PostResult records one terminal post-block invocation. Post-block failures
// never escalate, so there is no failure taxonomy here, just OK and detail.
type PostResult struct {
	Label  string `json:"label"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the overall outcome of a run.
type Verdict string

const (
	VerdictSucceeded Verdict = "succeeded"
	VerdictFailed    Verdict = "failed"
)

// Report is the immutable record of one pipeline run.
type Report struct {
	RunID      string       `json:"runId"`
	Pipeline   string       `json:"pipeline"`
	Params     Params       `json:"params"`
	Tag        string       `json:"tag,omitempty"`
	Revision   string       `json:"revision,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Results    []RunResult  `json:"results"`
	Post       []PostResult `json:"post,omitempty"`
	Verdict    Verdict      `json:"verdict"`
}

// Result returns the recorded result for a stage, or nil.
func (r *Report) Result(stage string) *RunResult {
	for i := range r.Results {
		if r.Results[i].Stage == stage {
			return &r.Results[i]
		}
	}
	return nil
}

// History is the read-only view of accumulated results that run conditions
// evaluate against.
type History struct {
	results []RunResult
}

// Status returns the recorded status of a stage, or "" if it has not run.
func (h *History) Status(stage string) Status {
	for i := range h.results {
		if h.results[i].Stage == stage {
			return h.results[i].Status
		}
	}
	return ""
}

// Succeeded reports whether the named stage succeeded.
func (h *History) Succeeded(stage string) bool {
	return h.Status(stage) == StatusSucceeded
}

// Len returns the number of recorded results.
func (h *History) Len() int { return len(h.results) }
