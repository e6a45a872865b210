// Package pipeline holds the declarative pipeline model and the engine that
// interprets it: an ordered list of stage definitions executed sequentially,
// with run conditions, deadlines, quality gates, and a terminal post block
// that runs on every exit path.
package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/conveyor-ci/conveyor/runner"
)

// Params are the per-run inputs supplied at trigger time.
type Params struct {
	Environment  string            `json:"environment"`
	SkipTests    bool              `json:"skipTests"`
	SkipAnalysis bool              `json:"skipStaticAnalysis"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Condition decides whether a stage body runs, given the run parameters and
// the results accumulated so far. A nil Condition means "always run".
type Condition func(p Params, h *History) bool

// StageFunc is an in-process stage body, used where the work is done by a
// library rather than an external tool (e.g. source checkout via go-git).
type StageFunc func(ctx context.Context, rc *RunContext) error

// PostAction runs after a stage body, regardless of the body's outcome.
// AlwaysRun additionally fires it when the run condition skipped the body,
// for post-actions that perform mandatory cleanup or report collection.
type PostAction struct {
	Invocations []runner.Invocation
	AlwaysRun   bool
	Timeout     time.Duration
}

// GateBinding attaches a quality-gate wait to a stage: after the body
// submits the analysis, the engine polls for the verdict with a bounded wait.
// When Enforce is false a failed verdict is downgraded to a warning.
type GateBinding struct {
	AnalysisID string // expanded against run values; may be empty if TaskFile is set
	TaskFile   string // file written by the scanner, holding the analysis id
	Interval   time.Duration
	Timeout    time.Duration
	Enforce    bool
}

// VerifyBinding attaches rollout verification to a deploy stage.
type VerifyBinding struct {
	Namespace  string
	Deployment string
	Replicas   int32
	Interval   time.Duration
	Timeout    time.Duration
}

// StageDefinition is one named unit of pipeline work.
type StageDefinition struct {
	Name      string
	When      Condition
	Func      StageFunc // optional in-process body, runs before Body
	Body      []runner.Invocation
	Post      *PostAction
	Gate      *GateBinding
	Verify    *VerifyBinding
	Mandatory bool
	Timeout   time.Duration
}

// PostBlock is the pipeline's terminal block: cleanup invocations plus an
// optional notification. It runs exactly once per run, on every exit path,
// and its failures never escalate to pipeline failure.
type PostBlock struct {
	Cleanup []runner.Invocation
	Notify  *runner.Invocation
	Timeout time.Duration
}

// Spec is the immutable description of one pipeline. It is constructed from
// configuration before a run starts and never mutated during the run.
type Spec struct {
	Name          string
	Version       string
	GlobalTimeout time.Duration
	Stages        []StageDefinition
	Post          PostBlock
}

// RunContext carries the shared per-run state that stages parameterize over:
// the image tag, the resolved revision, the target namespace. Only the
// engine and stage funcs it invokes touch it, and the run is strictly
// sequential, so no locking is needed.
type RunContext struct {
	params Params
	values map[string]string
}

// NewRunContext seeds a run context with the trigger parameters.
func NewRunContext(params Params) *RunContext {
	values := map[string]string{"environment": params.Environment}
	for k, v := range params.Extra {
		values[k] = v
	}
	return &RunContext{params: params, values: values}
}

// Params returns the trigger parameters.
func (rc *RunContext) Params() Params { return rc.params }

// SetValue publishes a named value for downstream stages.
func (rc *RunContext) SetValue(key, val string) { rc.values[key] = val }

// Value returns a published value, or "" if unset.
func (rc *RunContext) Value(key string) string { return rc.values[key] }

// Expand substitutes ${name} references in s against the published values.
// Unknown references expand to the empty string.
func (rc *RunContext) Expand(s string) string {
	return os.Expand(s, func(key string) string { return rc.values[key] })
}

// ExpandInvocation returns a copy of inv with args, dir, and env values
// expanded against the run context.
func (rc *RunContext) ExpandInvocation(inv runner.Invocation) runner.Invocation {
	out := inv
	out.Args = make([]string, len(inv.Args))
	for i, a := range inv.Args {
		out.Args[i] = rc.Expand(a)
	}
	out.Dir = rc.Expand(inv.Dir)
	if len(inv.Env) > 0 {
		out.Env = make(map[string]string, len(inv.Env))
		for k, v := range inv.Env {
			out.Env[k] = rc.Expand(v)
		}
	}
	return out
}
