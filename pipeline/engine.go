package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/gate"
	"github.com/conveyor-ci/conveyor/logging"
	"github.com/conveyor-ci/conveyor/rollout"
	"github.com/conveyor-ci/conveyor/runner"
	"github.com/conveyor-ci/conveyor/vault"
)

// ProcessRunner executes external invocations. Implemented by runner.Runner;
// tests substitute fakes.
type ProcessRunner interface {
	Execute(ctx context.Context, inv runner.Invocation) *runner.ExecResult
}

// RolloutVerifier waits for a deployment to converge. Implemented by
// rollout.Verifier.
type RolloutVerifier interface {
	Verify(ctx context.Context, target rollout.Target) rollout.State
}

// Engine interprets a Spec: evaluates run conditions, executes stage bodies
// in order under their deadlines, halts on the first failing mandatory
// stage, and always runs the terminal post block exactly once.
type Engine struct {
	Runner   ProcessRunner
	Gates    gate.Checker
	Verifier RolloutVerifier
	Logger   logging.Logger
}

// New creates an Engine. Gates and Verifier may be nil when the spec binds
// no gate or verification.
func New(r ProcessRunner, g gate.Checker, v RolloutVerifier, logger logging.Logger) *Engine {
	return &Engine{Runner: r, Gates: g, Verifier: v, Logger: logger}
}

// Run executes the pipeline and returns its report. The terminal post block
// runs on every exit path, including global-deadline expiry and panics in
// stage funcs, before the report is finalized.
func (e *Engine) Run(ctx context.Context, spec *Spec, params Params) (report *Report) {
	report = &Report{
		RunID:     uuid.NewString(),
		Pipeline:  spec.Name,
		Params:    params,
		StartedAt: time.Now(),
	}
	rc := NewRunContext(params)

	base := ctx
	if spec.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.GlobalTimeout)
		defer cancel()
	}

	e.Logger.Info("pipeline run starting", map[string]any{
		"pipeline":    spec.Name,
		"runId":       report.RunID,
		"environment": params.Environment,
	})

	defer func() {
		e.runPostBlock(context.WithoutCancel(base), &spec.Post, rc, report)
		report.Tag = rc.Value("tag")
		report.Revision = rc.Value("revision")
		report.FinishedAt = time.Now()
		report.Verdict = verdictOf(report)
		e.Logger.Info("pipeline run finished", map[string]any{
			"pipeline": spec.Name,
			"runId":    report.RunID,
			"verdict":  string(report.Verdict),
			"duration": report.FinishedAt.Sub(report.StartedAt).String(),
		})
	}()

	e.runStages(ctx, spec, rc, report)
	return report
}

func (e *Engine) runStages(ctx context.Context, spec *Spec, rc *RunContext, report *Report) {
	history := &History{}
	aborted := false

	for _, st := range spec.Stages {
		if !aborted && ctx.Err() != nil {
			// Global deadline hit between stages.
			aborted = true
		}
		if aborted {
			report.Results = append(report.Results, RunResult{Stage: st.Name, Status: StatusAborted})
			continue
		}

		if st.When != nil && !st.When(rc.params, history) {
			res := RunResult{Stage: st.Name, Status: StatusSkipped}
			if st.Post != nil && st.Post.AlwaysRun {
				e.runPostAction(context.WithoutCancel(ctx), st.Post, rc, &res)
			}
			e.Logger.Info("stage skipped", map[string]any{"stage": st.Name})
			report.Results = append(report.Results, res)
			history.results = report.Results
			continue
		}

		res := e.runStage(ctx, &st, rc)
		report.Results = append(report.Results, res)
		history.results = report.Results

		if res.Status == StatusFailed {
			fields := map[string]any{"stage": st.Name, "kind": string(res.Failure.Kind), "reason": res.Failure.Reason}
			if st.Mandatory {
				e.Logger.Error("mandatory stage failed, aborting remaining stages", fields)
				aborted = true
			} else {
				e.Logger.Warn("optional stage failed", fields)
			}
		}
	}
}

func (e *Engine) runStage(ctx context.Context, st *StageDefinition, rc *RunContext) RunResult {
	res := RunResult{Stage: st.Name, StartedAt: time.Now()}
	e.Logger.Info("stage starting", map[string]any{"stage": st.Name})

	stageCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	failure := e.runBody(stageCtx, st, rc, &res)
	if failure == nil && st.Gate != nil {
		failure = e.waitForGate(stageCtx, st.Gate, rc, &res)
	}
	if failure == nil && st.Verify != nil {
		failure = e.verifyRollout(stageCtx, st.Verify, rc, &res)
	}

	// The post-action runs whenever the stage was attempted, even after a
	// body failure or timeout, so partial reports still get collected. It
	// must not inherit an already-expired stage deadline.
	if st.Post != nil {
		e.runPostAction(context.WithoutCancel(ctx), st.Post, rc, &res)
	}

	res.Duration = time.Since(res.StartedAt)
	if failure != nil {
		res.Status = StatusFailed
		res.Failure = failure
	} else {
		res.Status = StatusSucceeded
	}
	return res
}

// runBody executes the in-process func (if any) then each invocation in
// order; the first non-best-effort failure stops the body.
func (e *Engine) runBody(ctx context.Context, st *StageDefinition, rc *RunContext, res *RunResult) *Failure {
	if st.Func != nil {
		if err := st.Func(ctx, rc); err != nil {
			return failureFromErr(err)
		}
	}
	for _, inv := range st.Body {
		er := e.Runner.Execute(ctx, rc.ExpandInvocation(inv))
		res.appendOutput(invLabel(inv), er)
		if er.OK() {
			continue
		}
		if inv.BestEffort {
			res.warnf("best-effort invocation %s failed (%s)", invLabel(inv), describeExec(er))
			continue
		}
		return failureFromExec(inv, er)
	}
	return nil
}

func (e *Engine) waitForGate(ctx context.Context, b *GateBinding, rc *RunContext, res *RunResult) *Failure {
	id := rc.Expand(b.AnalysisID)
	if id == "" && b.TaskFile != "" {
		var err error
		id, err = gate.ReadTaskFile(rc.Expand(b.TaskFile))
		if err != nil {
			return &Failure{Kind: FailQualityGate, Reason: err.Error()}
		}
	}
	if id == "" {
		return &Failure{Kind: FailQualityGate, Reason: "no analysis id available for quality gate"}
	}

	gateCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	verdict, err := e.Gates.Wait(gateCtx, id, b.Interval)
	switch {
	case err != nil:
		// A gate that never answered must not let the artifact through.
		if !b.Enforce {
			res.warnf("quality gate wait failed, not enforced: %v", err)
			return nil
		}
		return &Failure{Kind: FailQualityGate, Reason: err.Error()}
	case verdict == gate.VerdictFailed:
		if !b.Enforce {
			res.warnf("quality gate failed for analysis %s, not enforced", id)
			return nil
		}
		return &Failure{Kind: FailQualityGate, Reason: "quality gate verdict: failed for analysis " + id}
	default:
		return nil
	}
}

func (e *Engine) verifyRollout(ctx context.Context, b *VerifyBinding, rc *RunContext, res *RunResult) *Failure {
	verifyCtx := ctx
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	state := e.Verifier.Verify(verifyCtx, rollout.Target{
		Namespace:  rc.Expand(b.Namespace),
		Deployment: rc.Expand(b.Deployment),
		Desired:    b.Replicas,
	})
	if state.Phase == rollout.PhaseReady {
		return nil
	}
	reason := string(state.Phase)
	if state.Message != "" {
		reason += ": " + state.Message
	}
	return &Failure{Kind: FailDeploymentVerification, Reason: reason}
}

// runPostAction executes a stage post-action. Post-action failures are
// recorded as warnings, never as stage failure.
func (e *Engine) runPostAction(ctx context.Context, post *PostAction, rc *RunContext, res *RunResult) {
	if post.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, post.Timeout)
		defer cancel()
	}
	for _, inv := range post.Invocations {
		er := e.Runner.Execute(ctx, rc.ExpandInvocation(inv))
		res.appendOutput(invLabel(inv), er)
		if !er.OK() {
			res.warnf("post-action %s failed (%s)", invLabel(inv), describeExec(er))
		}
	}
}

// runPostBlock executes the terminal cleanup and notification. It receives a
// context detached from the run's cancellation so cleanup still happens after
// a global timeout, bounded by the block's own deadline.
func (e *Engine) runPostBlock(ctx context.Context, post *PostBlock, rc *RunContext, report *Report) {
	timeout := post.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, inv := range post.Cleanup {
		er := e.Runner.Execute(ctx, rc.ExpandInvocation(inv))
		pr := PostResult{Label: invLabel(inv), OK: er.OK()}
		if !er.OK() {
			pr.Detail = describeExec(er)
			e.Logger.Warn("cleanup invocation failed", map[string]any{"invocation": pr.Label, "detail": pr.Detail})
		}
		report.Post = append(report.Post, pr)
	}

	if post.Notify != nil {
		inv := rc.ExpandInvocation(*post.Notify)
		if inv.Env == nil {
			inv.Env = map[string]string{}
		}
		inv.Env["CONVEYOR_VERDICT"] = string(verdictOf(report))
		inv.Env["CONVEYOR_RUN_ID"] = report.RunID
		er := e.Runner.Execute(ctx, inv)
		pr := PostResult{Label: invLabel(inv), OK: er.OK()}
		if !er.OK() {
			pr.Detail = describeExec(er)
			e.Logger.Warn("notification failed", map[string]any{"invocation": pr.Label, "detail": pr.Detail})
		}
		report.Post = append(report.Post, pr)
	}
}

func verdictOf(report *Report) Verdict {
	for i := range report.Results {
		switch report.Results[i].Status {
		case StatusFailed, StatusAborted:
			return VerdictFailed
		}
	}
	return VerdictSucceeded
}

func invLabel(inv runner.Invocation) string {
	if inv.Label != "" {
		return inv.Label
	}
	return inv.Command
}

func describeExec(er *runner.ExecResult) string {
	switch er.Outcome {
	case runner.OutcomeCompleted:
		return "exit " + strconv.Itoa(er.ExitCode)
	default:
		if er.Err != nil {
			return string(er.Outcome) + ": " + er.Err.Error()
		}
		return string(er.Outcome)
	}
}

func failureFromExec(inv runner.Invocation, er *runner.ExecResult) *Failure {
	label := invLabel(inv)
	switch er.Outcome {
	case runner.OutcomeToolNotFound:
		return &Failure{Kind: FailToolNotFound, Reason: label + ": command not found"}
	case runner.OutcomeTimedOut:
		return &Failure{Kind: FailTimeout, Reason: er.Err.Error()}
	case runner.OutcomeCredentialError:
		return failureFromErr(er.Err)
	case runner.OutcomeCompleted:
		return &Failure{Kind: FailNonZeroExit, Reason: label + ": exit status " + strconv.Itoa(er.ExitCode)}
	default:
		return &Failure{Kind: FailInternal, Reason: er.Err.Error()}
	}
}

func failureFromErr(err error) *Failure {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return &Failure{Kind: FailCredentialNotFound, Reason: err.Error()}
	case errors.Is(err, vault.ErrAccessDenied):
		return &Failure{Kind: FailCredentialAccessDenied, Reason: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Kind: FailTimeout, Reason: err.Error()}
	default:
		return &Failure{Kind: FailInternal, Reason: err.Error()}
	}
}
