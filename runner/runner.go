// Package runner executes external tool invocations with deadlines and
// scoped credential injection.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/logging"
	"github.com/conveyor-ci/conveyor/vault"
)

// Outcome classifies how an invocation finished.
type Outcome string

const (
	// OutcomeCompleted means the process ran to completion; ExitCode holds
	// its exit status, zero or not.
	OutcomeCompleted Outcome = "completed"
	// OutcomeTimedOut means the deadline elapsed and the process was killed.
	OutcomeTimedOut Outcome = "timed-out"
	// OutcomeToolNotFound means the command does not exist on PATH.
	OutcomeToolNotFound Outcome = "tool-not-found"
	// OutcomeCredentialError means a credential reference failed to resolve;
	// the process was never started.
	OutcomeCredentialError Outcome = "credential-error"
	// OutcomeStartError covers any other failure to launch the process.
	OutcomeStartError Outcome = "start-error"
)

// CredentialUse binds a vault reference to the environment variable names the
// tool expects. Unset variable names are skipped.
type CredentialUse struct {
	Ref         string `yaml:"ref"`
	UsernameVar string `yaml:"usernameVar,omitempty"`
	SecretVar   string `yaml:"secretVar,omitempty"`
}

// Invocation describes one external command to run.
type Invocation struct {
	Label       string
	Command     string
	Args        []string
	Dir         string
	Env         map[string]string
	Credentials []CredentialUse
	Timeout     time.Duration
	BestEffort  bool
}

// ExecResult is the outcome of a single invocation. A non-zero exit is not a
// Go error; it is OutcomeCompleted with the exit code recorded.
type ExecResult struct {
	Outcome  Outcome
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Err      error // underlying error for non-Completed outcomes
}

// OK reports whether the invocation completed with exit status zero.
func (r *ExecResult) OK() bool {
	return r.Outcome == OutcomeCompleted && r.ExitCode == 0
}

// Runner executes invocations as OS processes.
type Runner struct {
	Creds     vault.Resolver
	Logger    logging.Logger
	MaxOutput int           // per-stream capture cap in bytes, 0 = default
	KillGrace time.Duration // wait after kill before abandoning I/O
}

const defaultMaxOutput = 256 * 1024

// New creates a Runner resolving credentials through creds.
func New(creds vault.Resolver, logger logging.Logger) *Runner {
	return &Runner{
		Creds:     creds,
		Logger:    logger,
		MaxOutput: defaultMaxOutput,
		KillGrace: 5 * time.Second,
	}
}

// Execute runs one invocation under its timeout. Credentials are resolved
// just before start, injected as process-local environment variables, and
// scrubbed on every return path.
func (r *Runner) Execute(ctx context.Context, inv Invocation) *ExecResult {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	env := os.Environ()
	for k, v := range inv.Env {
		env = append(env, k+"="+v)
	}

	var resolved []*vault.Credential
	defer func() {
		for _, c := range resolved {
			c.Scrub()
		}
	}()
	var secrets []string
	for _, use := range inv.Credentials {
		cred, err := r.Creds.Resolve(use.Ref)
		if err != nil {
			return &ExecResult{
				Outcome: OutcomeCredentialError,
				Err:     fmt.Errorf("invocation %s: %w", inv.Command, err),
			}
		}
		resolved = append(resolved, cred)
		if use.UsernameVar != "" {
			env = append(env, use.UsernameVar+"="+string(cred.Username))
		}
		if use.SecretVar != "" {
			secret := string(cred.Secret)
			env = append(env, use.SecretVar+"="+secret)
			secrets = append(secrets, secret)
		}
	}

	cmd := exec.CommandContext(ctx, inv.Command, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = env
	cmd.WaitDelay = r.killGrace()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Debug("executing", map[string]any{
		"command": inv.Command,
		"args":    inv.Args,
		"dir":     inv.Dir,
	})

	start := time.Now()
	err := cmd.Run()
	// Captured streams end up in run reports; a tool that echoes its
	// credentials must not leak them there.
	res := &ExecResult{
		Duration: time.Since(start),
		Stdout:   truncate(redact(stdout.String(), secrets), r.maxOutput()),
		Stderr:   truncate(redact(stderr.String(), secrets), r.maxOutput()),
	}
	// Drop the credential-bearing env slice before returning.
	cmd.Env = nil

	switch {
	case err == nil:
		res.Outcome = OutcomeCompleted
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimedOut
		res.Err = fmt.Errorf("invocation %s: deadline exceeded after %s", inv.Command, res.Duration.Round(time.Millisecond))
	case errors.Is(err, exec.ErrNotFound):
		res.Outcome = OutcomeToolNotFound
		res.Err = fmt.Errorf("invocation %s: %w", inv.Command, err)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Outcome = OutcomeCompleted
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Outcome = OutcomeStartError
			res.Err = fmt.Errorf("invocation %s: %w", inv.Command, err)
		}
	}
	return res
}

func (r *Runner) maxOutput() int {
	if r.MaxOutput > 0 {
		return r.MaxOutput
	}
	return defaultMaxOutput
}

func (r *Runner) killGrace() time.Duration {
	if r.KillGrace > 0 {
		return r.KillGrace
	}
	return 5 * time.Second
}

func redact(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, "[redacted]")
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [output truncated]"
}
