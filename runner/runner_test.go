package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/logging"
	"github.com/conveyor-ci/conveyor/vault"
)

type fakeResolver struct {
	creds map[string]*vault.Credential
	err   error
}

func (f *fakeResolver) Resolve(ref string) (*vault.Credential, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.creds[ref]
	if !ok {
		return nil, fmt.Errorf("resolving %s: %w", ref, vault.ErrNotFound)
	}
	// Hand out a copy so scrubbing does not corrupt the fixture.
	return &vault.Credential{
		Ref:      c.Ref,
		Kind:     c.Kind,
		Username: append([]byte{}, c.Username...),
		Secret:   append([]byte{}, c.Secret...),
	}, nil
}

func newTestRunner(creds vault.Resolver) *Runner {
	if creds == nil {
		creds = &fakeResolver{}
	}
	return New(creds, logging.NopLogger{})
}

func TestExecute_CapturesOutputAndExitZero(t *testing.T) {
	r := newTestRunner(nil)

	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err >&2"},
	})

	if !res.OK() {
		t.Fatalf("result = %+v, want OK", res)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q, want out", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q, want err", res.Stderr)
	}
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	r := newTestRunner(nil)

	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, want completed", res.Outcome)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Err != nil {
		t.Errorf("err = %v, want nil for a clean non-zero exit", res.Err)
	}
}

func TestExecute_ToolNotFound(t *testing.T) {
	r := newTestRunner(nil)

	res := r.Execute(context.Background(), Invocation{Command: "definitely-not-a-real-tool-xyz"})

	if res.Outcome != OutcomeToolNotFound {
		t.Fatalf("outcome = %s, want tool-not-found", res.Outcome)
	}
	if res.Err == nil {
		t.Error("err should describe the missing tool")
	}
}

func TestExecute_TimeoutKillsProcess(t *testing.T) {
	r := newTestRunner(nil)
	r.KillGrace = 100 * time.Millisecond

	start := time.Now()
	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})

	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %s, want timed-out", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("process not killed promptly, took %s", elapsed)
	}
}

func TestExecute_InjectsCredentialEnv(t *testing.T) {
	creds := &fakeResolver{creds: map[string]*vault.Credential{
		"registry": {
			Ref:      "registry",
			Kind:     vault.KindUserPass,
			Username: []byte("robot"),
			Secret:   []byte("hunter2"),
		},
	}}
	r := newTestRunner(creds)

	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", `test "$REGISTRY_USER" = robot && test "$REGISTRY_PASSWORD" = hunter2`},
		Credentials: []CredentialUse{{
			Ref:         "registry",
			UsernameVar: "REGISTRY_USER",
			SecretVar:   "REGISTRY_PASSWORD",
		}},
	})

	if !res.OK() {
		t.Fatalf("result = %+v, want credential vars visible to the process", res)
	}
}

func TestExecute_RedactsSecretsFromCapturedOutput(t *testing.T) {
	creds := &fakeResolver{creds: map[string]*vault.Credential{
		"registry": {
			Ref:      "registry",
			Kind:     vault.KindUserPass,
			Username: []byte("robot"),
			Secret:   []byte("hunter2"),
		},
	}}
	r := newTestRunner(creds)

	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", `echo "login with $REGISTRY_PASSWORD"; echo "err: $REGISTRY_PASSWORD" >&2`},
		Credentials: []CredentialUse{{
			Ref:         "registry",
			UsernameVar: "REGISTRY_USER",
			SecretVar:   "REGISTRY_PASSWORD",
		}},
	})

	if !res.OK() {
		t.Fatalf("result = %+v, want OK", res)
	}
	for _, stream := range []string{res.Stdout, res.Stderr} {
		if strings.Contains(stream, "hunter2") {
			t.Errorf("captured output leaks the secret: %q", stream)
		}
		if !strings.Contains(stream, "[redacted]") {
			t.Errorf("secret occurrence not marked redacted: %q", stream)
		}
	}
}

func TestExecute_CredentialResolutionFailure(t *testing.T) {
	r := newTestRunner(&fakeResolver{})

	res := r.Execute(context.Background(), Invocation{
		Command:     "sh",
		Args:        []string{"-c", "true"},
		Credentials: []CredentialUse{{Ref: "missing", SecretVar: "TOKEN"}},
	})

	if res.Outcome != OutcomeCredentialError {
		t.Fatalf("outcome = %s, want credential-error", res.Outcome)
	}
}

func TestExecute_EnvPassedThrough(t *testing.T) {
	r := newTestRunner(nil)

	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", `echo "$PIPELINE_ENV"`},
		Env:     map[string]string{"PIPELINE_ENV": "qa"},
	})

	if strings.TrimSpace(res.Stdout) != "qa" {
		t.Errorf("stdout = %q, want qa", res.Stdout)
	}
}

func TestExecute_TruncatesLongOutput(t *testing.T) {
	r := newTestRunner(nil)
	r.MaxOutput = 64

	res := r.Execute(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", "yes x | head -n 1000"},
	})

	if !strings.HasSuffix(res.Stdout, "[output truncated]") {
		t.Errorf("stdout should be truncated, got %d bytes", len(res.Stdout))
	}
	if len(res.Stdout) > 64+len("\n... [output truncated]") {
		t.Errorf("stdout length = %d, want capped", len(res.Stdout))
	}
}

func TestExecute_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	r := newTestRunner(nil)

	res := r.Execute(context.Background(), Invocation{
		Command: "pwd",
		Dir:     dir,
	})

	if !res.OK() {
		t.Fatalf("result = %+v, want OK", res)
	}
	if strings.TrimSpace(res.Stdout) != dir {
		t.Errorf("pwd = %q, want %q", strings.TrimSpace(res.Stdout), dir)
	}
}
