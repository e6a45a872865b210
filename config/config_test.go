package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
name: payments
version: "1"
timeout: 45m
environments:
  staging:
    namespace: payments-staging
    replicas: 2
  production:
    namespace: payments-prod
    replicas: 4
source:
  repo: https://git.example.com/team/payments.git
  branch: release
  credential: GIT_TOKEN
build:
  command: make
  args: ["build"]
tests:
  command: make
  args: ["test"]
  skipArg: "-DskipTests"
  collect:
    command: make
    args: ["collect-reports"]
analysis:
  command: scanner
  server: https://analysis.example.com
  projectKey: payments
  taskFile: .scan/report-task.txt
  credential: ANALYSIS_TOKEN
  gate:
    enforce: false
    interval: 5s
    timeout: 2m
scan:
  command: trivy
  args: ["image", "${image}"]
image:
  repository: registry.example.com/team/payments
  credential: REGISTRY_TOKEN
deploy:
  manifest: deploy/app.yaml
  deployment: payments
  verify:
    interval: 2s
    timeout: 1m
cleanup:
  - ["docker", "system", "prune", "-f"]
notify:
  command: notify-send
`

func TestParse_Sample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Name != "payments" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Timeout.Std() != 45*time.Minute {
		t.Errorf("timeout = %v", cfg.Timeout.Std())
	}
	if cfg.Source.Branch != "release" {
		t.Errorf("branch = %q", cfg.Source.Branch)
	}
	if cfg.Tests.SkipArg != "-DskipTests" {
		t.Errorf("skipArg = %q", cfg.Tests.SkipArg)
	}
	if cfg.Tests.Collect == nil || cfg.Tests.Collect.Command != "make" {
		t.Errorf("collect = %+v", cfg.Tests.Collect)
	}
	if cfg.GateEnforced() {
		t.Error("gate enforce false should not be enforced")
	}
	if cfg.Analysis.Gate.Interval.Std() != 5*time.Second {
		t.Errorf("gate interval = %v", cfg.Analysis.Gate.Interval.Std())
	}
	if len(cfg.Cleanup) != 1 || cfg.Cleanup[0][0] != "docker" {
		t.Errorf("cleanup = %v", cfg.Cleanup)
	}
	env, err := cfg.EnvironmentFor("production")
	if err != nil {
		t.Fatal(err)
	}
	if env.Namespace != "payments-prod" || env.Replicas != 4 {
		t.Errorf("production env = %+v", env)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
name: app
environments:
  staging: {namespace: ns, replicas: 1}
source: {repo: https://example.com/r.git}
build: {command: make}
image: {repository: reg.example.com/app}
deploy: {manifest: m.yaml, deployment: app}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.StateDir != ".conveyor" {
		t.Errorf("stateDir = %q", cfg.StateDir)
	}
	if cfg.Timeout.Std() != 60*time.Minute {
		t.Errorf("timeout = %v", cfg.Timeout.Std())
	}
	if cfg.Source.Branch != "main" {
		t.Errorf("branch = %q", cfg.Source.Branch)
	}
	if cfg.Image.BuildCommand != "docker" {
		t.Errorf("buildCommand = %q", cfg.Image.BuildCommand)
	}
	if cfg.Image.ContextDir != cfg.Source.Dir {
		t.Errorf("contextDir = %q, source dir = %q", cfg.Image.ContextDir, cfg.Source.Dir)
	}
	if cfg.Deploy.ApplyCommand != "kubectl" {
		t.Errorf("applyCommand = %q", cfg.Deploy.ApplyCommand)
	}
	if cfg.Deploy.Verify.Timeout.Std() != 5*time.Minute {
		t.Errorf("verify timeout = %v", cfg.Deploy.Verify.Timeout.Std())
	}
	if !cfg.GateEnforced() {
		t.Error("gate should default to enforced")
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("name: app\ntimeout: fast\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("err = %v, want invalid duration", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	base := func() *Config {
		cfg, err := Parse([]byte(sampleYAML))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Name = "" }, "name is required"},
		{"missing repo", func(c *Config) { c.Source.Repo = "" }, "source.repo"},
		{"missing build", func(c *Config) { c.Build.Command = "" }, "build.command"},
		{"missing repository", func(c *Config) { c.Image.Repository = "" }, "image.repository"},
		{"missing deployment", func(c *Config) { c.Deploy.Deployment = "" }, "deploy.manifest and deploy.deployment"},
		{"no environments", func(c *Config) { c.Environments = nil }, "at least one environment"},
		{"zero replicas", func(c *Config) {
			c.Environments["staging"] = Environment{Namespace: "ns", Replicas: 0}
		}, "replicas must be positive"},
		{"analysis without server", func(c *Config) { c.Analysis.Server = "" }, "analysis.server"},
		{"analysis without task file", func(c *Config) { c.Analysis.TaskFile = "" }, "analysis.taskFile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestEnvironmentFor_Unknown(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.EnvironmentFor("qa"); err == nil {
		t.Error("unknown environment should be an error")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "payments" {
		t.Errorf("name = %q", cfg.Name)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should be an error")
	}
}

func TestValidateSchema(t *testing.T) {
	errs, err := ValidateSchema([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("ValidateSchema: %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("sample config should validate, got %v", errs)
	}
}

func TestValidateSchema_Violations(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing required", "name: app\n"},
		{"bad name pattern", strings.Replace(sampleYAML, "name: payments", "name: Payments!", 1)},
		{"unknown key", sampleYAML + "\nmystery: true\n"},
		{"bad duration", strings.Replace(sampleYAML, "timeout: 45m", "timeout: quick", 1)},
		{"zero replicas", strings.Replace(sampleYAML, "replicas: 2", "replicas: 0", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs, err := ValidateSchema([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("ValidateSchema: %v", err)
			}
			if len(errs) == 0 {
				t.Error("expected schema violations")
			}
		})
	}
}

func TestValidateSchema_Unparseable(t *testing.T) {
	if _, err := ValidateSchema([]byte("{unclosed")); err == nil {
		t.Error("unparseable yaml should be an error")
	}
}
