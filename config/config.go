// Package config loads and validates the conveyor.yaml pipeline file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the top-level conveyor.yaml pipeline file.
type Config struct {
	Name         string                 `yaml:"name"`
	Version      string                 `yaml:"version"`
	Timeout      Duration               `yaml:"timeout,omitempty"`
	StateDir     string                 `yaml:"stateDir,omitempty"`
	Environments map[string]Environment `yaml:"environments"`
	Source       SourceConfig           `yaml:"source"`
	Build        CommandConfig          `yaml:"build"`
	Tests        TestsConfig            `yaml:"tests,omitempty"`
	Analysis     AnalysisConfig         `yaml:"analysis,omitempty"`
	Scan         CommandConfig          `yaml:"scan,omitempty"`
	Image        ImageConfig            `yaml:"image"`
	Deploy       DeployConfig           `yaml:"deploy"`
	Cleanup      [][]string             `yaml:"cleanup,omitempty"`
	Notify       *CommandConfig         `yaml:"notify,omitempty"`
}

// Environment maps a deploy environment name to its cluster coordinates.
type Environment struct {
	Namespace string `yaml:"namespace"`
	Replicas  int32  `yaml:"replicas"`
}

// SourceConfig describes where the pipeline checks out from.
type SourceConfig struct {
	Repo       string `yaml:"repo"`
	Branch     string `yaml:"branch"`
	Dir        string `yaml:"dir,omitempty"`
	Credential string `yaml:"credential,omitempty"`
}

// CommandConfig is one external tool invocation in the pipeline file.
type CommandConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	Dir        string   `yaml:"dir,omitempty"`
	Timeout    Duration `yaml:"timeout,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// TestsConfig describes the test stage and its report collection.
type TestsConfig struct {
	CommandConfig `yaml:",inline"`
	SkipArg       string         `yaml:"skipArg,omitempty"` // appended to build args when tests are skipped
	Collect       *CommandConfig `yaml:"collect,omitempty"` // post-action, runs even when tests are skipped
}

// GateConfig configures the quality-gate wait after analysis submission.
type GateConfig struct {
	Enforce  *bool    `yaml:"enforce,omitempty"` // default true
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// AnalysisConfig describes static-analysis submission and its gate.
type AnalysisConfig struct {
	CommandConfig `yaml:",inline"`
	Server        string     `yaml:"server,omitempty"`
	ProjectKey    string     `yaml:"projectKey,omitempty"`
	TaskFile      string     `yaml:"taskFile,omitempty"`
	Gate          GateConfig `yaml:"gate,omitempty"`
}

// ImageConfig describes container image build and publish.
type ImageConfig struct {
	Repository   string   `yaml:"repository"` // e.g. registry.example.com/team/app
	BuildCommand string   `yaml:"buildCommand,omitempty"`
	BuildArgs    []string `yaml:"buildArgs,omitempty"`
	ContextDir   string   `yaml:"contextDir,omitempty"`
	Dockerfile   string   `yaml:"dockerfile,omitempty"`
	Credential   string   `yaml:"credential,omitempty"` // registry push credential
	Timeout      Duration `yaml:"timeout,omitempty"`
}

// VerifyConfig bounds the post-deploy rollout wait.
type VerifyConfig struct {
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// DeployConfig describes the cluster deploy stage.
type DeployConfig struct {
	Manifest     string       `yaml:"manifest"` // manifest template path, expanded per run
	Deployment   string       `yaml:"deployment"`
	ApplyCommand string       `yaml:"applyCommand,omitempty"`
	Timeout      Duration     `yaml:"timeout,omitempty"`
	Verify       VerifyConfig `yaml:"verify,omitempty"`
}

// Load reads and parses a conveyor.yaml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML bytes into a Config and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing pipeline config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in the values the pipeline file may omit.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = ".conveyor"
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(60 * time.Minute)
	}
	if c.Source.Dir == "" {
		c.Source.Dir = ".workspace"
	}
	if c.Source.Branch == "" {
		c.Source.Branch = "main"
	}
	if c.Image.BuildCommand == "" {
		c.Image.BuildCommand = "docker"
	}
	if c.Image.ContextDir == "" {
		c.Image.ContextDir = c.Source.Dir
	}
	if c.Deploy.ApplyCommand == "" {
		c.Deploy.ApplyCommand = "kubectl"
	}
	if c.Deploy.Verify.Interval == 0 {
		c.Deploy.Verify.Interval = Duration(5 * time.Second)
	}
	if c.Deploy.Verify.Timeout == 0 {
		c.Deploy.Verify.Timeout = Duration(5 * time.Minute)
	}
	if c.Analysis.Gate.Interval == 0 {
		c.Analysis.Gate.Interval = Duration(10 * time.Second)
	}
	if c.Analysis.Gate.Timeout == 0 {
		c.Analysis.Gate.Timeout = Duration(10 * time.Minute)
	}
}

// GateEnforced reports the analysis gate policy; unset means enforced.
func (c *Config) GateEnforced() bool {
	if c.Analysis.Gate.Enforce == nil {
		return true
	}
	return *c.Analysis.Gate.Enforce
}

// Validate performs the semantic checks the JSON Schema cannot express.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("pipeline config: name is required")
	}
	if c.Source.Repo == "" {
		return fmt.Errorf("pipeline config: source.repo is required")
	}
	if c.Build.Command == "" {
		return fmt.Errorf("pipeline config: build.command is required")
	}
	if c.Image.Repository == "" {
		return fmt.Errorf("pipeline config: image.repository is required")
	}
	if c.Deploy.Manifest == "" || c.Deploy.Deployment == "" {
		return fmt.Errorf("pipeline config: deploy.manifest and deploy.deployment are required")
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("pipeline config: at least one environment is required")
	}
	for name, env := range c.Environments {
		if env.Namespace == "" {
			return fmt.Errorf("pipeline config: environment %s: namespace is required", name)
		}
		if env.Replicas <= 0 {
			return fmt.Errorf("pipeline config: environment %s: replicas must be positive", name)
		}
	}
	if c.Analysis.Command != "" && c.Analysis.Server == "" {
		return fmt.Errorf("pipeline config: analysis.server is required when analysis is configured")
	}
	if c.Analysis.Command != "" && c.Analysis.TaskFile == "" {
		// Without a task file the gate has no analysis id to poll for.
		return fmt.Errorf("pipeline config: analysis.taskFile is required when analysis is configured")
	}
	return nil
}

// EnvironmentFor resolves the environment block for a deploy target.
func (c *Config) EnvironmentFor(name string) (Environment, error) {
	env, ok := c.Environments[name]
	if !ok {
		return Environment{}, fmt.Errorf("pipeline config: unknown environment %q", name)
	}
	return env, nil
}
