// Package stages assembles the standard build-test-scan-publish-deploy
// workflow into pipeline stage definitions.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/conveyor-ci/conveyor/artifact"
	"github.com/conveyor-ci/conveyor/checkout"
	"github.com/conveyor-ci/conveyor/config"
	"github.com/conveyor-ci/conveyor/pipeline"
	"github.com/conveyor-ci/conveyor/runner"
)

// Stage names, in workflow order.
const (
	StageCheckout = "checkout"
	StageBuild    = "build"
	StageTests    = "unit-tests"
	StageAnalysis = "static-analysis"
	StageScan     = "vulnerability-scan"
	StagePackage  = "package-image"
	StagePublish  = "publish-image"
	StageDeploy   = "deploy"
)

// Deps are the collaborators the assembled stages close over.
type Deps struct {
	Checkout   *checkout.Client
	NoCheckout bool // reuse the existing working tree instead of syncing
}

// Assemble builds the pipeline spec for one run. The deploy environment is
// resolved here, before the run starts, so a bad environment name fails fast
// instead of mid-pipeline.
func Assemble(cfg *config.Config, params pipeline.Params, deps Deps) (*pipeline.Spec, error) {
	env, err := cfg.EnvironmentFor(params.Environment)
	if err != nil {
		return nil, err
	}

	spec := &pipeline.Spec{
		Name:          cfg.Name,
		Version:       cfg.Version,
		GlobalTimeout: cfg.Timeout.Std(),
	}

	spec.Stages = append(spec.Stages, checkoutStage(cfg, env, deps))
	spec.Stages = append(spec.Stages, buildStage(cfg, params))
	if cfg.Tests.Command != "" {
		spec.Stages = append(spec.Stages, testsStage(cfg))
	}
	if cfg.Analysis.Command != "" {
		spec.Stages = append(spec.Stages, analysisStage(cfg))
	}
	if cfg.Scan.Command != "" {
		spec.Stages = append(spec.Stages, scanStage(cfg))
	}
	spec.Stages = append(spec.Stages,
		packageStage(cfg),
		publishStage(cfg),
		deployStage(cfg, env),
	)

	spec.Post = postBlock(cfg)
	return spec, nil
}

// checkoutStage syncs the working tree, derives the artifact tag, and
// publishes the values every later stage parameterizes over.
func checkoutStage(cfg *config.Config, env config.Environment, deps Deps) pipeline.StageDefinition {
	return pipeline.StageDefinition{
		Name:      StageCheckout,
		Mandatory: true,
		Func: func(ctx context.Context, rc *pipeline.RunContext) error {
			var (
				rev string
				err error
			)
			if deps.NoCheckout {
				rev, err = checkout.Revision(cfg.Source.Dir)
			} else {
				rev, err = deps.Checkout.Sync(ctx, checkout.Options{
					RepoURL:       cfg.Source.Repo,
					Branch:        cfg.Source.Branch,
					Dir:           cfg.Source.Dir,
					CredentialRef: cfg.Source.Credential,
				})
			}
			if err != nil {
				return err
			}

			ordinal, err := artifact.NextOrdinal(cfg.StateDir, cfg.Name)
			if err != nil {
				return err
			}
			id, err := artifact.Tag(ordinal, rev)
			if err != nil {
				return err
			}

			rc.SetValue("revision", rev)
			rc.SetValue("tag", id.String())
			rc.SetValue("image", cfg.Image.Repository+":"+id.String())
			rc.SetValue("namespace", env.Namespace)
			rc.SetValue("workspace", cfg.Source.Dir)
			return nil
		},
	}
}

func buildStage(cfg *config.Config, params pipeline.Params) pipeline.StageDefinition {
	args := append([]string{}, cfg.Build.Args...)
	if params.SkipTests && cfg.Tests.SkipArg != "" {
		args = append(args, cfg.Tests.SkipArg)
	}
	return pipeline.StageDefinition{
		Name:      StageBuild,
		Mandatory: true,
		Timeout:   cfg.Build.Timeout.Std(),
		Body: []runner.Invocation{{
			Label:   StageBuild,
			Command: cfg.Build.Command,
			Args:    args,
			Dir:     dirOrWorkspace(cfg.Build.Dir),
		}},
	}
}

func testsStage(cfg *config.Config) pipeline.StageDefinition {
	st := pipeline.StageDefinition{
		Name:      StageTests,
		Mandatory: true,
		Timeout:   cfg.Tests.Timeout.Std(),
		When: func(p pipeline.Params, _ *pipeline.History) bool {
			return !p.SkipTests
		},
		Body: []runner.Invocation{{
			Label:   StageTests,
			Command: cfg.Tests.Command,
			Args:    append([]string{}, cfg.Tests.Args...),
			Dir:     dirOrWorkspace(cfg.Tests.Dir),
		}},
	}
	if cfg.Tests.Collect != nil {
		// Report collection is cleanup-classified: it runs even when the
		// skip flag disabled the test body, publishing whatever exists.
		st.Post = &pipeline.PostAction{
			AlwaysRun: true,
			Timeout:   cfg.Tests.Collect.Timeout.Std(),
			Invocations: []runner.Invocation{{
				Label:      "collect-test-reports",
				Command:    cfg.Tests.Collect.Command,
				Args:       append([]string{}, cfg.Tests.Collect.Args...),
				Dir:        dirOrWorkspace(cfg.Tests.Collect.Dir),
				BestEffort: true,
			}},
		}
	}
	return st
}

func analysisStage(cfg *config.Config) pipeline.StageDefinition {
	inv := runner.Invocation{
		Label:   StageAnalysis,
		Command: cfg.Analysis.Command,
		Args:    append([]string{}, cfg.Analysis.Args...),
		Dir:     dirOrWorkspace(cfg.Analysis.Dir),
	}
	if cfg.Analysis.ProjectKey != "" {
		inv.Env = map[string]string{"ANALYSIS_PROJECT_KEY": cfg.Analysis.ProjectKey}
	}
	if cfg.Analysis.Credential != "" {
		inv.Credentials = []runner.CredentialUse{{
			Ref:       cfg.Analysis.Credential,
			SecretVar: "ANALYSIS_TOKEN",
		}}
	}

	taskFile := cfg.Analysis.TaskFile
	if taskFile != "" && !filepath.IsAbs(taskFile) {
		taskFile = filepath.Join(dirOrWorkspace(cfg.Analysis.Dir), taskFile)
	}

	return pipeline.StageDefinition{
		Name:      StageAnalysis,
		Mandatory: true,
		Timeout:   cfg.Analysis.Timeout.Std(),
		When: func(p pipeline.Params, _ *pipeline.History) bool {
			return !p.SkipAnalysis
		},
		Body: []runner.Invocation{inv},
		Gate: &pipeline.GateBinding{
			TaskFile: taskFile,
			Interval: cfg.Analysis.Gate.Interval.Std(),
			Timeout:  cfg.Analysis.Gate.Timeout.Std(),
			Enforce:  cfg.GateEnforced(),
		},
	}
}

// scanStage runs the vulnerability scanner. By policy the scan is
// informational: a non-zero exit is recorded as a warning, never a failure.
func scanStage(cfg *config.Config) pipeline.StageDefinition {
	return pipeline.StageDefinition{
		Name:      StageScan,
		Mandatory: true,
		Timeout:   cfg.Scan.Timeout.Std(),
		Body: []runner.Invocation{{
			Label:      StageScan,
			Command:    cfg.Scan.Command,
			Args:       append([]string{}, cfg.Scan.Args...),
			Dir:        dirOrWorkspace(cfg.Scan.Dir),
			BestEffort: true,
		}},
	}
}

func packageStage(cfg *config.Config) pipeline.StageDefinition {
	args := []string{"build", "-t", "${image}"}
	if cfg.Image.Dockerfile != "" {
		args = append(args, "-f", cfg.Image.Dockerfile)
	}
	args = append(args, cfg.Image.BuildArgs...)
	args = append(args, cfg.Image.ContextDir)
	return pipeline.StageDefinition{
		Name:      StagePackage,
		Mandatory: true,
		Timeout:   cfg.Image.Timeout.Std(),
		Body: []runner.Invocation{{
			Label:   StagePackage,
			Command: cfg.Image.BuildCommand,
			Args:    args,
		}},
	}
}

func publishStage(cfg *config.Config) pipeline.StageDefinition {
	inv := runner.Invocation{
		Label:   StagePublish,
		Command: cfg.Image.BuildCommand,
		Args:    []string{"push", "${image}"},
	}
	if cfg.Image.Credential != "" {
		inv.Credentials = []runner.CredentialUse{{
			Ref:         cfg.Image.Credential,
			UsernameVar: "REGISTRY_USER",
			SecretVar:   "REGISTRY_PASSWORD",
		}}
	}
	return pipeline.StageDefinition{
		Name:      StagePublish,
		Mandatory: true,
		Timeout:   cfg.Image.Timeout.Std(),
		Body:      []runner.Invocation{inv},
	}
}

// deployStage renders the manifest template against the run values, applies
// it, and verifies the rollout converges.
func deployStage(cfg *config.Config, env config.Environment) pipeline.StageDefinition {
	return pipeline.StageDefinition{
		Name:      StageDeploy,
		Mandatory: true,
		Timeout:   cfg.Deploy.Timeout.Std(),
		Func: func(ctx context.Context, rc *pipeline.RunContext) error {
			rendered, err := renderManifest(cfg, rc)
			if err != nil {
				return err
			}
			rc.SetValue("manifestFile", rendered)
			return nil
		},
		Body: []runner.Invocation{{
			Label:   "apply-manifest",
			Command: cfg.Deploy.ApplyCommand,
			Args:    []string{"apply", "-n", "${namespace}", "-f", "${manifestFile}"},
		}},
		Verify: &pipeline.VerifyBinding{
			Namespace:  "${namespace}",
			Deployment: cfg.Deploy.Deployment,
			Replicas:   env.Replicas,
			Interval:   cfg.Deploy.Verify.Interval.Std(),
			Timeout:    cfg.Deploy.Verify.Timeout.Std(),
		},
	}
}

func postBlock(cfg *config.Config) pipeline.PostBlock {
	post := pipeline.PostBlock{
		// Locally built images are removed no matter how the run ended.
		Cleanup: []runner.Invocation{{
			Label:   "remove-local-image",
			Command: cfg.Image.BuildCommand,
			Args:    []string{"rmi", "-f", "${image}"},
		}},
	}
	for i, cmdline := range cfg.Cleanup {
		post.Cleanup = append(post.Cleanup, runner.Invocation{
			Label:   fmt.Sprintf("cleanup-%d", i+1),
			Command: cmdline[0],
			Args:    append([]string{}, cmdline[1:]...),
		})
	}
	if cfg.Notify != nil {
		post.Notify = &runner.Invocation{
			Label:   "notify",
			Command: cfg.Notify.Command,
			Args:    append([]string{}, cfg.Notify.Args...),
		}
	}
	return post
}

func renderManifest(cfg *config.Config, rc *pipeline.RunContext) (string, error) {
	tmpl, err := os.ReadFile(cfg.Deploy.Manifest)
	if err != nil {
		return "", fmt.Errorf("reading manifest template: %w", err)
	}
	rendered := rc.Expand(string(tmpl))

	outDir := filepath.Join(cfg.StateDir, "rendered")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating render dir: %w", err)
	}
	out := filepath.Join(outDir, fmt.Sprintf("%s-%s.yaml", cfg.Name, rc.Value("environment")))
	if err := os.WriteFile(out, []byte(rendered), 0o644); err != nil {
		return "", fmt.Errorf("writing rendered manifest: %w", err)
	}
	return out, nil
}

func dirOrWorkspace(dir string) string {
	if dir != "" {
		return dir
	}
	return "${workspace}"
}
