package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/conveyor-ci/conveyor/checkout"
	"github.com/conveyor-ci/conveyor/config"
	"github.com/conveyor-ci/conveyor/gate"
	"github.com/conveyor-ci/conveyor/logging"
	"github.com/conveyor-ci/conveyor/pipeline"
	"github.com/conveyor-ci/conveyor/report"
	"github.com/conveyor-ci/conveyor/rollout"
	"github.com/conveyor-ci/conveyor/runner"
	"github.com/conveyor-ci/conveyor/stages"
	"github.com/conveyor-ci/conveyor/vault"
)

var (
	deployEnv    string
	skipTests    bool
	skipAnalysis bool
	noCheckout   bool
	kubeconfig   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline against the selected environment",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&deployEnv, "environment", "e", "dev", "deploy environment (dev, qa, prod)")
	runCmd.Flags().BoolVar(&skipTests, "skip-tests", false, "skip the unit-test stage")
	runCmd.Flags().BoolVar(&skipAnalysis, "skip-static-analysis", false, "skip the static-analysis stage")
	runCmd.Flags().BoolVar(&noCheckout, "no-checkout", false, "reuse the existing working tree")
	runCmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "path to kubeconfig (defaults to standard loading rules)")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, raw, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(verbose)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if errs, err := config.ValidateSchema(raw); err != nil {
		return err
	} else if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", e)
		}
		return fmt.Errorf("pipeline config validation failed: %d error(s)", len(errs))
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	params := pipeline.Params{
		Environment:  deployEnv,
		SkipTests:    skipTests,
		SkipAnalysis: skipAnalysis,
	}

	creds, err := vault.Load(credsFile)
	if err != nil {
		return err
	}
	creds.Restrict(credentialRefs(cfg))

	spec, err := stages.Assemble(cfg, params, stages.Deps{
		Checkout:   &checkout.Client{Creds: creds},
		NoCheckout: noCheckout,
	})
	if err != nil {
		return err
	}

	checker, scrubGate, err := gateChecker(cfg, creds)
	if err != nil {
		return err
	}
	defer scrubGate()

	var verifier pipeline.RolloutVerifier
	client, err := kubeClient(kubeconfig)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}
	verifier = &rollout.Verifier{
		Client:   client,
		Logger:   logger,
		Interval: cfg.Deploy.Verify.Interval.Std(),
	}

	// One active run per pipeline: two runs would race on the same
	// namespace and image tag.
	lock, err := pipeline.AcquireLock(cfg.StateDir, cfg.Name, cfg.Timeout.Std()+10*time.Minute, logger)
	if err != nil {
		return err
	}
	defer lock.Release() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := pipeline.New(runner.New(creds, logger), checker, verifier, logger)
	rep := engine.Run(ctx, spec, params)

	path, archiveErr := report.Archive(rep, cfg.StateDir)
	if archiveErr != nil {
		logger.Warn("archiving run report failed", map[string]any{"error": archiveErr.Error()})
	} else {
		logger.Info("run report archived", map[string]any{"path": path})
	}

	fmt.Println(report.Render(rep))

	if rep.Verdict != pipeline.VerdictSucceeded {
		return fmt.Errorf("pipeline %s failed", cfg.Name)
	}
	return nil
}

func loadConfig() (*config.Config, []byte, error) {
	path, err := configPath()
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading pipeline config %s: %w", path, err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	return cfg, raw, nil
}

// credentialRefs collects every reference the pipeline file names, so the
// vault can deny anything outside that scope.
func credentialRefs(cfg *config.Config) []string {
	var refs []string
	for _, r := range []string{
		cfg.Source.Credential,
		cfg.Build.Credential,
		cfg.Tests.Credential,
		cfg.Analysis.Credential,
		cfg.Scan.Credential,
		cfg.Image.Credential,
	} {
		if r != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

// gateChecker builds the quality-gate poller, resolving the analysis token
// once. The returned scrub func must run after the pipeline finishes.
func gateChecker(cfg *config.Config, creds *vault.Vault) (gate.Checker, func(), error) {
	if cfg.Analysis.Command == "" {
		return nil, func() {}, nil
	}
	checker := &gate.HTTPChecker{BaseURL: cfg.Analysis.Server}
	if cfg.Analysis.Credential == "" {
		return checker, func() {}, nil
	}
	cred, err := creds.Resolve(cfg.Analysis.Credential)
	if err != nil {
		return nil, func() {}, err
	}
	checker.Token = string(cred.Secret)
	return checker, func() {
		checker.Token = ""
		cred.Scrub()
	}, nil
}

func kubeClient(explicitPath string) (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if explicitPath != "" {
		rules.ExplicitPath = explicitPath
	}
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}
