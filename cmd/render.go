package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/pipeline"
	"github.com/conveyor-ci/conveyor/stages"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the resolved stage plan for the given parameters",
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&deployEnv, "environment", "e", "dev", "deploy environment (dev, qa, prod)")
	renderCmd.Flags().BoolVar(&skipTests, "skip-tests", false, "skip the unit-test stage")
	renderCmd.Flags().BoolVar(&skipAnalysis, "skip-static-analysis", false, "skip the static-analysis stage")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	params := pipeline.Params{
		Environment:  deployEnv,
		SkipTests:    skipTests,
		SkipAnalysis: skipAnalysis,
	}
	spec, err := stages.Assemble(cfg, params, stages.Deps{})
	if err != nil {
		return err
	}

	fmt.Printf("pipeline %s, environment %s\n", spec.Name, params.Environment)
	history := &pipeline.History{}
	for _, st := range spec.Stages {
		marker := "run "
		if st.When != nil && !st.When(params, history) {
			marker = "skip"
		}
		fmt.Printf("  [%s] %s", marker, st.Name)
		var notes []string
		if st.Gate != nil {
			notes = append(notes, "quality gate")
		}
		if st.Verify != nil {
			notes = append(notes, "rollout verification")
		}
		if st.Post != nil && st.Post.AlwaysRun {
			notes = append(notes, "always-run post-action")
		}
		if len(notes) > 0 {
			fmt.Printf("  (%s)", strings.Join(notes, ", "))
		}
		fmt.Println()
		for _, inv := range st.Body {
			fmt.Printf("        $ %s %s\n", inv.Command, strings.Join(inv.Args, " "))
		}
	}
	for _, inv := range spec.Post.Cleanup {
		fmt.Printf("  [post] %s\n", inv.Label)
	}
	if spec.Post.Notify != nil {
		fmt.Printf("  [post] %s\n", spec.Post.Notify.Label)
	}
	return nil
}
