package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the pipeline file without running it",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, raw, err := loadConfig()
	if err != nil {
		return err
	}

	errs, err := config.ValidateSchema(raw)
	if err != nil {
		return err
	}
	if semErr := cfg.Validate(); semErr != nil {
		errs = append(errs, semErr.Error())
	}

	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", e)
		}
		return fmt.Errorf("pipeline config validation failed: %d error(s)", len(errs))
	}

	fmt.Printf("%s is valid (%d environment(s))\n", cfgFile, len(cfg.Environments))
	return nil
}
