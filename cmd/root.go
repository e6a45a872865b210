// Package cmd implements the conveyor CLI commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	credsFile string
	verbose   bool

	appVersion = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "Run declarative build-test-scan-publish-deploy pipelines",
	Long:  "Conveyor interprets a conveyor.yaml pipeline file and drives its stages against external tools, with quality gates, rollout verification, and guaranteed cleanup.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "conveyor.yaml", "pipeline file path")
	rootCmd.PersistentFlags().StringVar(&credsFile, "credentials", defaultCredsPath(), "credentials file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(renderCmd)
}

func defaultCredsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor-credentials.yaml"
	}
	return filepath.Join(home, ".conveyor", "credentials.yaml")
}

// SetVersionInfo sets the version and commit for display.
func SetVersionInfo(version, commit string) {
	appVersion = version
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("conveyor %s (commit: %s)\n", version, commit))
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath() (string, error) {
	if filepath.IsAbs(cfgFile) {
		return cfgFile, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return filepath.Join(wd, cfgFile), nil
}
