// Package report archives pipeline run reports and renders them for the
// terminal.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/conveyor-ci/conveyor/pipeline"
)

// Archive writes the finalized report as JSON under stateDir/runs and
// returns the file path.
func Archive(r *pipeline.Report, stateDir string) (string, error) {
	dir := filepath.Join(stateDir, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating runs dir: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling run report: %w", err)
	}

	path := filepath.Join(dir, r.RunID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing run report: %w", err)
	}
	return path, nil
}
