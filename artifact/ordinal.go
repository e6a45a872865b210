package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NextOrdinal increments and returns the persistent build counter for the
// named pipeline. The counter lives in stateDir and starts at 1.
func NextOrdinal(stateDir, pipeline string) (uint64, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(stateDir, pipeline+".ordinal")

	var current uint64
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		current, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt ordinal file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		current = 0
	default:
		return 0, fmt.Errorf("reading ordinal file %s: %w", path, err)
	}

	next := current + 1
	if err := os.WriteFile(path, []byte(strconv.FormatUint(next, 10)+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("writing ordinal file %s: %w", path, err)
	}
	return next, nil
}
