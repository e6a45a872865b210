package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/conveyor-ci/conveyor/logging"
)

// ErrRunActive indicates another run holds the pipeline lock.
var ErrRunActive = fmt.Errorf("another pipeline run is active")

// Lock is the on-disk guard enforcing one active run per pipeline. Two runs
// of the same pipeline would race on the same namespace and image tag.
type Lock struct {
	path string
}

// AcquireLock takes the lock for the named pipeline. A lock file older than
// staleAfter is treated as left over from a crashed run, broken with a
// warning, and re-acquired.
func AcquireLock(stateDir, pipeline string, staleAfter time.Duration, logger logging.Logger) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	path := filepath.Join(stateDir, pipeline+".lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%s\nstarted=%s\n", strconv.Itoa(os.Getpid()), time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquiring run lock: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr == nil && staleAfter > 0 && time.Since(info.ModTime()) > staleAfter {
			logger.Warn("breaking stale run lock", map[string]any{
				"path": path,
				"age":  time.Since(info.ModTime()).Round(time.Second).String(),
			})
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("breaking stale run lock: %w", rmErr)
			}
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrRunActive, path)
	}
	return nil, fmt.Errorf("%w: %s", ErrRunActive, path)
}

// Release removes the lock file. Safe to call once per acquired lock on
// every exit path.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing run lock: %w", err)
	}
	return nil
}
