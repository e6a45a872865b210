// Package gate polls the static-analysis service for its quality-gate
// verdict. The scanner invocation submits the analysis; this package only
// waits, with a bound, for the pass/fail signal that gates publishing.
package gate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Verdict is the analysis service's answer for one submitted analysis.
type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictFailed  Verdict = "failed"
	VerdictPending Verdict = "pending"
)

// ErrVerdictTimeout indicates the deadline elapsed while the verdict was
// still pending. A gate that never answers must not let an artifact through.
var ErrVerdictTimeout = errors.New("quality gate verdict timed out")

// Checker waits for a quality-gate verdict.
type Checker interface {
	Wait(ctx context.Context, analysisID string, interval time.Duration) (Verdict, error)
}

// HTTPChecker polls the analysis server's task status endpoint.
type HTTPChecker struct {
	BaseURL string
	Token   string // bearer token, optional
	Client  *http.Client
}

type statusResponse struct {
	Status string `json:"status"`
}

// Check fetches the current verdict for an analysis once.
func (c *HTTPChecker) Check(ctx context.Context, analysisID string) (Verdict, error) {
	url := fmt.Sprintf("%s/api/analyses/%s/gate", strings.TrimRight(c.BaseURL, "/"), analysisID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return VerdictPending, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return VerdictPending, fmt.Errorf("querying quality gate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VerdictPending, fmt.Errorf("quality gate endpoint returned %s", resp.Status)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return VerdictPending, fmt.Errorf("decoding quality gate response: %w", err)
	}

	switch strings.ToUpper(body.Status) {
	case "PASSED", "OK", "SUCCESS":
		return VerdictPassed, nil
	case "FAILED", "ERROR":
		return VerdictFailed, nil
	case "PENDING", "IN_PROGRESS", "QUEUED":
		return VerdictPending, nil
	default:
		return VerdictPending, fmt.Errorf("unknown quality gate status %q", body.Status)
	}
}

// Wait polls until the verdict is Passed or Failed, or ctx expires. A ctx
// deadline while still pending returns ErrVerdictTimeout.
func (c *HTTPChecker) Wait(ctx context.Context, analysisID string, interval time.Duration) (Verdict, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		v, err := c.Check(ctx, analysisID)
		if err == nil && v != VerdictPending {
			return v, nil
		}
		if err != nil && ctx.Err() == nil {
			// Transient poll errors are retried until the deadline.
			err = nil
		}

		select {
		case <-ctx.Done():
			return VerdictPending, fmt.Errorf("%w: %s", ErrVerdictTimeout, analysisID)
		case <-ticker.C:
		}
	}
}

func (c *HTTPChecker) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// ReadTaskFile extracts the analysis id from the key=value task file the
// scanner writes after submitting an analysis.
func ReadTaskFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening analysis task file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if after, ok := strings.CutPrefix(line, "analysisId="); ok {
			return after, nil
		}
		if after, ok := strings.CutPrefix(line, "ceTaskId="); ok {
			return after, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading analysis task file: %w", err)
	}
	return "", fmt.Errorf("no analysis id in task file %s", path)
}
