// Package preflight checks that the host can run esindex: the data
// directories are writable, there is disk space, and the process may open
// enough files for the search backend's segments.
package preflight

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// CheckStatus is the outcome of one check.
type CheckStatus int

const (
	// StatusPass means the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn means esindex can run but something should be fixed.
	StatusWarn
	// StatusFail means the check failed.
	StatusFail
)

func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON reports.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// CheckResult is the result of a single check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports whether a required check failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Check is one named check.
type Check func(ctx context.Context) CheckResult

// Paths are the locations esindex writes to.
type Paths struct {
	DataDir string
	// Endpoint is the backend directory; empty means in memory.
	Endpoint string
	LockDir  string
}

// Checker runs checks.
type Checker struct {
	checks []Check
}

// New creates a checker with the host checks for paths, followed by extra.
func New(paths Paths, extra ...Check) *Checker {
	c := &Checker{}
	c.checks = append(c.checks,
		writable("data_dir", paths.DataDir),
		writable("lock_dir", paths.LockDir),
		diskSpace(paths.DataDir),
		fileDescriptors(),
	)
	if paths.Endpoint != "" {
		c.checks = append(c.checks, writable("backend_endpoint", paths.Endpoint))
	}
	c.checks = append(c.checks, extra...)
	return c
}

// RunAll runs every check in order.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(c.checks))
	for _, check := range c.checks {
		results = append(results, check(ctx))
	}
	return results
}

// HasCriticalFailures reports whether any required check failed.
func HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus is "failed", "ready_with_warnings" or "ready".
func SummaryStatus(results []CheckResult) string {
	warnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status != StatusPass {
			warnings = true
		}
	}
	if warnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults writes a report of results to w.
func PrintResults(w io.Writer, results []CheckResult, verbose bool) {
	_, _ = fmt.Fprintln(w, "esindex system check")
	_, _ = fmt.Fprintln(w)
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if r.Details != "" && (verbose || r.Status != StatusPass) {
			_, _ = fmt.Fprintf(w, "       %s\n", r.Details)
		}
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "Status: %s\n", strings.ToUpper(SummaryStatus(results)))
}
