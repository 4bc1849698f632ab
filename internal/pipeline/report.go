package pipeline

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// Status is the outcome of one (scope, stage) unit in a run.
type Status string

// Unit outcomes.
const (
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusStopped Status = "stopped"
	StatusBlocked Status = "blocked"
	// StatusSkipped means the checkpoint was already done.
	StatusSkipped Status = "skipped"
)

// StageResult reports one (scope, stage) unit.
type StageResult struct {
	Scope     crawler.Scope `json:"scope"`
	Stage     crawler.Stage `json:"stage"`
	ScopeKey  string        `json:"scope_key"`
	Status    Status        `json:"status"`
	Processed int           `json:"processed"`
	Skipped   int           `json:"skipped"`
	Cursor    int64         `json:"cursor"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	err error
}

// Err returns the typed failure of the unit, if any.
func (r StageResult) Err() error {
	return r.err
}

// Report is the final (or live) outcome of a run.
type Report struct {
	RunID      string        `json:"run_id"`
	Request    Request       `json:"request"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Results    []StageResult `json:"results"`
	Error      string        `json:"error,omitempty"`
}

func (r *Report) clone() Report {
	out := *r
	out.Results = slices.Clone(r.Results)
	return out
}

// Result returns the unit for (scope, stage).
func (r Report) Result(scope crawler.Scope, stage crawler.Stage) (StageResult, bool) {
	for _, res := range r.Results {
		if res.Scope == scope && res.Stage == stage {
			return res, true
		}
	}
	return StageResult{}, false
}

// Err joins the typed failures of every unit.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", res.Scope, res.Stage, res.err))
		}
	}
	return errors.Join(errs...)
}

// Counts tallies units per status.
func (r Report) Counts() map[Status]int {
	counts := map[Status]int{}
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// Summary renders the status counts for logs, e.g. "done=3 failed=1".
func (r Report) Summary() string {
	counts := r.Counts()
	var parts []string
	for _, s := range []Status{StatusDone, StatusSkipped, StatusStopped, StatusBlocked, StatusFailed} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
		}
	}
	if len(parts) == 0 {
		return "nothing to do"
	}
	return strings.Join(parts, " ")
}
