// Package protocol aggregates QA gate results into a completion verdict and
// enforces the fail-closed Double Execution Gate before any task-level
// COMPLETE assertion.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FinalStatus is the outcome of judging one set of gate results.
type FinalStatus string

const (
	StatusComplete   FinalStatus = "COMPLETE"
	StatusFailing    FinalStatus = "FAILING"
	StatusNoEvidence FinalStatus = "NO_EVIDENCE"
)

// GateResult is one gate's check counts for a single run.
type GateResult struct {
	GateName  string `json:"gate_name"`
	RunID     string `json:"run_id"`
	Passing   int    `json:"passing"`
	Failing   int    `json:"failing"`
	Skipped   int    `json:"skipped"`
	Timestamp string `json:"timestamp,omitempty"`
}

// GateSummary is the per-gate line carried on the verdict, after any
// negative-count coercion.
type GateSummary struct {
	GateName string `json:"gate_name"`
	Passing  int    `json:"passing"`
	Failing  int    `json:"failing"`
	Skipped  int    `json:"skipped"`
	Coerced  bool   `json:"coerced,omitempty"`
}

// Verdict is the aggregated judgment over one run's gates.
type Verdict struct {
	FinalStatus  FinalStatus   `json:"final_status"`
	AllPass      bool          `json:"all_pass"`
	FailingTotal int           `json:"failing_total"`
	SkippedTotal int           `json:"skipped_total"`
	FailingGates []string      `json:"failing_gates"`
	Gates        []GateSummary `json:"gates"`
	RunID        string        `json:"run_id"`
	JudgedAt     string        `json:"judged_at"`
}

// StaleRunError reports gate results that do not belong to the run being
// judged. ActualRunIDs lists every distinct run id seen in the input.
type StaleRunError struct {
	ExpectedRunID string
	ActualRunIDs  []string
}

func (e *StaleRunError) Error() string {
	if e.ExpectedRunID != "" {
		return fmt.Sprintf("stale run: expected %s, gates carry %s",
			e.ExpectedRunID, strings.Join(e.ActualRunIDs, ", "))
	}
	return fmt.Sprintf("stale run: gates span multiple run ids: %s",
		strings.Join(e.ActualRunIDs, ", "))
}

// Judge aggregates gate results. A run id may be bound so that results from
// earlier runs are rejected rather than silently counted.
type Judge struct {
	currentRunID string

	now func() time.Time
}

func NewJudge() *Judge {
	return &Judge{now: time.Now}
}

// BindRun pins the run id that subsequent gate results must carry.
func (j *Judge) BindRun(runID string) { j.currentRunID = runID }

// CurrentRun returns the bound run id, empty if none.
func (j *Judge) CurrentRun() string { return j.currentRunID }

// Judge computes the verdict for one set of gates. Gate results from mixed
// runs, or from a run other than the bound one, abort with *StaleRunError
// and no verdict is produced.
func (j *Judge) Judge(gates []GateResult) (Verdict, error) {
	if len(gates) == 0 {
		return Verdict{
			FinalStatus:  StatusNoEvidence,
			FailingGates: []string{},
			Gates:        []GateSummary{},
			RunID:        j.currentRunID,
			JudgedAt:     j.now().UTC().Format(time.RFC3339Nano),
		}, nil
	}

	seen := map[string]struct{}{}
	for _, g := range gates {
		seen[g.RunID] = struct{}{}
	}
	actual := make([]string, 0, len(seen))
	for id := range seen {
		actual = append(actual, id)
	}
	sort.Strings(actual)
	if len(actual) > 1 {
		return Verdict{}, &StaleRunError{ActualRunIDs: actual}
	}
	runID := actual[0]
	if j.currentRunID != "" && runID != j.currentRunID {
		return Verdict{}, &StaleRunError{ExpectedRunID: j.currentRunID, ActualRunIDs: actual}
	}

	var (
		passingTotal, failingTotal, skippedTotal int
		failingGates                             []string
		coercedFailure                           bool
		summaries                                = make([]GateSummary, 0, len(gates))
	)
	for _, g := range gates {
		s := GateSummary{GateName: g.GateName, Passing: g.Passing, Failing: g.Failing, Skipped: g.Skipped}
		// A negative count means the gate itself misbehaved. Zero the
		// counts and charge the gate one failure; it can never look
		// better than a clean gate.
		if g.Passing < 0 || g.Failing < 0 || g.Skipped < 0 {
			s.Passing, s.Failing, s.Skipped = max(g.Passing, 0), max(g.Failing, 0)+1, max(g.Skipped, 0)
			s.Coerced = true
			coercedFailure = true
		}
		passingTotal += s.Passing
		failingTotal += s.Failing
		skippedTotal += s.Skipped
		if s.Failing > 0 {
			failingGates = append(failingGates, s.GateName)
		}
		summaries = append(summaries, s)
	}
	if failingGates == nil {
		failingGates = []string{}
	}

	v := Verdict{
		FailingTotal: failingTotal,
		SkippedTotal: skippedTotal,
		FailingGates: failingGates,
		Gates:        summaries,
		RunID:        runID,
		JudgedAt:     j.now().UTC().Format(time.RFC3339Nano),
	}
	switch {
	case failingTotal > 0 || coercedFailure:
		v.FinalStatus = StatusFailing
	case passingTotal > 0:
		v.FinalStatus = StatusComplete
		v.AllPass = true
	default:
		v.FinalStatus = StatusNoEvidence
	}
	return v, nil
}

const gateSchemaJSON = `{
  "type": "object",
  "required": ["gate_name", "run_id", "passing", "failing", "skipped"],
  "properties": {
    "gate_name": {"type": "string", "minLength": 1},
    "run_id": {"type": "string", "minLength": 1},
    "passing": {"type": "integer"},
    "failing": {"type": "integer"},
    "skipped": {"type": "integer"},
    "timestamp": {"type": "string"}
  }
}`

var gateSchema = jsonschema.MustCompileString("gate-result.schema.json", gateSchemaJSON)

// ParseGateResult decodes and schema-checks one gate result document coming
// from an external gate process.
func ParseGateResult(raw []byte) (GateResult, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return GateResult{}, fmt.Errorf("decode gate result: %w", err)
	}
	if err := gateSchema.Validate(doc); err != nil {
		return GateResult{}, fmt.Errorf("gate result shape: %w", err)
	}
	var g GateResult
	if err := json.Unmarshal(raw, &g); err != nil {
		return GateResult{}, err
	}
	return g, nil
}
