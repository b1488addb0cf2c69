// Package executor defines the pluggable execution boundary: the worker
// hands over an assembled prompt, the executor returns output plus a status
// hint. Implementations range from a real LLM client to a deterministic
// stub; the contract is the same for all of them.
package executor

import (
	"context"
	"time"

	"github.com/pmrunner/pmrunner/internal/protocol"
)

// StatusHint is the executor's own view of how the run ended. The worker
// treats it as advisory input to the completion protocol, never as a final
// status by itself.
type StatusHint string

const (
	HintComplete         StatusHint = "COMPLETE"
	HintAwaitingResponse StatusHint = "AWAITING_RESPONSE"
	HintBlocked          StatusHint = "BLOCKED"
	HintError            StatusHint = "ERROR"
)

// Message is one chat turn sent to the backing model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is everything an executor needs to run one attempt.
type Request struct {
	TaskID    string
	SessionID string
	RunID     string

	Model    string
	Messages []Message

	MaxDuration time.Duration
}

// TokenUsage is optional accounting reported by real clients.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Result is one attempt's outcome. Output may be empty; the worker's
// question detector decides what an empty or interrogative response means.
type Result struct {
	Output        string
	StatusHint    StatusHint
	BlockedReason string

	FilesModified  []string
	DetectedIssues []string

	Gates    []protocol.GateResult
	Duration time.Duration
	Usage    *TokenUsage
}

// Executor runs one prompt. Execute must honour ctx cancellation: when the
// supervisor trips the task's cancellation token the worker races the
// executor against the operation timeout.
type Executor interface {
	Name() string
	Execute(ctx context.Context, req Request) (Result, error)
}
