package protocol

import (
	"errors"
	"fmt"
)

// EvidenceStore is the slice of the evidence recorder the execution gate
// needs.
type EvidenceStore interface {
	WritableCheck() error
	VerifiedSuccess(callIDs ...string) bool
}

// CredentialCheck reports whether a usable credential exists for the
// provider. It must not perform a network call.
type CredentialCheck func(provider string) error

// ErrGateFailed wraps either half of the execution gate failing preflight.
var ErrGateFailed = errors.New("execution gate failed")

// ExecutionGate is the fail-closed predicate guarding task-level COMPLETE:
// a credential must exist, the evidence directory must be writable, and a
// sealed success evidence for the current run must verify.
type ExecutionGate struct {
	provider string
	checkKey CredentialCheck
	store    EvidenceStore
}

func NewExecutionGate(provider string, checkKey CredentialCheck, store EvidenceStore) *ExecutionGate {
	return &ExecutionGate{provider: provider, checkKey: checkKey, store: store}
}

// Preflight runs both gates before any execution is attempted. Either
// failure aborts dispatch; no call is made and no evidence is written.
func (g *ExecutionGate) Preflight() error {
	if err := g.checkKey(g.provider); err != nil {
		return fmt.Errorf("%w: API key gate: %v", ErrGateFailed, err)
	}
	if err := g.store.WritableCheck(); err != nil {
		return fmt.Errorf("%w: evidence gate: %v", ErrGateFailed, err)
	}
	return nil
}

// CanAssertComplete reports whether COMPLETE may be asserted for a task
// whose latest run produced the given call ids. Preflight must also have
// passed; callers gate dispatch on that separately.
func (g *ExecutionGate) CanAssertComplete(callIDs ...string) bool {
	if g.Preflight() != nil {
		return false
	}
	return g.store.VerifiedSuccess(callIDs...)
}
