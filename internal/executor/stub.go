package executor

import (
	"context"
	"sync"
	"time"
)

// StubStep scripts one Execute call of the stub.
type StubStep struct {
	Result Result
	Err    error
	Delay  time.Duration
}

// Stub is a deterministic executor for tests and dry runs. It replays its
// script in order, repeating the last step when the script runs out. It
// reports output like any executor but never fabricates evidence; sealing
// evidence is the worker's job, driven by what actually happened.
type Stub struct {
	Script []StubStep

	mu    sync.Mutex
	calls []Request
}

func (s *Stub) Name() string { return "stub" }

// Calls returns a copy of every request seen so far.
func (s *Stub) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

func (s *Stub) Execute(ctx context.Context, req Request) (Result, error) {
	s.mu.Lock()
	idx := len(s.calls)
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if len(s.Script) == 0 {
		return Result{StatusHint: HintComplete, Output: "ok"}, nil
	}
	if idx >= len(s.Script) {
		idx = len(s.Script) - 1
	}
	step := s.Script[idx]
	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(step.Delay):
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return step.Result, step.Err
}
