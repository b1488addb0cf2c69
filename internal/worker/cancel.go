package worker

import (
	"context"
	"errors"
	"sync"
)

// cancelRegistry maps running task ids to their cancellation tokens so the
// supervisor can trip a specific task.
type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelCauseFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{m: map[string]context.CancelCauseFunc{}}
}

func (c *cancelRegistry) register(taskID string, fn context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[taskID] = fn
}

func (c *cancelRegistry) unregister(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, taskID)
}

func (c *cancelRegistry) cancel(taskID, reason string) bool {
	c.mu.Lock()
	fn, ok := c.m[taskID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	fn(errors.New(reason))
	return true
}
