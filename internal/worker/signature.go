package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// failureSignature fingerprints one failed attempt so consecutive failures
// of the same shape can be counted toward an escalation recommendation.
// The gate names are sorted: two attempts failing the same gates in a
// different order are the same failure.
func failureSignature(errText string, failingGates []string) string {
	gates := append([]string(nil), failingGates...)
	sort.Strings(gates)
	h := blake3.New()
	h.Write([]byte(strings.TrimSpace(errText)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(gates, ",")))
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// escalationTracker counts consecutive identical failure signatures per
// task.
type escalationTracker struct {
	last  map[string]string
	count map[string]int
}

func newEscalationTracker() *escalationTracker {
	return &escalationTracker{last: map[string]string{}, count: map[string]int{}}
}

// observe records a failure and returns the consecutive count for its
// signature.
func (t *escalationTracker) observe(taskID, signature string) int {
	if t.last[taskID] == signature {
		t.count[taskID]++
	} else {
		t.last[taskID] = signature
		t.count[taskID] = 1
	}
	return t.count[taskID]
}

// reset clears the streak after a success.
func (t *escalationTracker) reset(taskID string) {
	delete(t.last, taskID)
	delete(t.count, taskID)
}
