package worker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/pmrunner/pmrunner/internal/config"
)

// DelayForAttempt computes the retry delay for a 1-indexed attempt:
// initial * 2^(attempt-1), capped. Jitter is deterministic — seeded from
// run id, task id, and attempt — so replaying a run reproduces the exact
// same schedule.
func DelayForAttempt(attempt int, retry config.Retry, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if retry.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(retry.InitialDelayMS) * math.Pow(2, float64(attempt-1))
	if retry.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(retry.MaxDelayMS))
	}
	if jitterSeed != "" {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		if retry.MaxDelayMS > 0 {
			baseMS = math.Min(baseMS, float64(retry.MaxDelayMS))
		}
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

func backoffSeed(runID, taskID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, taskID, attempt)
}
