package task

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunID format: YYYYMMDD-HHmmss-mmm-<7-hex>-<8-hex-cmdhash>.
//
// The wall-clock prefix makes ids lexicographically comparable and monotonic
// per clock; the 7-hex tail disambiguates ids minted in the same millisecond;
// the 8-hex cmdhash binds the id to the prompt it was minted for.

// NewRunID mints a run id for one attempt at the given prompt.
func NewRunID(now time.Time, prompt string) string {
	now = now.UTC()
	entropy := ulid.Make()
	entropyHex := fmt.Sprintf("%x", entropy.Entropy())
	cmd := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s-%03d-%s-%x",
		now.Format("20060102-150405"),
		now.Nanosecond()/int(time.Millisecond),
		entropyHex[:7],
		cmd[:4],
	)
}

// ValidRunID reports whether s matches the run id shape.
func ValidRunID(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		return false
	}
	if len(parts[0]) != 8 || len(parts[1]) != 6 || len(parts[2]) != 3 {
		return false
	}
	if len(parts[3]) != 7 || len(parts[4]) != 8 {
		return false
	}
	if _, err := time.Parse("20060102-150405", parts[0]+"-"+parts[1]); err != nil {
		return false
	}
	return isHex(parts[2]) && isHex(parts[3]) && isHex(parts[4])
}

// CompareRunIDs orders run ids by mint time (lexicographic by construction).
func CompareRunIDs(a, b string) int {
	return strings.Compare(a, b)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return len(s) > 0
}
