// Package config loads the runner configuration file and validates it
// twice: structurally against an embedded JSON schema, then field by field
// against the documented ranges. Both passes are fail-closed — a config the
// schema accepts but the ranges reject never reaches the worker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// TaskLimits bounds what a single task may touch.
type TaskLimits struct {
	Files   int `yaml:"files" json:"files"`     // 1–20
	Tests   int `yaml:"tests" json:"tests"`     // 1–50
	Seconds int `yaml:"seconds" json:"seconds"` // 30–900, total wall time per task
}

// ParallelLimits bounds concurrent fan-out.
type ParallelLimits struct {
	Subagents int `yaml:"subagents" json:"subagents"` // 1–9
	Executors int `yaml:"executors" json:"executors"` // 1–4
}

// Timeouts are the supervision thresholds, stored as seconds in the file.
type Timeouts struct {
	DeadlockSeconds  int `yaml:"deadlock_seconds" json:"deadlock_seconds"`
	OperationSeconds int `yaml:"operation_seconds" json:"operation_seconds"`
	IdleMinutes      int `yaml:"idle_minutes" json:"idle_minutes"`
	HardMinutes      int `yaml:"hard_minutes" json:"hard_minutes"`
}

func (t Timeouts) Deadlock() time.Duration  { return time.Duration(t.DeadlockSeconds) * time.Second }
func (t Timeouts) Operation() time.Duration { return time.Duration(t.OperationSeconds) * time.Second }
func (t Timeouts) Idle() time.Duration      { return time.Duration(t.IdleMinutes) * time.Minute }
func (t Timeouts) Hard() time.Duration      { return time.Duration(t.HardMinutes) * time.Minute }

// EvidenceSettings controls retention of sealed evidence files.
type EvidenceSettings struct {
	RetentionDays      int  `yaml:"retention_days" json:"retention_days"`
	CompressionEnabled bool `yaml:"compression_enabled" json:"compression_enabled"`
}

// Retry controls the transient-failure retry policy.
type Retry struct {
	MaxAttempts    int `yaml:"max_attempts" json:"max_attempts"`
	InitialDelayMS int `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms" json:"max_delay_ms"`
	// Consecutive failures with the same signature before the supervisor
	// recommends a model-profile escalation.
	EscalationThreshold int `yaml:"escalation_threshold" json:"escalation_threshold"`
}

// Supervision controls scan cadence and staleness thresholds.
type Supervision struct {
	ScanIntervalMinutes  int `yaml:"scan_interval_minutes" json:"scan_interval_minutes"`
	StaleAfterMinutes    int `yaml:"stale_after_minutes" json:"stale_after_minutes"`
	OrphanAfterSeconds   int `yaml:"orphan_after_seconds" json:"orphan_after_seconds"`
	IdleExitAfterMinutes int `yaml:"idle_exit_after_minutes" json:"idle_exit_after_minutes"`
}

func (s Supervision) ScanInterval() time.Duration {
	return time.Duration(s.ScanIntervalMinutes) * time.Minute
}
func (s Supervision) StaleAfter() time.Duration {
	return time.Duration(s.StaleAfterMinutes) * time.Minute
}
func (s Supervision) OrphanAfter() time.Duration {
	return time.Duration(s.OrphanAfterSeconds) * time.Second
}
func (s Supervision) IdleExitAfter() time.Duration {
	return time.Duration(s.IdleExitAfterMinutes) * time.Minute
}

// Config is the full runner configuration.
type Config struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`

	TaskLimits     TaskLimits       `yaml:"task_limits" json:"task_limits"`
	ParallelLimits ParallelLimits   `yaml:"parallel_limits" json:"parallel_limits"`
	Timeouts       Timeouts         `yaml:"timeouts" json:"timeouts"`
	Evidence       EvidenceSettings `yaml:"evidence_settings" json:"evidence_settings"`
	Retry          Retry            `yaml:"retry" json:"retry"`
	Supervision    Supervision      `yaml:"supervision" json:"supervision"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	return Config{
		Provider: "openai",
		TaskLimits: TaskLimits{
			Files:   20,
			Tests:   50,
			Seconds: 900,
		},
		ParallelLimits: ParallelLimits{
			Subagents: 9,
			Executors: 4,
		},
		Timeouts: Timeouts{
			DeadlockSeconds:  60,
			OperationSeconds: 120,
			IdleMinutes:      45,
			HardMinutes:      10,
		},
		Evidence: EvidenceSettings{
			RetentionDays: 30,
		},
		Retry: Retry{
			MaxAttempts:         3,
			InitialDelayMS:      1000,
			MaxDelayMS:          60_000,
			EscalationThreshold: 2,
		},
		Supervision: Supervision{
			ScanIntervalMinutes:  5,
			StaleAfterMinutes:    45,
			OrphanAfterSeconds:   30,
			IdleExitAfterMinutes: 60,
		},
	}
}

// Load reads path if it exists, overlaying the defaults. A missing file is
// not an error; a malformed or out-of-range file is fatal.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.validateSchema(); err != nil {
		return err
	}
	if c.TaskLimits.Files < 1 || c.TaskLimits.Files > 20 {
		return fmt.Errorf("task_limits.files must be in 1..20, got %d", c.TaskLimits.Files)
	}
	if c.TaskLimits.Tests < 1 || c.TaskLimits.Tests > 50 {
		return fmt.Errorf("task_limits.tests must be in 1..50, got %d", c.TaskLimits.Tests)
	}
	if c.TaskLimits.Seconds < 30 || c.TaskLimits.Seconds > 900 {
		return fmt.Errorf("task_limits.seconds must be in 30..900, got %d", c.TaskLimits.Seconds)
	}
	if c.ParallelLimits.Subagents < 1 || c.ParallelLimits.Subagents > 9 {
		return fmt.Errorf("parallel_limits.subagents must be in 1..9, got %d", c.ParallelLimits.Subagents)
	}
	if c.ParallelLimits.Executors < 1 || c.ParallelLimits.Executors > 4 {
		return fmt.Errorf("parallel_limits.executors must be in 1..4, got %d", c.ParallelLimits.Executors)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelayMS < 0 || c.Retry.MaxDelayMS < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.Supervision.ScanIntervalMinutes < 1 {
		return fmt.Errorf("supervision.scan_interval_minutes must be >= 1")
	}
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	return nil
}

const schemaJSON = `{
  "type": "object",
  "properties": {
    "provider": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "task_limits": {
      "type": "object",
      "properties": {
        "files": {"type": "integer"},
        "tests": {"type": "integer"},
        "seconds": {"type": "integer"}
      }
    },
    "parallel_limits": {
      "type": "object",
      "properties": {
        "subagents": {"type": "integer"},
        "executors": {"type": "integer"}
      }
    },
    "timeouts": {
      "type": "object",
      "properties": {
        "deadlock_seconds": {"type": "integer", "minimum": 0},
        "operation_seconds": {"type": "integer", "minimum": 0},
        "idle_minutes": {"type": "integer", "minimum": 0},
        "hard_minutes": {"type": "integer", "minimum": 0}
      }
    },
    "evidence_settings": {
      "type": "object",
      "properties": {
        "retention_days": {"type": "integer", "minimum": 0},
        "compression_enabled": {"type": "boolean"}
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer"},
        "initial_delay_ms": {"type": "integer"},
        "max_delay_ms": {"type": "integer"},
        "escalation_threshold": {"type": "integer"}
      }
    },
    "supervision": {
      "type": "object",
      "properties": {
        "scan_interval_minutes": {"type": "integer"},
        "stale_after_minutes": {"type": "integer"},
        "orphan_after_seconds": {"type": "integer"},
        "idle_exit_after_minutes": {"type": "integer"}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("pm-runner.schema.json", schemaJSON)

// validateSchema round-trips the config through JSON and checks it against
// the embedded schema. Catches shape errors (wrong types) with a better
// message than the range checks would give.
func (c Config) validateSchema() error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("unmarshal config for validation: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

// TimeoutProfile names a supervision timeout pair.
type TimeoutProfile string

const (
	ProfileStandard TimeoutProfile = "standard"
	ProfileLong     TimeoutProfile = "long"
	ProfileExtended TimeoutProfile = "extended"
)

// ProfileTimeouts returns (idle, hard) for a named profile. Unknown names
// fall back to standard.
func ProfileTimeouts(p TimeoutProfile) (idle, hard time.Duration) {
	switch p {
	case ProfileLong:
		return 120 * time.Second, 30 * time.Minute
	case ProfileExtended:
		return 300 * time.Second, 60 * time.Minute
	default:
		return 60 * time.Second, 10 * time.Minute
	}
}

// EscalationPath is the fixed model-profile ladder the supervisor reports.
var EscalationPath = []string{"planning", "standard", "advanced"}

// NextProfile returns the profile after current on the escalation path, and
// whether an escalation is possible.
func NextProfile(current string) (string, bool) {
	for i, p := range EscalationPath {
		if p == current && i+1 < len(EscalationPath) {
			return EscalationPath[i+1], true
		}
	}
	return "", false
}
