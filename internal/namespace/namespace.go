// Package namespace derives and validates the partition label that scopes
// all on-disk state for one project/environment combination. The guarantee
// is "same folder = same queue": derivation is a pure function of the
// project path, so independent processes route to identical state without
// a central registry.
package namespace

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Default is the namespace used when nothing else is configured.
const Default = "default"

// EnvVar overrides namespace resolution when set.
const EnvVar = "PM_RUNNER_NAMESPACE"

// MaxLen bounds the validated label length.
const MaxLen = 32

var reserved = map[string]bool{
	"all":       true,
	"none":      true,
	"null":      true,
	"undefined": true,
	"system":    true,
}

var labelPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// ValidationError reports why a candidate namespace was rejected.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid namespace %q: %s", e.Name, e.Reason)
}

// Validate checks a namespace label against the format and reservation rules.
func Validate(name string) error {
	if name == "" {
		return &ValidationError{Name: name, Reason: "empty"}
	}
	if len(name) > MaxLen {
		return &ValidationError{Name: name, Reason: fmt.Sprintf("longer than %d characters", MaxLen)}
	}
	if !labelPattern.MatchString(name) {
		return &ValidationError{Name: name, Reason: "must start and end with an alphanumeric and contain only alphanumerics or hyphens"}
	}
	if reserved[strings.ToLower(name)] {
		return &ValidationError{Name: name, Reason: "reserved name"}
	}
	return nil
}

var nonLabelChars = regexp.MustCompile(`[^a-z0-9-]`)
var repeatedHyphens = regexp.MustCompile(`-{2,}`)

// DeriveFromPath maps a project path to a stable namespace of the form
// <normalised-folder>-<4-hex-of-md5(fullpath)>, total length <= MaxLen.
func DeriveFromPath(path string) string {
	normalized := strings.ReplaceAll(path, "\\", "/")
	normalized = strings.TrimRight(normalized, "/")
	if normalized == "" {
		normalized = "/"
	}

	folder := strings.ToLower(filepath.Base(normalized))
	folder = strings.ReplaceAll(folder, "_", "-")
	folder = nonLabelChars.ReplaceAllString(folder, "")
	folder = repeatedHyphens.ReplaceAllString(folder, "-")
	folder = strings.Trim(folder, "-")
	if folder == "" {
		folder = "project"
	}

	sum := md5.Sum([]byte(normalized))
	hexTail := fmt.Sprintf("%x", sum[:2]) // 4 hex chars

	// Truncate the folder portion so "<folder>-<hex>" fits, never leaving a
	// trailing hyphen before the separator.
	maxFolder := MaxLen - len(hexTail) - 1
	if len(folder) > maxFolder {
		folder = strings.TrimRight(folder[:maxFolder], "-")
	}
	return folder + "-" + hexTail
}

// BuildOptions selects the namespace source in priority order:
// explicit name, environment variable, path derivation, Default.
type BuildOptions struct {
	Name        string
	ProjectRoot string
	AutoDerive  bool

	// LookupEnv defaults to os.LookupEnv; injectable for tests.
	LookupEnv func(string) (string, bool)
}

// Build resolves and validates the namespace for this process. The resolved
// label is immutable for the process lifetime; an invalid result is a hard
// error regardless of which source produced it.
func Build(opts BuildOptions) (string, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		if v, ok := lookup(EnvVar); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
		}
	}
	if name == "" && opts.AutoDerive && strings.TrimSpace(opts.ProjectRoot) != "" {
		name = DeriveFromPath(opts.ProjectRoot)
	}
	if name == "" {
		name = Default
	}
	if err := Validate(name); err != nil {
		return "", err
	}
	return name, nil
}

// StateDir returns the root of all persisted state for one namespace.
// The default namespace keeps the legacy flat layout.
func StateDir(projectRoot, ns string) string {
	if ns == Default {
		return filepath.Join(projectRoot, ".claude")
	}
	return filepath.Join(projectRoot, ".claude", "state", ns)
}

// UIPort maps a namespace onto a stable local port in [5680, 6677].
func UIPort(ns string) int {
	sum := md5.Sum([]byte(ns))
	n := binary.BigEndian.Uint64(sum[:8])
	return 5680 + int(n%998)
}
