package executor

import (
	"fmt"
	"os"
	"strings"
)

// envVarFor maps a provider name to the environment variable holding its
// credential.
func envVarFor(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini", "google":
		return "GEMINI_API_KEY"
	default:
		return strings.ToUpper(strings.TrimSpace(provider)) + "_API_KEY"
	}
}

// CredentialCheck returns the API-key gate predicate. lookup defaults to
// os.LookupEnv; tests inject their own.
func CredentialCheck(lookup func(string) (string, bool)) func(provider string) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return func(provider string) error {
		if strings.TrimSpace(provider) == "" {
			return &ConfigurationError{Message: "provider is empty"}
		}
		name := envVarFor(provider)
		if v, ok := lookup(name); !ok || strings.TrimSpace(v) == "" {
			return &ConfigurationError{
				Message: fmt.Sprintf("API key not configured: %s is not set for provider %s", name, provider),
			}
		}
		return nil
	}
}
