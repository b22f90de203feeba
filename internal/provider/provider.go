// Package provider models the external AI CLIs steroids drives. A provider
// knows how to build an invocation command line, classify a finished
// invocation, and answer availability and model questions. Providers are
// plain values behind a registry; they never run the process themselves.
package provider

import (
	"os/exec"
	"strings"

	"github.com/steroids-dev/steroids/internal/types"
)

// FailureType classifies why an invocation failed.
type FailureType string

const (
	FailureCreditExhaustion FailureType = "credit_exhaustion"
	FailureModelNotFound    FailureType = "model_not_found"
	FailureAuthError        FailureType = "auth_error"
	FailureNetwork          FailureType = "network"
	FailureUnknown          FailureType = "unknown"
)

// Result is the raw outcome of one CLI invocation, as the supervisor saw it.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Classification is a provider's reading of a failed Result.
type Classification struct {
	Type      FailureType
	Retryable bool
	Message   string
}

// Provider is one external AI CLI.
type Provider interface {
	// Name is the registry key ("claude", "gemini", ...).
	Name() string
	// Command is the CLI binary looked up on PATH.
	Command() string
	// BuildArgs returns the argv (after the command) for one invocation.
	// The prompt is passed by file path so large prompts never hit ARG_MAX.
	BuildArgs(promptPath, model string) []string
	// StreamJSON reports whether the CLI emits newline-delimited JSON events
	// on stdout that the supervisor should parse.
	StreamJSON() bool
	// Classify reads exit code and stderr of a failed invocation.
	Classify(res Result) Classification
	// IsAvailable reports whether the CLI binary is on PATH.
	IsAvailable() bool
	// DefaultModel is the model used when config names none for the role.
	DefaultModel(role types.Role) string
	// ListModels enumerates the models this provider is known to accept.
	ListModels() []string
}

// Get returns the provider registered under name. Unknown names return a
// provider that reports itself unavailable instead of an error, so callers
// uniformly check IsAvailable.
func Get(name string) Provider {
	if p, ok := registry[strings.ToLower(name)]; ok {
		return p
	}
	return &unavailable{name: name}
}

// Names lists the registered provider names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// unavailable stands in for an unregistered provider name.
type unavailable struct {
	name string
}

func (u *unavailable) Name() string                    { return u.name }
func (u *unavailable) Command() string                 { return u.name }
func (u *unavailable) BuildArgs(_, _ string) []string  { return nil }
func (u *unavailable) StreamJSON() bool                { return false }
func (u *unavailable) IsAvailable() bool               { return false }
func (u *unavailable) DefaultModel(types.Role) string  { return "" }
func (u *unavailable) ListModels() []string            { return nil }
func (u *unavailable) Classify(res Result) Classification {
	return Classification{Type: FailureUnknown, Message: "unknown provider " + u.name}
}

// lookPath is replaceable in tests.
var lookPath = exec.LookPath

// classifyCommon maps stderr cues shared by every CLI onto failure types.
// Order matters: credit cues are checked before the generic quota words that
// some CLIs also print for per-minute rate limits.
func classifyCommon(res Result) Classification {
	text := strings.ToLower(res.Stderr)
	if text == "" {
		text = strings.ToLower(res.Stdout)
	}

	switch {
	case containsAny(text,
		"credit balance is too low", "insufficient credit", "out of credits",
		"insufficient_quota", "billing hard limit", "quota exceeded",
		"usage limit reached", "exceeded your current quota"):
		return Classification{Type: FailureCreditExhaustion, Retryable: true, Message: firstLine(res.Stderr)}
	case containsAny(text,
		"model not found", "unknown model", "invalid model", "no such model",
		"model_not_found", "does not exist or you do not have access"):
		return Classification{Type: FailureModelNotFound, Retryable: false, Message: firstLine(res.Stderr)}
	case containsAny(text,
		"invalid api key", "authentication", "unauthorized", "401",
		"api key not found", "permission denied", "forbidden", "login required"):
		return Classification{Type: FailureAuthError, Retryable: false, Message: firstLine(res.Stderr)}
	case containsAny(text,
		"connection refused", "connection reset", "no such host", "dial tcp",
		"network is unreachable", "tls handshake", "i/o timeout",
		"service unavailable", "502", "503", "529", "overloaded"):
		return Classification{Type: FailureNetwork, Retryable: true, Message: firstLine(res.Stderr)}
	}
	return Classification{Type: FailureUnknown, Retryable: false, Message: firstLine(res.Stderr)}
}

func containsAny(text string, cues ...string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
