package agent

import (
	"errors"
	"fmt"
	"slices"
)

// Kind identifies a supported agent binary.
type Kind string

const (
	KindClaude   Kind = "claude"
	KindCodex    Kind = "codex"
	KindGemini   Kind = "gemini"
	KindOpencode Kind = "opencode"
	KindPi       Kind = "pi"
)

// ErrUnknownAgent is returned when a requested agent type is not declared.
var ErrUnknownAgent = errors.New("agent: unknown agent type") //nolint:gochecknoglobals // sentinel error

// Kinds returns every declared agent kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindClaude, KindCodex, KindGemini, KindOpencode, KindPi}
}

// ParseKind maps a configured agent name to its Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !slices.Contains(Kinds(), k) {
		return "", fmt.Errorf("agent.ParseKind(%q): %w", name, ErrUnknownAgent)
	}
	return k, nil
}

// BuildArgsContext carries everything a Spec needs to turn a raw command line
// into the final invocation.
type BuildArgsContext struct {
	Argv           []string
	BodyIndex      int // index of the prompt body within Argv
	IsNewSession   bool
	SessionID      string
	SendSystemOnce bool
	SystemSent     bool
	IdentityPrefix string // empty selects the agent default
	Format         string // empty selects the agent default
}

// Usage is normalized token accounting.
type Usage struct {
	Input     int `json:"input,omitempty"`
	Output    int `json:"output,omitempty"`
	CacheRead int `json:"cache_read,omitempty"`
	Total     int `json:"total,omitempty"`
}

// Extra holds derived, human-readable metadata.
type Extra struct {
	Summary string `json:"summary,omitempty"`
}

// Meta is best-effort metadata extracted from agent output.
type Meta struct {
	SessionID  string `json:"session_id,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Extra      *Extra `json:"extra,omitempty"`
}

// ParseResult is the normalized shape of one agent response.
type ParseResult struct {
	Texts []string `json:"texts,omitempty"`
	Meta  *Meta    `json:"meta,omitempty"`
}

// HasText reports whether at least one non-empty text was extracted.
func (r ParseResult) HasText() bool {
	for _, t := range r.Texts {
		if t != "" {
			return true
		}
	}
	return false
}

// OutputParser turns raw agent output into a ParseResult.
// Implementations must be pure: identical input yields identical output.
type OutputParser interface {
	ParseOutput(raw string) ParseResult
}

// Spec is the capability object for one agent binary. Implementations are
// stateless and safe for concurrent use.
type Spec interface {
	OutputParser

	// Kind returns the agent identifier.
	Kind() Kind

	// IsInvocation reports whether argv invokes this agent's binary.
	IsInvocation(argv []string) bool

	// BuildArgs returns the final argv for a one-shot invocation.
	BuildArgs(ctx BuildArgsContext) []string
}

// Streamer is implemented by agents that keep one long-lived process and
// receive prompts over stdin instead of argv.
type Streamer interface {
	// StreamArgs returns the argv of the long-lived process (body removed)
	// and the prompt to send for this turn.
	StreamArgs(ctx BuildArgsContext) (argv []string, prompt string)
}
