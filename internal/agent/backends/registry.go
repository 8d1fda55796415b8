package backends

import (
	"fmt"

	"github.com/gosuda/warelay/internal/agent"
)

// BodyPlaceholder marks the prompt body inside a command template.
const BodyPlaceholder = "{{Body}}"

// NewRegistry returns a registry with every supported agent registered.
// A missing registration is a programming error and panics.
func NewRegistry() *agent.Registry {
	reg, err := agent.NewRegistry(Claude{}, Codex{}, Gemini{}, Opencode{}, Pi{})
	if err != nil {
		panic(fmt.Sprintf("backends.NewRegistry: %v", err))
	}
	return reg
}

// DefaultCommand returns the command template used when none is configured.
func DefaultCommand(kind agent.Kind) []string {
	switch kind {
	case agent.KindClaude:
		return []string{claudeBin, BodyPlaceholder}
	case agent.KindCodex:
		return []string{codexBin, codexExecCmd, BodyPlaceholder}
	case agent.KindGemini:
		return []string{geminiBin, "-p", BodyPlaceholder}
	case agent.KindOpencode:
		return []string{opencodeBin, "run", BodyPlaceholder}
	case agent.KindPi:
		return []string{piBin, BodyPlaceholder}
	}
	panic(fmt.Sprintf("backends.DefaultCommand: undeclared kind %q", kind))
}

// IsStreaming reports whether spec keeps a long-lived process.
func IsStreaming(spec agent.Spec) bool {
	_, ok := spec.(agent.Streamer)
	return ok
}
