package backends

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/gosuda/warelay/internal/agent"
)

const (
	codexBin     = "codex"
	codexExecCmd = "exec"

	// CodexIdentityPrefix introduces the relay to Codex on a session's first prompt.
	CodexIdentityPrefix = "You are Codex, answering chat messages relayed to you by warelay. " +
		"Reply in short plain text suitable for a phone."
)

// Codex implements agent.Spec for the OpenAI Codex CLI in exec mode.
type Codex struct{}

var _ agent.Spec = Codex{} //nolint:gochecknoglobals // compile-time check

func (Codex) Kind() agent.Kind { return agent.KindCodex }

func (Codex) IsInvocation(argv []string) bool { return isBinary(argv, codexBin) }

// BuildArgs forces the exec sub-command right after the binary, JSON event
// output, and the safety defaults (--skip-git-repo-check, read-only sandbox).
func (Codex) BuildArgs(ctx agent.BuildArgsContext) []string {
	before, body, after := splitBody(ctx.Argv, ctx.BodyIndex)

	if len(before) > 0 && (len(before) < 2 || before[1] != codexExecCmd) {
		before = slices.Insert(before, 1, codexExecCmd)
	}
	if !hasFlag(ctx.Argv, "--json") {
		before = append(before, "--json")
	}
	if !hasFlag(ctx.Argv, "--skip-git-repo-check") {
		before = append(before, "--skip-git-repo-check")
	}
	if !hasFlag(ctx.Argv, "--sandbox", "-s") {
		before = append(before, "--sandbox", "read-only")
	}

	return joined(before, withIdentity(ctx, CodexIdentityPrefix, body), after)
}

type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id"`
	Item     *codexItem  `json:"item"`
	Usage    *codexUsage `json:"usage"`
}

type codexItem struct {
	Type string  `json:"type"`
	Text *string `json:"text"`
}

type codexUsage struct {
	InputTokens       *int `json:"input_tokens"`
	OutputTokens      *int `json:"output_tokens"`
	CachedInputTokens *int `json:"cached_input_tokens"`
}

// ParseOutput collects one text per completed agent_message in emission
// order and the usage of the last turn.completed event.
func (Codex) ParseOutput(raw string) agent.ParseResult {
	var (
		texts  []string
		meta   agent.Meta
		usage  agent.Usage
		hasUse bool
	)

	eachObject(raw, func(line []byte) {
		var ev codexEvent
		if json.Unmarshal(line, &ev) != nil {
			return
		}

		switch ev.Type {
		case "thread.started":
			if ev.ThreadID != "" {
				meta.SessionID = ev.ThreadID
			}
		case "item.completed":
			if ev.Item != nil && ev.Item.Type == "agent_message" && ev.Item.Text != nil {
				texts = append(texts, strings.TrimSpace(*ev.Item.Text))
			}
		case "turn.completed":
			if ev.Usage == nil {
				return
			}
			setInt(&usage.Input, ev.Usage.InputTokens)
			setInt(&usage.Output, ev.Usage.OutputTokens)
			setInt(&usage.CacheRead, ev.Usage.CachedInputTokens)
			hasUse = true
		}
	})

	res := agent.ParseResult{Texts: texts}
	if hasUse {
		usage.Total = usage.Input + usage.Output + usage.CacheRead
		meta.Usage = &usage
	}
	if meta != (agent.Meta{}) {
		res.Meta = &meta
	}
	return res
}
