package backends

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gosuda/warelay/internal/agent"
)

const (
	claudeBin = "claude"

	// ClaudeIdentityPrefix introduces the relay to Claude on a session's first prompt.
	ClaudeIdentityPrefix = "You are Claude, answering chat messages relayed to you by warelay. " +
		"Replies are delivered as plain text messages to a phone, so keep them short and skip markdown tables."
)

// Claude implements agent.Spec for the Claude Code CLI.
type Claude struct{}

var _ agent.Spec = Claude{} //nolint:gochecknoglobals // compile-time check

func (Claude) Kind() agent.Kind { return agent.KindClaude }

func (Claude) IsInvocation(argv []string) bool { return isBinary(argv, claudeBin) }

// BuildArgs ensures --output-format and -p are present, and prepends the
// identity prefix to the body.
func (Claude) BuildArgs(ctx agent.BuildArgsContext) []string {
	before, body, after := splitBody(ctx.Argv, ctx.BodyIndex)

	if !hasFlag(ctx.Argv, "--output-format") {
		before = append(before, "--output-format", formatOr(ctx, "json"))
	}
	if !hasFlag(ctx.Argv, "-p", "--print") {
		before = append(before, "-p")
	}

	return joined(before, withIdentity(ctx, ClaudeIdentityPrefix, body), after)
}

// claudeEvent covers both the single --output-format json document and the
// events of --output-format stream-json.
type claudeEvent struct {
	Type      string          `json:"type"`
	Result    *string         `json:"result"`
	Text      *string         `json:"text"`
	Content   json.RawMessage `json:"content"`
	Message   *claudeMessage  `json:"message"`
	SessionID string          `json:"session_id"`
	Duration  *float64        `json:"duration_ms"`
	TotalCost *float64        `json:"total_cost_usd"`
	Cost      *float64        `json:"cost_usd"`
	NumTurns  *int            `json:"num_turns"`
	Usage     *claudeUsage    `json:"usage"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeUsage struct {
	InputTokens     *int `json:"input_tokens"`
	OutputTokens    *int `json:"output_tokens"`
	CacheReadTokens *int `json:"cache_read_input_tokens"`
}

func (e *claudeEvent) text() string {
	switch {
	case e.Result != nil:
		return *e.Result
	case e.Text != nil:
		return *e.Text
	case len(e.Content) > 0:
		return blocksText(e.Content)
	case e.Message != nil && e.Message.Role == "assistant":
		return blocksText(e.Message.Content)
	}
	return ""
}

// ParseOutput extracts the reply text, session id, usage and a run summary.
// When no event carries text the trimmed raw output is the reply.
func (Claude) ParseOutput(raw string) agent.ParseResult {
	var (
		text    string
		meta    agent.Meta
		usage   agent.Usage
		hasUse  bool
		summary string
	)

	visit := func(line []byte) {
		var ev claudeEvent
		if json.Unmarshal(line, &ev) != nil {
			return
		}

		if t := ev.text(); t != "" {
			text = t
		}
		if ev.SessionID != "" {
			meta.SessionID = ev.SessionID
		}
		if ev.Usage != nil && (ev.Type == "result" || ev.Type == "") {
			setInt(&usage.Input, ev.Usage.InputTokens)
			setInt(&usage.Output, ev.Usage.OutputTokens)
			setInt(&usage.CacheRead, ev.Usage.CacheReadTokens)
			hasUse = hasUse || ev.Usage.InputTokens != nil || ev.Usage.OutputTokens != nil || ev.Usage.CacheReadTokens != nil
		}
		if s := summarizeClaude(&ev); s != "" {
			summary = s
		}
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		visit([]byte(trimmed))
	} else {
		eachObject(raw, visit)
	}

	if strings.TrimSpace(text) == "" {
		text = trimmed
	}

	if hasUse {
		usage.Total = usage.Input + usage.Output + usage.CacheRead
		meta.Usage = &usage
	}
	if summary != "" {
		meta.Extra = &agent.Extra{Summary: summary}
	}

	res := agent.ParseResult{Texts: textsOf(text)}
	if meta != (agent.Meta{}) {
		res.Meta = &meta
	}
	return res
}

// summarizeClaude renders duration, cost and turn count of a result event.
func summarizeClaude(ev *claudeEvent) string {
	var parts []string
	if ev.Duration != nil {
		parts = append(parts, fmt.Sprintf("duration=%dms", int64(*ev.Duration)))
	}

	cost := ev.TotalCost
	if cost == nil {
		cost = ev.Cost
	}
	if cost != nil {
		parts = append(parts, fmt.Sprintf("cost=$%.4f", *cost))
	}
	if ev.NumTurns != nil {
		parts = append(parts, fmt.Sprintf("turns=%d", *ev.NumTurns))
	}

	return strings.Join(parts, ", ")
}
