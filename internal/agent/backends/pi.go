package backends

import (
	"encoding/json"
	"strings"

	"github.com/gosuda/warelay/internal/agent"
)

const (
	piBin = "pi"

	// PiIdentityPrefix introduces the relay to pi on a session's first prompt.
	PiIdentityPrefix = "You are pi, answering chat messages relayed to you by warelay. " +
		"Keep replies short; they are read on a phone."
)

// Pi implements agent.Spec and agent.Streamer for the pi coding agent, which
// keeps one long-lived process in rpc mode.
type Pi struct{}

var (
	_ agent.Spec     = Pi{} //nolint:gochecknoglobals // compile-time check
	_ agent.Streamer = Pi{} //nolint:gochecknoglobals // compile-time check
)

func (Pi) Kind() agent.Kind { return agent.KindPi }

func (Pi) IsInvocation(argv []string) bool { return isBinary(argv, piBin) }

// BuildArgs builds a one-shot print-mode invocation.
func (Pi) BuildArgs(ctx agent.BuildArgsContext) []string {
	before, body, after := splitBody(ctx.Argv, ctx.BodyIndex)

	if !hasFlag(ctx.Argv, "--mode") {
		before = append(before, "--mode", formatOr(ctx, "json"))
	}
	if !hasFlag(ctx.Argv, "-p", "--print") {
		before = append(before, "-p")
	}

	return joined(before, withIdentity(ctx, PiIdentityPrefix, body), after)
}

// StreamArgs removes the body from argv, forces rpc mode, and returns the
// body as the prompt to write to the process.
func (Pi) StreamArgs(ctx agent.BuildArgsContext) ([]string, string) {
	before, body, after := splitBody(ctx.Argv, ctx.BodyIndex)

	argv := append(before, after...)
	if !hasFlag(argv, "--mode") {
		argv = append(argv, "--mode", "rpc")
	}

	return argv, withIdentity(ctx, PiIdentityPrefix, body)
}

type piEvent struct {
	Type    string     `json:"type"`
	Message *piMessage `json:"message"`
}

type piMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Usage      *piUsage        `json:"usage"`
	Model      string          `json:"model"`
	Provider   string          `json:"provider"`
	StopReason string          `json:"stopReason"`
}

type piUsage struct {
	Input       *int `json:"input"`
	Output      *int `json:"output"`
	CacheRead   *int `json:"cacheRead"`
	TotalTokens *int `json:"totalTokens"`
}

// ParseOutput returns the text of the last assistant message_end that
// carried text, with usage and model metadata of the turn.
func (Pi) ParseOutput(raw string) agent.ParseResult {
	var (
		text     string
		meta     agent.Meta
		usage    agent.Usage
		hasUse   bool
		hasTotal bool
	)

	eachObject(raw, func(line []byte) {
		var ev piEvent
		if json.Unmarshal(line, &ev) != nil {
			return
		}
		if ev.Type != "message_end" || ev.Message == nil || ev.Message.Role != "assistant" {
			return
		}

		msg := ev.Message
		if t := strings.TrimSpace(blocksText(msg.Content)); t != "" {
			text = t
		}
		if msg.Model != "" {
			meta.Model = msg.Model
		}
		if msg.Provider != "" {
			meta.Provider = msg.Provider
		}
		if msg.StopReason != "" {
			meta.StopReason = msg.StopReason
		}
		if u := msg.Usage; u != nil {
			setInt(&usage.Input, u.Input)
			setInt(&usage.Output, u.Output)
			setInt(&usage.CacheRead, u.CacheRead)
			setInt(&usage.Total, u.TotalTokens)
			hasTotal = hasTotal || u.TotalTokens != nil
			hasUse = true
		}
	})

	res := agent.ParseResult{Texts: textsOf(text)}
	if hasUse {
		if !hasTotal {
			usage.Total = usage.Input + usage.Output + usage.CacheRead
		}
		meta.Usage = &usage
	}
	if meta != (agent.Meta{}) {
		res.Meta = &meta
	}
	return res
}
