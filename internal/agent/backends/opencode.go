package backends

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gosuda/warelay/internal/agent"
)

const (
	opencodeBin = "opencode"

	// OpencodeIdentityPrefix introduces the relay to OpenCode on a session's first prompt.
	OpencodeIdentityPrefix = "You are OpenCode, answering chat messages relayed to you by warelay. " +
		"Reply concisely in plain text."
)

// Opencode implements agent.Spec for the OpenCode CLI.
type Opencode struct{}

var _ agent.Spec = Opencode{} //nolint:gochecknoglobals // compile-time check

func (Opencode) Kind() agent.Kind { return agent.KindOpencode }

func (Opencode) IsInvocation(argv []string) bool { return isBinary(argv, opencodeBin) }

func (Opencode) BuildArgs(ctx agent.BuildArgsContext) []string {
	before, body, after := splitBody(ctx.Argv, ctx.BodyIndex)

	if !hasFlag(ctx.Argv, "--format") {
		before = append(before, "--format", formatOr(ctx, "json"))
	}

	return joined(before, withIdentity(ctx, OpencodeIdentityPrefix, body), after)
}

type opencodeEvent struct {
	Type      string        `json:"type"`
	Timestamp *int64        `json:"timestamp"`
	SessionID string        `json:"sessionID"`
	Part      *opencodePart `json:"part"`
}

type opencodePart struct {
	Text   string          `json:"text"`
	Cost   *float64        `json:"cost"`
	Tokens *opencodeTokens `json:"tokens"`
}

type opencodeTokens struct {
	Input  *int `json:"input"`
	Output *int `json:"output"`
	Cache  *struct {
		Read *int `json:"read"`
	} `json:"cache"`
}

// opencodeRun accumulates per-step accounting across step events.
type opencodeRun struct {
	start, end   *int64
	cost         float64
	hasCost      bool
	input        int
	output       int
	cacheRead    int
	hasTokens    bool
	stepFinished bool
}

func (r *opencodeRun) finish(ev *opencodeEvent) {
	if ev.Timestamp != nil {
		r.end = ev.Timestamp
		r.stepFinished = true
	}
	if ev.Part == nil {
		return
	}
	if ev.Part.Cost != nil {
		r.cost += *ev.Part.Cost
		r.hasCost = true
		r.stepFinished = true
	}
	if tok := ev.Part.Tokens; tok != nil {
		if tok.Input != nil {
			r.input += *tok.Input
		}
		if tok.Output != nil {
			r.output += *tok.Output
		}
		if tok.Cache != nil && tok.Cache.Read != nil {
			r.cacheRead += *tok.Cache.Read
		}
		r.hasTokens = true
		r.stepFinished = true
	}
}

func (r *opencodeRun) summary() string {
	if !r.stepFinished {
		return ""
	}

	var parts []string
	if r.start != nil && r.end != nil {
		parts = append(parts, fmt.Sprintf("duration=%dms", *r.end-*r.start))
	}
	if r.hasCost {
		parts = append(parts, fmt.Sprintf("cost=$%.4f", r.cost))
	}
	if r.hasTokens {
		parts = append(parts, fmt.Sprintf("tokens=%d+%d", r.input, r.output))
	}
	return strings.Join(parts, ", ")
}

// ParseOutput joins streamed text parts and summarizes the step_finish
// accounting. When no text part is found the trimmed raw output is the reply.
func (Opencode) ParseOutput(raw string) agent.ParseResult {
	var (
		texts []string
		run   opencodeRun
		meta  agent.Meta
	)

	eachObject(raw, func(line []byte) {
		var ev opencodeEvent
		if json.Unmarshal(line, &ev) != nil {
			return
		}

		if ev.SessionID != "" {
			meta.SessionID = ev.SessionID
		}

		switch ev.Type {
		case "step_start":
			if run.start == nil && ev.Timestamp != nil {
				run.start = ev.Timestamp
			}
		case "text":
			if ev.Part != nil && ev.Part.Text != "" {
				texts = append(texts, ev.Part.Text)
			}
		case "step_finish":
			run.finish(&ev)
		}
	})

	text := strings.Join(texts, "\n")
	if strings.TrimSpace(text) == "" {
		text = raw
	}

	res := agent.ParseResult{Texts: textsOf(text)}
	if s := run.summary(); s != "" {
		meta.Extra = &agent.Extra{Summary: s}
	}
	if run.hasTokens {
		meta.Usage = &agent.Usage{
			Input:     run.input,
			Output:    run.output,
			CacheRead: run.cacheRead,
			Total:     run.input + run.output + run.cacheRead,
		}
	}
	if meta != (agent.Meta{}) {
		res.Meta = &meta
	}
	return res
}
