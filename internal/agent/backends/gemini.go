package backends

import (
	"encoding/json"
	"strings"

	"github.com/gosuda/warelay/internal/agent"
)

const (
	geminiBin = "gemini"

	// GeminiIdentityPrefix introduces the relay to Gemini on a session's first prompt.
	GeminiIdentityPrefix = "You are Gemini, answering chat messages relayed to you by warelay. " +
		"Keep replies brief and in plain text."
)

// Gemini implements agent.Spec for the Gemini CLI.
type Gemini struct{}

var _ agent.Spec = Gemini{} //nolint:gochecknoglobals // compile-time check

func (Gemini) Kind() agent.Kind { return agent.KindGemini }

func (Gemini) IsInvocation(argv []string) bool { return isBinary(argv, geminiBin) }

func (Gemini) BuildArgs(ctx agent.BuildArgsContext) []string {
	before, body, after := splitBody(ctx.Argv, ctx.BodyIndex)

	if !hasFlag(ctx.Argv, "--output-format", "-o") {
		before = append(before, "--output-format", formatOr(ctx, "json"))
	}

	return joined(before, withIdentity(ctx, GeminiIdentityPrefix, body), after)
}

type geminiOutput struct {
	Response  *string      `json:"response"`
	SessionID string       `json:"session_id"`
	Stats     *geminiStats `json:"stats"`
}

type geminiStats struct {
	Models map[string]struct {
		Tokens *geminiTokens `json:"tokens"`
	} `json:"models"`
}

type geminiTokens struct {
	Prompt     int  `json:"prompt"`
	Candidates int  `json:"candidates"`
	Cached     int  `json:"cached"`
	Total      *int `json:"total"`
}

// ParseOutput reads the JSON document written by --output-format json.
// Token counts are summed across the models that served the request.
func (Gemini) ParseOutput(raw string) agent.ParseResult {
	var (
		out    *geminiOutput
		parsed bool
	)

	visit := func(line []byte) {
		var doc geminiOutput
		if json.Unmarshal(line, &doc) != nil {
			return
		}
		parsed = true
		if doc.Response != nil || doc.Stats != nil || doc.SessionID != "" {
			out = &doc
		}
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		visit([]byte(trimmed))
	} else {
		eachObject(raw, visit)
	}

	if !parsed {
		return agent.ParseResult{Texts: textsOf(trimmed)}
	}
	if out == nil {
		return agent.ParseResult{}
	}

	var res agent.ParseResult
	if out.Response != nil {
		res.Texts = textsOf(*out.Response)
	}

	meta := agent.Meta{SessionID: out.SessionID}
	if out.Stats != nil && len(out.Stats.Models) > 0 {
		var usage agent.Usage
		reported := 0
		for _, m := range out.Stats.Models {
			if m.Tokens == nil {
				continue
			}
			usage.Input += m.Tokens.Prompt
			usage.Output += m.Tokens.Candidates
			usage.CacheRead += m.Tokens.Cached
			if m.Tokens.Total != nil {
				reported += *m.Tokens.Total
			} else {
				reported += m.Tokens.Prompt + m.Tokens.Candidates + m.Tokens.Cached
			}
		}
		usage.Total = reported
		if usage != (agent.Usage{}) {
			meta.Usage = &usage
		}
	}
	if meta != (agent.Meta{}) {
		res.Meta = &meta
	}
	return res
}
