package backends

import (
	"bufio"
	"encoding/json"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gosuda/warelay/internal/agent"
)

// maxLineSize bounds a single JSON event line.
const maxLineSize = 4 * 1024 * 1024

// isBinary reports whether the path-stripped first token of argv equals bin.
func isBinary(argv []string, bin string) bool {
	return len(argv) > 0 && filepath.Base(argv[0]) == bin
}

// splitBody splits argv around the body token. An out-of-range index means
// the invocation carries no body. The returned slices never alias argv.
func splitBody(argv []string, bodyIndex int) (before []string, body string, after []string) {
	if bodyIndex < 0 || bodyIndex >= len(argv) {
		return slices.Clone(argv), "", nil
	}
	return slices.Clone(argv[:bodyIndex]), argv[bodyIndex], slices.Clone(argv[bodyIndex+1:])
}

// hasFlag reports whether any token is one of names, in either the
// "--flag value" or "--flag=value" form.
func hasFlag(argv []string, names ...string) bool {
	for _, part := range argv {
		for _, name := range names {
			if part == name || (strings.HasPrefix(name, "--") && strings.HasPrefix(part, name+"=")) {
				return true
			}
		}
	}
	return false
}

// joined reassembles the three argv segments.
func joined(before []string, body string, after []string) []string {
	out := make([]string, 0, len(before)+1+len(after))
	out = append(out, before...)
	out = append(out, body)
	return append(out, after...)
}

// withIdentity prepends the identity prefix to body unless the system prompt
// was already sent once or the body is empty.
func withIdentity(ctx agent.BuildArgsContext, defaultPrefix, body string) string {
	if body == "" || (ctx.SendSystemOnce && ctx.SystemSent) {
		return body
	}

	prefix := ctx.IdentityPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	if prefix == "" {
		return body
	}
	return prefix + "\n\n" + body
}

// formatOr returns the requested output format or the agent default.
func formatOr(ctx agent.BuildArgsContext, fallback string) string {
	if ctx.Format != "" {
		return ctx.Format
	}
	return fallback
}

// eachObject calls fn for every line of raw that decodes as a JSON object.
// Lines that are blank or not valid JSON are skipped.
func eachObject(raw string, fn func(line []byte)) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "{") || !json.Valid([]byte(line)) {
			continue
		}
		fn([]byte(line))
	}
}

// textBlock is one element of a structured message content array.
type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// blocksText concatenates the text blocks of a content array.
func blocksText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}

	var blocks []textBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}

	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// setInt overwrites dst when src was present in the source event.
func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// textsOf wraps a single trimmed text, or nil when it is empty.
func textsOf(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []string{text}
}
