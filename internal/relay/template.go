package relay

import (
	"regexp"
	"strconv"
)

// TemplateContext holds the values available to {{Placeholder}} tokens of a
// command template.
type TemplateContext struct {
	Body         string
	BodyStripped string
	From         string
	To           string
	MessageSid   string
	SessionID    string
	IsNewSession bool
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`) //nolint:gochecknoglobals // compiled once

func (c TemplateContext) lookup(name string) string {
	switch name {
	case "Body":
		return c.Body
	case "BodyStripped":
		return c.BodyStripped
	case "From":
		return c.From
	case "To":
		return c.To
	case "MessageSid":
		return c.MessageSid
	case "SessionId":
		return c.SessionID
	case "IsNewSession":
		return strconv.FormatBool(c.IsNewSession)
	}
	return ""
}

// ApplyTemplate replaces every {{Name}} in s. Unknown names become empty.
func ApplyTemplate(s string, ctx TemplateContext) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		return ctx.lookup(placeholderRe.FindStringSubmatch(m)[1])
	})
}

// hasBodyPlaceholder reports whether s contains a {{Body}} token.
func hasBodyPlaceholder(s string) bool {
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if m[1] == "Body" {
			return true
		}
	}
	return false
}

// expandCommand interpolates every token of tmpl and returns the index of the
// token carrying the body. Without a {{Body}} token the body is appended.
func expandCommand(tmpl []string, ctx TemplateContext) ([]string, int) {
	argv := make([]string, 0, len(tmpl)+1)
	bodyIndex := -1
	for i, tok := range tmpl {
		if bodyIndex < 0 && hasBodyPlaceholder(tok) {
			bodyIndex = i
		}
		argv = append(argv, ApplyTemplate(tok, ctx))
	}
	if bodyIndex < 0 {
		bodyIndex = len(argv)
		argv = append(argv, ctx.Body)
	}
	return argv, bodyIndex
}
