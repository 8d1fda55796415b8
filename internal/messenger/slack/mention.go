package slack

import (
	"regexp"
	"strings"
)

// mentionPattern matches a leading Slack-encoded user mention such as <@U12345> or <@U12345|bot>.
var mentionPattern = regexp.MustCompile(`^<@[A-Z0-9]+(?:\|[^>]*)?>[:,]?\s*`) //nolint:gochecknoglobals // compiled regexp

// StripMention removes the leading bot mention from an app_mention text.
func StripMention(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(strings.TrimSpace(text), ""))
}
