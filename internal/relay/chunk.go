package relay

import (
	"strings"
	"unicode"
)

// Chunk splits text into pieces of at most limit runes. A break prefers the
// last newline inside the window, then the last whitespace, and falls back to
// a hard break at the limit. A non-positive limit disables splitting.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	remaining := []rune(text)
	if limit <= 0 || len(remaining) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(remaining) > limit {
		window := remaining[:limit]

		breakIdx := lastIndexRune(window, func(r rune) bool { return r == '\n' })
		if breakIdx <= 0 {
			breakIdx = lastIndexRune(window, unicode.IsSpace)
		}
		if breakIdx <= 0 {
			breakIdx = limit
		}

		if chunk := strings.TrimRightFunc(string(remaining[:breakIdx]), unicode.IsSpace); chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := breakIdx
		if breakIdx < len(remaining) && unicode.IsSpace(remaining[breakIdx]) {
			next++
		}
		remaining = trimLeftSpace(remaining[next:])
	}

	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}
	return chunks
}

func lastIndexRune(rs []rune, match func(rune) bool) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if match(rs[i]) {
			return i
		}
	}
	return -1
}

func trimLeftSpace(rs []rune) []rune {
	for len(rs) > 0 && unicode.IsSpace(rs[0]) {
		rs = rs[1:]
	}
	return rs
}
