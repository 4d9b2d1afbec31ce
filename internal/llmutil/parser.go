// internal/llmutil/parser.go
package llmutil

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// codeBlockRegex matches the first fenced block anywhere in a response. An
// optional language tag must be followed by a line break so that a one-line
// block such as ```whoami``` is not mistaken for a tag. \x60 is a backtick.
var codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:[a-zA-Z0-9_+-]*\\r?\\n)?\\s*(.*?)\\s*\x60\x60\x60")

// ExtractCodeBlock returns the contents of the first fenced code block in
// content, or the whole trimmed content when there is none.
func ExtractCodeBlock(content string) string {
	if m := codeBlockRegex.FindStringSubmatch(content); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(content)
}

// Truncate shortens s to at most maxChars runes, marking the cut with "...".
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + "..."
}
