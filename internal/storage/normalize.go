package storage

import (
	"regexp"
	"strings"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	// Directory prefixes carry per-run noise (temp dirs, user homes); the
	// final path element is kept so the description still names the file.
	windowsDirRe = regexp.MustCompile(`[A-Za-z]:(?:\\[^\\\s]+)*\\`)
	unixDirRe    = regexp.MustCompile(`(?:/[^/\s]+)+/`)
)

// NormalizeTaskDescription produces the deterministic key used for exact
// matching and LLM-cache keying: whitespace collapsed, directory prefixes in
// embedded paths stripped, lower-cased. The function is idempotent.
func NormalizeTaskDescription(text string) string {
	text = whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
	text = windowsDirRe.ReplaceAllString(text, "")
	text = unixDirRe.ReplaceAllString(text, "")
	return strings.ToLower(text)
}
