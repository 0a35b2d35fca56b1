package tools

import (
	"regexp"
	"strings"
)

// Best-effort extraction of missing filesystem arguments from a step's
// natural language description. Tried once; when nothing matches the
// step fails validation rather than guessing.

var (
	namedPathRe  = regexp.MustCompile(`(?i)(?:file|directory|folder)\s+(?:named|called)\s+["'` + "`" + `]?([\w~./-]+)`)
	barePathRe   = regexp.MustCompile(`([\w~./-]*[\w-]\.\w{1,8})\b`)
	containingRe = regexp.MustCompile(`(?i)containing\s+["'` + "`" + `](.+?)["'` + "`" + `]`)
	withTextRe   = regexp.MustCompile(`(?i)with\s+(?:the\s+)?(?:content|contents|text)\s+["'` + "`" + `](.+?)["'` + "`" + `]`)
)

// ExtractPath pulls a file or directory path out of free text. It
// prefers an explicitly named file ("a file named notes.txt") and falls
// back to the first token that looks like a filename.
func ExtractPath(text string) (string, bool) {
	if m := namedPathRe.FindStringSubmatch(text); m != nil {
		return strings.Trim(m[1], `"'.,`), true
	}
	if m := barePathRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}

// ExtractContent pulls quoted file content out of free text, e.g.
// "create notes.txt containing 'hello'".
func ExtractContent(text string) (string, bool) {
	if m := containingRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := withTextRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}
