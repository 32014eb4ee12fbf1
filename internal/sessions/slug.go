package sessions

import "strings"

// maxSlugLen bounds workspace folder names.
const maxSlugLen = 50

// Slug turns a chat or topic title into a folder-safe name: lowercase,
// [a-z0-9-] only, runs of separators collapsed, at most 50 characters.
// Idempotent: Slug(Slug(x)) == Slug(x).
func Slug(s string) string {
	s = strings.ToLower(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteByte(byte(r))
		case r == ' ', r == '\t', r == '\n', r == '_', r == '-':
			b.WriteByte('-')
		}
		// Anything else is dropped.
	}

	out := b.String()
	for strings.Contains(out, "--") {
		out = strings.ReplaceAll(out, "--", "-")
	}
	out = strings.Trim(out, "-")
	if len(out) > maxSlugLen {
		out = strings.Trim(out[:maxSlugLen], "-")
	}
	return out
}
