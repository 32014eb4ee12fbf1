package registry

import "strings"

// Decision is the outcome of trigger evaluation for one inbound text.
type Decision struct {
	Fire    bool
	Content string // content with the mention pattern stripped, when fired
}

// EvaluateTrigger decides whether a text message in a workspace should
// wake the agent. The main workspace always fires; everywhere else the
// registered chat's mode rules:
//
//	always   → fire with the content untouched
//	disabled → never fire
//	mention  → fire iff the pattern occurs (case-insensitive); the
//	           pattern is stripped from the content before dispatch
//
// The default pattern is "@" + assistantName.
func EvaluateTrigger(rc *RegisteredChat, isMain bool, content, assistantName string) Decision {
	if isMain {
		return Decision{Fire: true, Content: content}
	}
	if rc == nil {
		return Decision{}
	}

	switch rc.TriggerMode {
	case TriggerAlways:
		return Decision{Fire: true, Content: content}
	case TriggerDisabled:
		return Decision{}
	case TriggerMention, "":
		pattern := rc.MentionPattern
		if pattern == "" {
			pattern = "@" + assistantName
		}
		if !containsFold(content, pattern) {
			return Decision{}
		}
		return Decision{Fire: true, Content: stripAllFold(content, pattern)}
	default:
		return Decision{}
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// stripAllFold removes every case-insensitive occurrence of pattern,
// then tidies the leftover whitespace.
func stripAllFold(s, pattern string) string {
	if pattern == "" {
		return s
	}
	lowPat := strings.ToLower(pattern)

	var b strings.Builder
	for {
		idx := strings.Index(strings.ToLower(s), lowPat)
		// Lowercasing can change byte length for a few code points; if
		// the offsets no longer line up, stop stripping rather than
		// slice out of range.
		if idx < 0 || idx+len(pattern) > len(s) {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:idx])
		s = s[idx+len(pattern):]
	}

	out := b.String()
	for strings.Contains(out, "  ") {
		out = strings.ReplaceAll(out, "  ", " ")
	}
	return strings.TrimSpace(out)
}
