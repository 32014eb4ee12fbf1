package dispatch

import (
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// BuildPrompt renders stored messages as the <messages> document a worker
// receives. Times use the store's canonical instant format.
func BuildPrompt(msgs []store.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range msgs {
		b.WriteString(`  <message sender="`)
		b.WriteString(xmlEscaper.Replace(m.SenderName))
		b.WriteString(`" time="`)
		b.WriteString(store.FormatTime(m.Timestamp))
		b.WriteString(`">`)
		b.WriteString(xmlEscaper.Replace(m.Content))
		b.WriteString("</message>\n")
	}
	b.WriteString("</messages>")
	return b.String()
}

// ReactionPrompt renders an added reaction as a single-element document.
func ReactionPrompt(reactor, emoji string, targetMessageID int) string {
	var b strings.Builder
	b.WriteString(`<reaction reactor="`)
	b.WriteString(xmlEscaper.Replace(reactor))
	b.WriteString(`" emoji="`)
	b.WriteString(xmlEscaper.Replace(emoji))
	b.WriteString(`" target_message_id="`)
	b.WriteString(strconv.Itoa(targetMessageID))
	b.WriteString(`"/>`)
	return b.String()
}
