package chat

import (
	"fmt"
	"strings"

	"github.com/floegence/redeven-chat/internal/provider"
	"github.com/floegence/redeven-chat/internal/threadstore"
)

// Attachment is a file the user attached to a message. Only text content is
// consumed; extracting text from binary formats happens upstream of this
// service.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
}

func textLike(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mime == "" || strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/yaml", "application/x-yaml",
		"application/toml", "application/csv", "application/javascript", "application/sql":
		return true
	}
	return strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml")
}

// buildPrompt inlines text attachments after the message, within budget runes.
func buildPrompt(message string, attachments []Attachment, budget int) (string, int) {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(message))
	used := 0
	inlined := 0
	for _, a := range attachments {
		text := strings.TrimSpace(a.Text)
		if text == "" || !textLike(a.MimeType) {
			continue
		}
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = "attachment"
		}
		left := budget - used
		if left <= 0 {
			break
		}
		rs := []rune(text)
		truncated := false
		if len(rs) > left {
			rs = rs[:left]
			truncated = true
		}
		used += len(rs)
		inlined++
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Attached file %q:\n```\n%s\n```", name, string(rs))
		if truncated {
			b.WriteString("\n(truncated)")
		}
	}
	return b.String(), inlined
}

// historyMessages turns stored rows into model turns. Failed replies only
// hold the apology text, so they are left out.
func historyMessages(rows []threadstore.Message) []provider.Message {
	out := make([]provider.Message, 0, len(rows))
	for _, m := range rows {
		text := strings.TrimSpace(m.TextContent)
		if text == "" || m.Status == threadstore.StatusFailed {
			continue
		}
		role := provider.RoleUser
		if m.Role == provider.RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Content: text})
	}
	return out
}
