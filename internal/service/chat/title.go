package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
)

const maxTitleRunes = 30

// DeriveTitle turns the first user message into a session title.
func DeriveTitle(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return chat.DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		runes := []rune(title)
		title = string(runes[:maxTitleRunes-1]) + "..."
	}
	first, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(first)) + title[size:]
}
