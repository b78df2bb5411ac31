package chat

import "strings"

type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderBot
}

// Turn is one message of a conversation. Histories are ordered oldest first
// and are owned by the caller; nothing in this module mutates them.
type Turn struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    Sender `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

func LastUserText(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == SenderUser {
			return history[i].Text
		}
	}
	return ""
}

// Transcript renders a history as "Name: text" lines, used by prompts that
// need the conversation inline rather than as provider turns.
func Transcript(history []Turn, userName, botName string) string {
	lines := make([]string, 0, len(history))
	for _, t := range history {
		name := botName
		if t.Sender == SenderUser {
			name = userName
		}
		lines = append(lines, name+": "+strings.TrimSpace(t.Text))
	}
	return strings.Join(lines, "\n")
}
