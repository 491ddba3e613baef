package models

import "time"

// Role identifies who produced a transcript entry.
//
// RoleSystem holds raw model output (including any embedded code),
// RoleAssistant holds execution-result feedback addressed to the model and
// RoleUser holds human-provided prompts and interjections.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Message struct {
	ExperimentID string
	Seq          int64
	Sender       Role
	Content      string
	CreatedAt    time.Time
}

// Turn is one entry of the history handed to the model gateway.
type Turn struct {
	Role    Role
	Content string
}

// Turns projects a transcript onto gateway history.
func Turns(msgs []*Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, Turn{Role: m.Sender, Content: m.Content})
	}
	return turns
}
