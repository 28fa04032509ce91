// Package conversation holds the turn history shown in the chat and sent upstream.
package conversation

const (
	// RoleUser marks turns typed by the child or parent.
	RoleUser = "user"
	// RoleAssistant marks streamed replies.
	RoleAssistant = "assistant"
	// RoleSystem marks the leading instruction turn.
	RoleSystem = "system"
)

// Turn is a single chat entry.
type Turn struct {
	// Role is user, assistant or system.
	Role string `json:"role"`
	// Content is the plain message text.
	Content string `json:"content"`
}

// History is the ordered conversation, oldest first.
type History []Turn

// AppendUser returns a copy of history with a new user turn.
func AppendUser(history History, text string) History {
	next := history.Clone()
	return append(next, Turn{Role: RoleUser, Content: text})
}

// ApplyAssistant folds the current assistant message into history.
// When the last entry already belongs to the assistant its content is replaced,
// otherwise a new assistant entry is appended. The input is never modified.
func ApplyAssistant(history History, message string) History {
	next := history.Clone()
	if last := len(next) - 1; last >= 0 && next[last].Role == RoleAssistant {
		next[last].Content = message
		return next
	}
	return append(next, Turn{Role: RoleAssistant, Content: message})
}

// Clone returns an independent copy.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	next := make(History, len(h), len(h)+1)
	copy(next, h)
	return next
}

// LastAssistant returns the trailing assistant entry, if any.
func (h History) LastAssistant() (Turn, bool) {
	if len(h) == 0 || h[len(h)-1].Role != RoleAssistant {
		return Turn{}, false
	}
	return h[len(h)-1], true
}

// WithSystem returns history prefixed by a system turn unless one leads already.
func (h History) WithSystem(prompt string) History {
	if prompt == "" || (len(h) > 0 && h[0].Role == RoleSystem) {
		return h.Clone()
	}
	next := make(History, 0, len(h)+1)
	next = append(next, Turn{Role: RoleSystem, Content: prompt})
	return append(next, h...)
}

// WithoutSystem drops system turns, leaving what the chat view displays.
func (h History) WithoutSystem() History {
	next := make(History, 0, len(h))
	for _, turn := range h {
		if turn.Role == RoleSystem {
			continue
		}
		next = append(next, turn)
	}
	return next
}
