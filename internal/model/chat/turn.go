package chat

import "time"

// Role tags a turn's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known speakers.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is a single message within a session. InFlight marks the assistant
// turn that is still receiving deltas.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	InFlight  bool      `json:"inFlight,omitempty"`
}

// NewTurn stamps a finished turn with the current time.
func NewTurn(role Role, content string) Turn {
	return Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// Placeholder returns the empty in-flight assistant turn that receives deltas.
func Placeholder() Turn {
	return Turn{Role: RoleAssistant, Timestamp: time.Now().UTC(), InFlight: true}
}
