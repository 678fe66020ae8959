package chat

import "time"

// DefaultSessionName labels a session until its first user turn names it.
const DefaultSessionName = "New Chat"

const maxNameRunes = 40

// Session captures one persisted conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Turns     []Turn    `json:"messages"`
	Mode      string    `json:"mode,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Summary is the list projection of a session.
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Mode      string    `json:"mode,omitempty"`
	TurnCount int       `json:"turnCount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share the turn slice.
func (s Session) Clone() Session {
	out := s
	out.Turns = append([]Turn(nil), s.Turns...)
	return out
}

// Summarize projects the session for listing.
func (s Session) Summarize() Summary {
	return Summary{
		ID:        s.ID,
		Name:      s.Name,
		Mode:      s.Mode,
		TurnCount: len(s.Turns),
		UpdatedAt: s.UpdatedAt,
	}
}

// LastTurn returns the trailing turn, if any.
func (s Session) LastTurn() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// InFlightCount counts turns still being generated.
func (s Session) InFlightCount() int {
	n := 0
	for _, t := range s.Turns {
		if t.InFlight {
			n++
		}
	}
	return n
}

// NameFromText derives a display name from the first user utterance.
func NameFromText(text string) string {
	runes := []rune(collapseSpaces(text))
	if len(runes) == 0 {
		return DefaultSessionName
	}
	if len(runes) > maxNameRunes {
		return string(runes[:maxNameRunes]) + "..."
	}
	return string(runes)
}

func collapseSpaces(text string) string {
	out := make([]rune, 0, len(text))
	space := false
	for _, r := range text {
		if r == '\n' || r == '\t' || r == '\r' || r == ' ' {
			if !space && len(out) > 0 {
				out = append(out, ' ')
			}
			space = true
			continue
		}
		space = false
		out = append(out, r)
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return string(out)
}
