package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Turn is one (speaker-role, text) entry in a session's history.
// On the wire it is a flat 2-tuple: ["user", "hello"].
type Turn struct {
	Role Role
	Text string
}

// MarshalJSON encodes the turn as a JSON 2-tuple [role, text].
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(t.Role), t.Text})
}

// UnmarshalJSON decodes a JSON 2-tuple [role, text].
func (t *Turn) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("turn: want 2-tuple, got %d elements", len(pair))
	}
	t.Role = Role(pair[0])
	t.Text = pair[1]
	return nil
}

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
	SessionExpired   SessionStatus = "expired"
)

// MetaError is the metadata key carrying the last error recorded on a session.
const MetaError = "error"

// ConversationSession is one ongoing conversation between a user and the
// system. Turns are append-only; insertion order is significant and is never
// reordered. UpdatedAt is refreshed on every mutation and is always >= CreatedAt.
type ConversationSession struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	Turns       []Turn            `json:"message_list"`
	CurrentNode string            `json:"current_node"`
	Status      SessionStatus     `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Metadata    map[string]string `json:"metadata"`
}

// Clone returns a deep copy so callers can't mutate stored state through
// shared slices or maps.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Turns = make([]Turn, len(s.Turns))
	copy(cp.Turns, s.Turns)
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// LastTurn returns the most recent turn, or a zero Turn if the session is empty.
func (s *ConversationSession) LastTurn() Turn {
	if len(s.Turns) == 0 {
		return Turn{}
	}
	return s.Turns[len(s.Turns)-1]
}
