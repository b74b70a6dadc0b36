package model

import "time"

// Role identifies who produced a message on a thread
type Role string

const (
	RoleUser       Role = "user"
	RoleModel      Role = "model"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is one entry on an identity's conversation thread. Seq is the
// zero-based position assigned by the repository at append time; recorded
// messages are never mutated afterwards.
type Message struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates an unsequenced message ready to append
func NewMessage(role Role, text string) *Message {
	return &Message{Role: role, Text: text}
}

// Clone returns a copy
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}
