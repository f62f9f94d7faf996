// Package models defines state management structures for VoiceForm sessions.
package models

import "time"

// SessionState is the persisted snapshot of one dialogue session.
type SessionState struct {
	SessionID  string            `json:"session_id"`
	Form       string            `json:"form"`
	Channel    Channel           `json:"channel"`
	State      StateType         `json:"state"`
	FieldIndex int               `json:"field_index"`
	Retry      int               `json:"retry"`
	Draft      map[string]string `json:"draft,omitempty"`
	LastPrompt string            `json:"last_prompt,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TimerInfo describes a pending timer.
type TimerInfo struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
	Description string    `json:"description"`
}
