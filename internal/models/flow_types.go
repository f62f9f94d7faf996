// Package models defines dialogue type definitions to avoid circular imports.
package models

// StateType represents a state of the voice dialogue.
type StateType string

// FieldKind selects the validator applied to a spoken answer.
type FieldKind string

// Channel identifies the front end driving a session.
type Channel string

// Dialogue states.
const (
	StateIdle              StateType = "IDLE"
	StatePromptingField    StateType = "PROMPTING_FIELD"
	StateListeningField    StateType = "LISTENING_FIELD"
	StateConfirmingSummary StateType = "CONFIRMING_SUMMARY"
	StateSubmitting        StateType = "SUBMITTING"
	StateDone              StateType = "DONE"
)

// Field kinds.
const (
	FieldKindText  FieldKind = "text"  // any non-empty answer
	FieldKindEmail FieldKind = "email" // local@domain.tld
	FieldKindToken FieldKind = "token" // 3-20 letters, digits or underscores
)

// Session channels.
const (
	ChannelWeb        Channel = "web"
	ChannelPhone      Channel = "phone"
	ChannelConsole    Channel = "console"
	ChannelMicrophone Channel = "microphone"
)

// IsValidFieldKind reports whether kind is supported.
func IsValidFieldKind(kind FieldKind) bool {
	switch kind {
	case FieldKindText, FieldKindEmail, FieldKindToken:
		return true
	default:
		return false
	}
}

// IsValidChannel reports whether ch is a known channel.
func IsValidChannel(ch Channel) bool {
	switch ch {
	case ChannelWeb, ChannelPhone, ChannelConsole, ChannelMicrophone:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the dialogue has stopped accepting input.
func (s StateType) IsTerminal() bool {
	return s == StateIdle || s == StateDone
}
