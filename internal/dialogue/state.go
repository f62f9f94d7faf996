// Package dialogue implements the voice dialogue controller: a state machine that
// prompts for each form field, validates spoken answers, reads back a summary and
// submits the confirmed draft.
package dialogue

import (
	"fmt"

	"github.com/BTreeMap/VoiceForm/internal/models"
)

// State is the controller's position in the dialogue. FieldIndex is meaningful
// only in PromptingField and ListeningField.
type State struct {
	Kind       models.StateType `json:"kind"`
	FieldIndex int              `json:"field_index"`
}

func (s State) String() string {
	switch s.Kind {
	case models.StatePromptingField, models.StateListeningField:
		return fmt.Sprintf("%s(%d)", s.Kind, s.FieldIndex)
	default:
		return string(s.Kind)
	}
}

// HasField reports whether the state refers to a field.
func (s State) HasField() bool {
	return s.Kind == models.StatePromptingField || s.Kind == models.StateListeningField
}

// acceptsSpeech reports whether transcripts are meaningful in this state.
func (s State) acceptsSpeech() bool {
	switch s.Kind {
	case models.StatePromptingField, models.StateListeningField, models.StateConfirmingSummary:
		return true
	default:
		return false
	}
}
