package models

import (
	"errors"
	"testing"
)

func TestFormDefinitionValidate(t *testing.T) {
	valid := FormDefinition{Name: "contact", Fields: []FieldDefinition{
		{Name: "name", Kind: FieldKindText},
		{Name: "email", Kind: FieldKindEmail},
	}}

	tests := []struct {
		name string
		def  FormDefinition
		want error
	}{
		{"valid", valid, nil},
		{"empty name", FormDefinition{Fields: valid.Fields}, ErrEmptyFormName},
		{"no fields", FormDefinition{Name: "x"}, ErrNoFormFields},
		{"empty field name", FormDefinition{Name: "x", Fields: []FieldDefinition{{Kind: FieldKindText}}}, ErrEmptyFieldName},
		{"duplicate", FormDefinition{Name: "x", Fields: []FieldDefinition{
			{Name: "a", Kind: FieldKindText}, {Name: "a", Kind: FieldKindText},
		}}, ErrDuplicateFieldName},
		{"bad kind", FormDefinition{Name: "x", Fields: []FieldDefinition{{Name: "a", Kind: "phone"}}}, ErrInvalidFieldKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSpokenLabelDefaultsToName(t *testing.T) {
	if got := (FieldDefinition{Name: "email"}).SpokenLabel(); got != "email" {
		t.Errorf("SpokenLabel() = %q", got)
	}
	if got := (FieldDefinition{Name: "msg", Label: "message"}).SpokenLabel(); got != "message" {
		t.Errorf("SpokenLabel() = %q", got)
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	ok := SuccessWithMessage("Form submitted successfully", map[string]string{"id": "1"})
	if ok.Status != "ok" || ok.Message != "Form submitted successfully" || ok.Result == nil {
		t.Errorf("unexpected success response: %+v", ok)
	}
	bad := Error("All fields are required")
	if bad.Status != "error" || bad.Result != nil {
		t.Errorf("unexpected error response: %+v", bad)
	}
}

func TestStateTypeIsTerminal(t *testing.T) {
	for _, s := range []StateType{StateIdle, StateDone} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []StateType{StatePromptingField, StateListeningField, StateConfirmingSummary, StateSubmitting} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
