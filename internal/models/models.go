// Package models defines the core data structures for VoiceForm.
//
// It includes form definitions, stored submissions, persisted session snapshots
// and the JSON response envelope shared across modules.
package models

import (
	"errors"
	"time"
)

// SubmissionSource identifies which surface produced a submission.
type SubmissionSource string

const (
	// SourceAPI is a direct POST /api/submit.
	SourceAPI SubmissionSource = "api"
	// SourceVoice is a session driven through the session API or a local front end.
	SourceVoice SubmissionSource = "voice"
	// SourcePhone is a Twilio voice call.
	SourcePhone SubmissionSource = "phone"
)

// Validation constants for input validation
const (
	// MaxFieldValueLength bounds any single submitted value.
	MaxFieldValueLength = 4096
	// MaxFieldsPerForm bounds the number of fields a form definition may declare.
	MaxFieldsPerForm = 32
)

// Error variables for better error handling and testability
var (
	ErrEmptyFormName      = errors.New("form name cannot be empty")
	ErrNoFormFields       = errors.New("form must declare at least one field")
	ErrTooManyFormFields  = errors.New("form declares too many fields")
	ErrEmptyFieldName     = errors.New("field name cannot be empty")
	ErrDuplicateFieldName = errors.New("duplicate field name")
	ErrInvalidFieldKind   = errors.New("invalid field kind")
)

// FieldDefinition describes one field of a form as configured.
type FieldDefinition struct {
	Name     string    `json:"name" yaml:"name"`
	Label    string    `json:"label,omitempty" yaml:"label"` // spoken name, defaults to Name
	Kind     FieldKind `json:"kind" yaml:"kind"`
	Optional bool      `json:"optional,omitempty" yaml:"optional"`
}

// SpokenLabel returns the label used in prompts.
func (f FieldDefinition) SpokenLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// FormDefinition is an ordered list of fields collected by one dialogue.
type FormDefinition struct {
	Name   string            `json:"name" yaml:"name"`
	Fields []FieldDefinition `json:"fields" yaml:"fields"`
}

// Validate checks that the definition can drive a dialogue.
func (d *FormDefinition) Validate() error {
	if d.Name == "" {
		return ErrEmptyFormName
	}
	if len(d.Fields) == 0 {
		return ErrNoFormFields
	}
	if len(d.Fields) > MaxFieldsPerForm {
		return ErrTooManyFormFields
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return ErrEmptyFieldName
		}
		if seen[f.Name] {
			return ErrDuplicateFieldName
		}
		seen[f.Name] = true
		if !IsValidFieldKind(f.Kind) {
			return ErrInvalidFieldKind
		}
	}
	return nil
}

// FieldNames returns the field names in dialogue order.
func (d *FormDefinition) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks up a field by name.
func (d *FormDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Submission is one persisted form record.
type Submission struct {
	ID        string            `json:"id"`
	Form      string            `json:"form"`
	Fields    map[string]string `json:"fields"`
	Source    SubmissionSource  `json:"source"`
	CreatedAt time.Time         `json:"created_at"`
}

// SubmissionAck is returned to the caller after a submission is persisted.
type SubmissionAck struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
