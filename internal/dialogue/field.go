package dialogue

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/VoiceForm/internal/models"
)

// Validator reports whether a normalized answer is acceptable.
type Validator func(string) bool

// FieldSpec describes one field of the dialogue. It is immutable for a session.
type FieldSpec struct {
	Name      string
	Label     string // spoken name; Name when empty
	Kind      models.FieldKind
	Validator Validator
	Optional  bool
}

// SpokenLabel returns the label used in prompts.
func (f FieldSpec) SpokenLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
)

// NotEmpty accepts any non-blank answer.
func NotEmpty(s string) bool {
	return strings.TrimSpace(s) != ""
}

// FreeText accepts any non-blank answer.
func FreeText(s string) bool { return NotEmpty(s) }

// Email accepts local@domain.tld shaped answers.
func Email(s string) bool {
	return emailPattern.MatchString(s)
}

// Token accepts 3 to 20 letters, digits or underscores.
func Token(s string) bool {
	return tokenPattern.MatchString(s)
}

// ValidatorFor returns the validator for a field kind. Unknown kinds fall back to FreeText.
func ValidatorFor(kind models.FieldKind) Validator {
	switch kind {
	case models.FieldKindEmail:
		return Email
	case models.FieldKindToken:
		return Token
	default:
		return FreeText
	}
}

func validateFields(fields []FieldSpec) error {
	if len(fields) == 0 {
		return ErrNoFields
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" || f.Validator == nil || seen[f.Name] {
			return ErrInvalidField
		}
		seen[f.Name] = true
	}
	return nil
}
