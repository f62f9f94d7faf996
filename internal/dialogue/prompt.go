package dialogue

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Keywords matched against normalized transcripts.
const (
	KeywordRepeat = "repeat"
	KeywordYes    = "yes"
	KeywordNo     = "no"
)

// EmptyMarker is read back for fields without a value.
const EmptyMarker = "nothing"

// Fixed utterances.
const (
	WelcomeNotice     = "Welcome! Let's start."
	ConfirmPrompt     = "Please say yes or no."
	CancelNotice      = "Form submission cancelled. Restarting."
	SubmittingNotice  = "Submitting form..."
	SuccessNotice     = "Form submitted successfully."
	FailureNotice     = "There was an error submitting the form."
	RecognitionNotice = "Sorry, I didn't catch that."
	UnsupportedNotice = "Speech recognition is not supported here."
	UnavailableNotice = "Speech recognition is unavailable. Stopping."
	StoppedNotice     = "Voice form stopped."
	summaryQuestion   = "Say yes to submit or no to cancel."
)

// FieldPrompt asks for a field.
func FieldPrompt(f FieldSpec) string {
	return "Please say your " + f.SpokenLabel() + "."
}

// RetryPrompt asks again after an invalid answer.
func RetryPrompt(f FieldSpec) string {
	return "I didn't catch that. Please repeat your " + f.SpokenLabel() + "."
}

// SkipNotice announces that a field was left empty after too many invalid answers.
func SkipNotice(f FieldSpec) string {
	return "Skipping " + f.SpokenLabel() + " due to errors."
}

// AckNotice confirms an accepted answer.
func AckNotice(f FieldSpec, value string) string {
	return capitalize(f.SpokenLabel()) + " recorded as " + value + "."
}

// SummaryPrompt reads back every field in order and asks for confirmation.
func SummaryPrompt(fields []FieldSpec, draft FormDraft) string {
	var b strings.Builder
	b.WriteString("You said: ")
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		v := draft.Get(f.Name)
		if v == "" {
			v = EmptyMarker
		}
		b.WriteString(capitalize(f.SpokenLabel()))
		b.WriteString(": ")
		b.WriteString(v)
	}
	b.WriteString(". ")
	b.WriteString(summaryQuestion)
	return b.String()
}

// SubmittedNotice announces a successful submission, preferring the backend's message.
func SubmittedNotice(ack Ack) string {
	msg := strings.TrimSpace(ack.Message)
	if msg == "" {
		return SuccessNotice
	}
	if !strings.HasSuffix(msg, ".") {
		msg += "."
	}
	return msg
}

// Normalize trims and lower-cases a transcript. The result is what gets
// validated and stored.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// keyword reduces a normalized transcript to a command candidate by dropping
// the trailing punctuation recognizers append, so "Yes." matches KeywordYes.
func keyword(text string) string {
	return strings.TrimSpace(strings.TrimRight(text, ".!?,"))
}

// join concatenates the non-empty parts into a single utterance.
func join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
