package twiliovoice

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks that webhook requests were signed by Twilio.
type Validator struct {
	validator client.RequestValidator
	publicURL string
}

// NewValidator creates a Validator for authToken. publicURL is the externally
// visible base URL Twilio signs, such as "https://forms.example.com".
func NewValidator(authToken, publicURL string) *Validator {
	return &Validator{
		validator: client.NewRequestValidator(authToken),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Valid reports whether r carries a valid signature. r's form is parsed.
func (v *Validator) Valid(r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	url := v.publicURL + r.URL.RequestURI()
	return v.validator.Validate(url, params, r.Header.Get(SignatureHeader))
}

// Middleware rejects unsigned requests with 403. A nil Validator lets every request through.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Valid(r) {
			slog.Warn("Validator.Middleware: invalid Twilio signature", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
