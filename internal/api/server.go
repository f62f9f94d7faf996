package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/session"
	"github.com/BTreeMap/VoiceForm/internal/submission"
	"github.com/BTreeMap/VoiceForm/internal/twiliovoice"
)

// Default configuration values.
const (
	DefaultAddr         = ":8080"
	DefaultSessionIdle  = 30 * time.Minute
	DefaultRateLimit    = 60
	DefaultRateWindow   = time.Minute
	DefaultPollInterval = 5 * time.Second
	maxBodyBytes        = 1 << 20
)

// Opts holds configuration for the API server and its dependencies.
type Opts struct {
	Addr               string
	PublicURL          string // externally visible base URL, used for Twilio callbacks and signatures
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFrom         string
	SpeechLanguage     string
	FormsPath          string
	MaxRetries         int
	RestartAfterSubmit bool
	RepromptAfter      time.Duration
	SessionIdle        time.Duration
	NotifyChannel      string // whatsapp, twilio, log or empty
	NotifyTo           string
	RateLimit          int
	RateWindow         time.Duration
	TrustProxy         bool // key rate limits by X-Forwarded-For / X-Real-IP
	OutboxPoll         time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicURL sets the externally visible base URL.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithTwilioCredentials configures Twilio webhook validation and messaging.
func WithTwilioCredentials(accountSID, authToken, from string) Option {
	return func(o *Opts) {
		o.TwilioAccountSID = accountSID
		o.TwilioAuthToken = authToken
		o.TwilioFrom = from
	}
}

// WithSpeechLanguage sets the recognition language for phone calls.
func WithSpeechLanguage(lang string) Option {
	return func(o *Opts) { o.SpeechLanguage = lang }
}

// WithFormsPath loads form definitions from a YAML file.
func WithFormsPath(path string) Option {
	return func(o *Opts) { o.FormsPath = path }
}

// WithMaxRetries sets how many invalid answers a field tolerates.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithRestartAfterSubmit controls whether web sessions start over after a submission.
func WithRestartAfterSubmit(restart bool) Option {
	return func(o *Opts) { o.RestartAfterSubmit = restart }
}

// WithRepromptAfter re-issues the current prompt after d of silence. Zero disables it.
func WithRepromptAfter(d time.Duration) Option {
	return func(o *Opts) { o.RepromptAfter = d }
}

// WithSessionIdle sets how long a session may go without client activity.
func WithSessionIdle(d time.Duration) Option {
	return func(o *Opts) { o.SessionIdle = d }
}

// WithNotify sends a message to recipient over channel for every submission.
func WithNotify(channel, recipient string) Option {
	return func(o *Opts) {
		o.NotifyChannel = channel
		o.NotifyTo = recipient
	}
}

// WithRateLimit allows n mutating requests per window per client. n <= 0 disables limiting.
func WithRateLimit(n int, window time.Duration) Option {
	return func(o *Opts) {
		o.RateLimit = n
		o.RateWindow = window
	}
}

// WithTrustedProxy keys rate limits by the proxy headers instead of the
// connection address. Enable it only behind a proxy that sets them.
func WithTrustedProxy(trust bool) Option {
	return func(o *Opts) { o.TrustProxy = trust }
}

// WithOutboxPoll sets how often queued notifications are checked.
func WithOutboxPoll(d time.Duration) Option {
	return func(o *Opts) { o.OutboxPoll = d }
}

func defaultOpts() Opts {
	return Opts{
		Addr:               DefaultAddr,
		SpeechLanguage:     twiliovoice.DefaultLanguage,
		MaxRetries:         2,
		RestartAfterSubmit: true,
		SessionIdle:        DefaultSessionIdle,
		RateLimit:          DefaultRateLimit,
		RateWindow:         DefaultRateWindow,
		OutboxPoll:         DefaultPollInterval,
	}
}

// Server serves the HTTP API.
type Server struct {
	submissions *submission.Service
	sessions    *session.Manager
	validator   *twiliovoice.Validator
	limiter     *RateLimiter
	opts        Opts
	mux         *http.ServeMux
}

// NewServer creates a Server over the given services.
func NewServer(submissions *submission.Service, sessions *session.Manager, opts ...Option) *Server {
	cfg := defaultOpts()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		submissions: submissions,
		sessions:    sessions,
		opts:        cfg,
		mux:         http.NewServeMux(),
	}
	if cfg.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.TrustProxy)
	}
	if cfg.TwilioAuthToken != "" {
		s.validator = twiliovoice.NewValidator(cfg.TwilioAuthToken, cfg.PublicURL)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	limit := s.limiter.Middleware

	s.mux.HandleFunc("/api/submit", limit(s.submitHandler))
	s.mux.HandleFunc("/api/submissions", s.submissionsHandler)
	s.mux.HandleFunc("/api/sessions", s.sessionsHandler)
	s.mux.HandleFunc("/api/sessions/{id}", s.sessionHandler)
	s.mux.HandleFunc("/api/sessions/{id}/transcript", limit(s.transcriptHandler))
	s.mux.HandleFunc("/api/sessions/{id}/recognition-error", limit(s.recognitionErrorHandler))

	twilio := http.NewServeMux()
	twilio.HandleFunc("/twilio/voice", s.twilioVoiceHandler)
	twilio.HandleFunc("/twilio/gather", s.twilioGatherHandler)
	s.mux.Handle("/twilio/", s.validator.Middleware(twilio))

	// No rate limiting on health check
	s.mux.HandleFunc("/health", s.healthHandler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
