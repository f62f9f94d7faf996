// Command VoiceForm serves the voice form API: browser sessions, Twilio phone
// calls and direct JSON submissions, backed by SQLite or PostgreSQL.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/api"
	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/lockfile"
	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/util"
	"github.com/BTreeMap/VoiceForm/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir holds the lock file and the default SQLite databases
	DefaultStateDir = "/var/lib/voiceform"
	// DefaultAppDBFileName is the SQLite file for submissions, sessions and the outbox
	DefaultAppDBFileName = "voiceform.db"
	// DefaultWhatsAppDBFileName is the SQLite file for the WhatsApp device store
	DefaultWhatsAppDBFileName = "whatsapp.db"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := initializeLogger(os.Stdout, *flags.logLevel, *flags.logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping VoiceForm with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "notify", *flags.notify)
	if err := api.Run(waOpts, storeOpts, apiOpts); err != nil {
		slog.Error("VoiceForm failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("VoiceForm exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseDSN        string
	WhatsAppDSN        string
	APIAddr            string
	PublicURL          string
	FormsPath          string
	Language           string
	MaxRetries         int
	RestartAfterSubmit bool
	RepromptAfter      time.Duration
	SessionIdle        time.Duration
	RateLimit          int
	TrustProxy         bool
	NotifyChannel      string
	NotifyTo           string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFrom         string
	LogLevel           string
	LogFormat          string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	waDSN         *string
	apiAddr       *string
	publicURL     *string
	forms         *string
	language      *string
	maxRetries    *int
	restart       *bool
	repromptAfter *time.Duration
	sessionIdle   *time.Duration
	rateLimit     *int
	trustProxy    *bool
	notify        *string
	notifyTo      *string
	logLevel      *string
	logFormat     *string

	// Twilio credentials are secrets and only come from the environment.
	twilioAccountSID string
	twilioAuthToken  string
	twilioFrom       string
}

// initializeLogger installs the default slog handler.
func initializeLogger(w io.Writer, level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q: want text or json", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:           os.Getenv("VOICEFORM_STATE_DIR"),
		DatabaseDSN:        os.Getenv("DATABASE_URL"),
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:            os.Getenv("API_ADDR"),
		PublicURL:          os.Getenv("PUBLIC_URL"),
		FormsPath:          os.Getenv("VOICEFORM_FORMS"),
		Language:           os.Getenv("VOICEFORM_LANGUAGE"),
		MaxRetries:         util.ParseIntEnv("VOICEFORM_MAX_RETRIES", dialogue.DefaultMaxRetries),
		RestartAfterSubmit: util.ParseBoolEnv("VOICEFORM_RESTART_AFTER_SUBMIT", true),
		RepromptAfter:      util.ParseDurationEnv("VOICEFORM_REPROMPT_AFTER", 0),
		SessionIdle:        util.ParseDurationEnv("VOICEFORM_SESSION_IDLE", api.DefaultSessionIdle),
		RateLimit:          util.ParseIntEnv("VOICEFORM_RATE_LIMIT", api.DefaultRateLimit),
		TrustProxy:         util.ParseBoolEnv("VOICEFORM_TRUST_PROXY", false),
		NotifyChannel:      os.Getenv("NOTIFY_CHANNEL"),
		NotifyTo:           os.Getenv("NOTIFY_TO"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:         os.Getenv("TWILIO_FROM_NUMBER"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = defaultAppDSN(config.StateDir)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogFormat == "" {
		config.LogFormat = "text"
	}
	return config
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses args into fs with environment defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use a numeric WhatsApp pairing code instead of a QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for VoiceForm data (overrides $VOICEFORM_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseDSN, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		waDSN:         fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:     fs.String("public-url", config.PublicURL, "externally visible base URL for Twilio callbacks (overrides $PUBLIC_URL)"),
		forms:         fs.String("forms", config.FormsPath, "YAML file with form definitions (overrides $VOICEFORM_FORMS)"),
		language:      fs.String("language", config.Language, "speech recognition language for phone calls (overrides $VOICEFORM_LANGUAGE)"),
		maxRetries:    fs.Int("max-retries", config.MaxRetries, "invalid answers before a field is skipped (overrides $VOICEFORM_MAX_RETRIES)"),
		restart:       fs.Bool("restart-after-submit", config.RestartAfterSubmit, "start a new form after a browser submission (overrides $VOICEFORM_RESTART_AFTER_SUBMIT)"),
		repromptAfter: fs.Duration("reprompt-after", config.RepromptAfter, "repeat the prompt after this much silence, 0 disables (overrides $VOICEFORM_REPROMPT_AFTER)"),
		sessionIdle:   fs.Duration("session-idle", config.SessionIdle, "drop sessions idle for this long, 0 disables (overrides $VOICEFORM_SESSION_IDLE)"),
		rateLimit:     fs.Int("rate-limit", config.RateLimit, "mutating requests per minute per client, 0 disables (overrides $VOICEFORM_RATE_LIMIT)"),
		trustProxy:    fs.Bool("trust-proxy", config.TrustProxy, "key rate limits by X-Forwarded-For, only behind a proxy that sets it (overrides $VOICEFORM_TRUST_PROXY)"),
		notify:        fs.String("notify", config.NotifyChannel, "submission notification channel: whatsapp, twilio, log or empty (overrides $NOTIFY_CHANNEL)"),
		notifyTo:      fs.String("notify-to", config.NotifyTo, "notification recipient (overrides $NOTIFY_TO)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		logFormat:     fs.String("log-format", config.LogFormat, "log format: text or json (overrides $LOG_FORMAT)"),

		twilioAccountSID: config.TwilioAccountSID,
		twilioAuthToken:  config.TwilioAuthToken,
		twilioFrom:       config.TwilioFrom,
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Default databases follow an overridden state directory.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == defaultAppDSN(config.StateDir) {
			*flags.dbDSN = defaultAppDSN(*flags.stateDir)
		}
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
	}
	return flags, nil
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based DSN.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(stripQuery(*flags.dbDSN), "file:")))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func stripQuery(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithMaxRetries(*flags.maxRetries),
		api.WithRestartAfterSubmit(*flags.restart),
		api.WithRepromptAfter(*flags.repromptAfter),
		api.WithSessionIdle(*flags.sessionIdle),
		api.WithRateLimit(*flags.rateLimit, api.DefaultRateWindow),
		api.WithTrustedProxy(*flags.trustProxy),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.publicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicURL(*flags.publicURL))
	}
	if *flags.forms != "" {
		apiOpts = append(apiOpts, api.WithFormsPath(*flags.forms))
	}
	if *flags.language != "" {
		apiOpts = append(apiOpts, api.WithSpeechLanguage(*flags.language))
	}
	if flags.twilioAccountSID != "" || flags.twilioAuthToken != "" {
		apiOpts = append(apiOpts, api.WithTwilioCredentials(flags.twilioAccountSID, flags.twilioAuthToken, flags.twilioFrom))
	}
	if *flags.notify != "" {
		apiOpts = append(apiOpts, api.WithNotify(*flags.notify, *flags.notifyTo))
	}
	return apiOpts
}
