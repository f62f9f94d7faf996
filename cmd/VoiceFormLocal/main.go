// Command VoiceFormLocal fills a form in the terminal, either by typing answers
// (console mode) or by talking to the default audio device (microphone mode).
// Submissions are stored in the same database the server uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/forms"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/speech"
	"github.com/BTreeMap/VoiceForm/internal/store"
	"github.com/BTreeMap/VoiceForm/internal/submission"
	"github.com/BTreeMap/VoiceForm/internal/util"
	"github.com/joho/godotenv"
)

// Front-end modes.
const (
	ModeConsole    = "console"
	ModeMicrophone = "microphone"
)

// Config is the parsed command line.
type Config struct {
	Mode       string
	Form       string
	FormsPath  string
	DBDSN      string
	OpenAIKey  string
	OpenAIURL  string
	Language   string
	Voice      string
	MaxRetries int
	Restart    bool
	LogLevel   string
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", cfg.LogLevel)
		os.Exit(2)
	}
	// Logs go to stderr so they never interleave with the dialogue on stdout.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		slog.Error("VoiceFormLocal failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	fs.StringVar(&cfg.Mode, "mode", ModeConsole, "front end: console or microphone")
	fs.StringVar(&cfg.Form, "form", "", "form to fill (default: the first form defined)")
	fs.StringVar(&cfg.FormsPath, "forms", os.Getenv("VOICEFORM_FORMS"), "YAML file with form definitions (overrides $VOICEFORM_FORMS)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", os.Getenv("DATABASE_URL"), "database for submissions, in memory when empty (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key for microphone mode (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.OpenAIURL, "openai-base-url", os.Getenv("OPENAI_BASE_URL"), "OpenAI-compatible API base URL (overrides $OPENAI_BASE_URL)")
	fs.StringVar(&cfg.Language, "language", "en", "transcription language")
	fs.StringVar(&cfg.Voice, "voice", speech.DefaultVoice, "synthesis voice")
	fs.IntVar(&cfg.MaxRetries, "max-retries", util.ParseIntEnv("VOICEFORM_MAX_RETRIES", dialogue.DefaultMaxRetries), "invalid answers before a field is skipped")
	fs.BoolVar(&cfg.Restart, "restart", false, "start over after a successful submission")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "warn"), "log level (overrides $LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	switch cfg.Mode {
	case ModeConsole:
	case ModeMicrophone:
		if cfg.OpenAIKey == "" {
			return cfg, errors.New("microphone mode needs an OpenAI API key (-openai-api-key or $OPENAI_API_KEY)")
		}
	default:
		return cfg, fmt.Errorf("unknown mode %q: want %s or %s", cfg.Mode, ModeConsole, ModeMicrophone)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// frontEnd is the speech pair driving one dialogue plus its teardown.
type frontEnd struct {
	input  dialogue.SpeechInput
	output dialogue.SpeechOutput
	close  func(ctx context.Context)
}

func buildFrontEnd(cfg Config, stdin io.Reader, stdout io.Writer) (frontEnd, error) {
	if cfg.Mode == ModeConsole {
		return frontEnd{
			input:  speech.NewConsoleInput(stdin),
			output: speech.NewConsoleOutput(stdout),
			close:  func(context.Context) {},
		}, nil
	}

	device, err := speech.OpenAudioDevice()
	if err != nil {
		return frontEnd{}, fmt.Errorf("failed to open audio device: %w", err)
	}
	aiOpts := []speech.OpenAIOption{
		speech.WithAPIKey(cfg.OpenAIKey),
		speech.WithLanguage(cfg.Language),
		speech.WithVoice(cfg.Voice),
	}
	if cfg.OpenAIURL != "" {
		aiOpts = append(aiOpts, speech.WithBaseURL(cfg.OpenAIURL))
	}
	speaker := speech.NewSpeakerOutput(speech.NewOpenAISynthesizer(aiOpts...), device)
	// Echo prompts as text too, so the dialogue is readable.
	console := speech.NewConsoleOutput(stdout)
	return frontEnd{
		input:  speech.NewMicrophoneInput(device, speech.NewOpenAITranscriber(aiOpts...), speaker),
		output: teeOutput{console, speaker},
		close: func(ctx context.Context) {
			waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := speaker.Wait(waitCtx); err != nil {
				speaker.Stop()
			}
			if err := device.Close(); err != nil {
				slog.Warn("VoiceFormLocal: closing audio device failed", "error", err)
			}
		},
	}, nil
}

type teeOutput []dialogue.SpeechOutput

func (t teeOutput) Speak(ctx context.Context, text string) {
	for _, out := range t {
		out.Speak(ctx, text)
	}
}

func openStore(dsn string) (store.Backend, error) {
	if dsn == "" {
		return store.New()
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return store.New(store.WithPostgresDSN(dsn))
	}
	return store.New(store.WithSQLiteDSN(dsn))
}

func loadRegistry(path string) (*forms.Registry, error) {
	if path == "" {
		return forms.NewRegistry(), nil
	}
	f, err := forms.Load(path)
	if err != nil {
		return nil, err
	}
	return forms.NewRegistryFromFile(f), nil
}

// run drives one dialogue to completion. It returns when the dialogue is done,
// the user cancels it, or ctx ends.
func run(ctx context.Context, cfg Config, stdin io.Reader, stdout io.Writer) error {
	backend, err := openStore(cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	registry, err := loadRegistry(cfg.FormsPath)
	if err != nil {
		return fmt.Errorf("failed to load forms: %w", err)
	}
	name := cfg.Form
	if name == "" {
		name = registry.DefaultName()
	}
	def, err := registry.Get(name)
	if err != nil {
		return err
	}
	subs := submission.NewService(backend, registry)

	fe, err := buildFrontEnd(cfg, stdin, stdout)
	if err != nil {
		return err
	}
	defer fe.close(context.WithoutCancel(ctx))

	ended := make(chan models.StateType, 1)
	ctrl := dialogue.NewController(fe.input, fe.output,
		dialogue.WithMaxRetries(cfg.MaxRetries),
		dialogue.WithRestartAfterSubmit(cfg.Restart),
		dialogue.WithObserver(func(s dialogue.Snapshot) {
			if s.State.Kind.IsTerminal() {
				select {
				case ended <- s.State.Kind:
				default:
				}
			}
		}),
	)

	slog.Info("VoiceFormLocal: starting dialogue", "form", def.Name, "mode", cfg.Mode)
	if err := ctrl.Start(ctx, forms.ToFieldSpecs(def), subs.SubmitFunc(def.Name, models.SourceVoice)); err != nil {
		return fmt.Errorf("failed to start dialogue: %w", err)
	}

	select {
	case kind := <-ended:
		slog.Info("VoiceFormLocal: dialogue ended", "state", kind)
	case <-ctx.Done():
		ctrl.Cancel(context.WithoutCancel(ctx))
	}
	return nil
}
