package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/VoiceForm/internal/util"
)

// SynthesisSampleRate is the rate of raw PCM returned by the speech endpoint.
const SynthesisSampleRate = 24000

// DefaultVoice is the synthesis voice used when none is configured.
const DefaultVoice = "alloy"

// OpenAIOpts configures the OpenAI speech clients.
type OpenAIOpts struct {
	APIKey     string
	BaseURL    string
	Language   string
	Voice      string
	HTTPClient *http.Client
	Retry      util.RetryConfig
}

// OpenAIOption applies a setting to OpenAIOpts.
type OpenAIOption func(*OpenAIOpts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) OpenAIOption {
	return func(o *OpenAIOpts) { o.APIKey = key }
}

// WithBaseURL points the clients at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAIOpts) { o.BaseURL = url }
}

// WithLanguage sets the ISO-639-1 transcription language hint.
func WithLanguage(lang string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Language = lang }
}

// WithVoice selects the synthesis voice.
func WithVoice(voice string) OpenAIOption {
	return func(o *OpenAIOpts) { o.Voice = voice }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIOpts) { o.HTTPClient = c }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg util.RetryConfig) OpenAIOption {
	return func(o *OpenAIOpts) { o.Retry = cfg }
}

func newOpenAIClient(opts ...OpenAIOption) (openai.Client, OpenAIOpts) {
	cfg := OpenAIOpts{
		Language: "en",
		Voice:    DefaultVoice,
		Retry:    util.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Retries are driven by util.WithRetry so both clients share one policy.
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.HTTPClient))
	}
	return openai.NewClient(reqOpts...), cfg
}

// classify marks client errors as permanent so they are not retried.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && !util.IsRetryableHTTPStatus(apiErr.StatusCode) {
		return util.Permanent(err)
	}
	return err
}

// OpenAITranscriber transcribes recordings with the Whisper model.
type OpenAITranscriber struct {
	client openai.Client
	opts   OpenAIOpts
}

// NewOpenAITranscriber creates a transcriber. The API key falls back to OPENAI_API_KEY.
func NewOpenAITranscriber(opts ...OpenAIOption) *OpenAITranscriber {
	client, cfg := newOpenAIClient(opts...)
	return &OpenAITranscriber{client: client, opts: cfg}
}

// Transcribe sends wav to the transcription endpoint and returns the trimmed text.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var text string
	err := util.WithRetry(ctx, t.opts.Retry, func() error {
		params := openai.AudioTranscriptionNewParams{
			File:  openai.File(bytes.NewReader(wav), "speech.wav", "audio/wav"),
			Model: openai.AudioModelWhisper1,
		}
		if t.opts.Language != "" {
			params.Language = openai.String(t.opts.Language)
		}
		resp, err := t.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			slog.Warn("OpenAITranscriber.Transcribe: request failed", "error", err)
			return classify(err)
		}
		text = strings.TrimSpace(resp.Text)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transcribing audio: %w", err)
	}
	slog.Debug("OpenAITranscriber.Transcribe: transcribed", "bytes", len(wav), "chars", len(text))
	return text, nil
}

// OpenAISynthesizer renders prompts with the tts-1 model as raw PCM.
type OpenAISynthesizer struct {
	client openai.Client
	opts   OpenAIOpts
}

// NewOpenAISynthesizer creates a synthesizer. The API key falls back to OPENAI_API_KEY.
func NewOpenAISynthesizer(opts ...OpenAIOption) *OpenAISynthesizer {
	client, cfg := newOpenAIClient(opts...)
	return &OpenAISynthesizer{client: client, opts: cfg}
}

// Synthesize returns text as 16-bit mono samples at SynthesisSampleRate.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]int16, error) {
	var samples []int16
	err := util.WithRetry(ctx, s.opts.Retry, func() error {
		resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
			Input:          text,
			Model:          openai.SpeechModelTTS1,
			Voice:          openai.AudioSpeechNewParamsVoice(s.opts.Voice),
			ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
		})
		if err != nil {
			slog.Warn("OpenAISynthesizer.Synthesize: request failed", "error", err)
			return classify(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading speech: %w", err)
		}
		samples, err = DecodePCM16(raw)
		if err != nil {
			return util.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizing speech: %w", err)
	}
	return samples, nil
}
