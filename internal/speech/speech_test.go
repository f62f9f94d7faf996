package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/dialogue"
	"github.com/BTreeMap/VoiceForm/internal/models"
	"github.com/BTreeMap/VoiceForm/internal/testutil"
	"github.com/BTreeMap/VoiceForm/internal/util"
)

func testFields() []dialogue.FieldSpec {
	return []dialogue.FieldSpec{
		{Name: "name", Kind: models.FieldKindText, Validator: dialogue.NotEmpty},
		{Name: "email", Kind: models.FieldKindEmail, Validator: dialogue.Email},
	}
}

type submissions struct {
	mu    sync.Mutex
	calls []map[string]string
}

func (s *submissions) submit(_ context.Context, d dialogue.FormDraft) (dialogue.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d.Map())
	return dialogue.Ack{ID: fmt.Sprintf("sub_%d", len(s.calls))}, nil
}

func (s *submissions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// syncBuffer is an io.Writer safe for concurrent use.
type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

func TestConsoleDialogue(t *testing.T) {
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	subs := &submissions{}

	c := dialogue.NewController(NewConsoleInput(pr), NewConsoleOutput(out))
	if err := c.Start(context.Background(), testFields(), subs.submit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, line := range []string{"Alice", "alice@example.com", "yes"} {
		if _, err := io.WriteString(pw, line+"\n"); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}
	waitFor(t, "submission", func() bool { return subs.count() == 1 })
	if got := subs.calls[0]["name"]; got != "alice" {
		t.Errorf("name = %q, want alice", got)
	}

	pw.Close()
	waitFor(t, "dialogue end", func() bool { return c.State().Kind == models.StateDone })

	transcript := out.String()
	for _, want := range []string{
		"voiceform> Welcome! Let's start. Please say your name.",
		"voiceform> Name recorded as alice. Please say your email.",
		dialogue.UnsupportedNotice,
	} {
		if !strings.Contains(transcript, want) {
			t.Errorf("output missing %q:\n%s", want, transcript)
		}
	}
}

func TestConsoleInputClosedRefusesAttempts(t *testing.T) {
	in := NewConsoleInput(strings.NewReader(""))
	c := dialogue.NewController(in, NewConsoleOutput(io.Discard))
	if err := c.Start(context.Background(), testFields(), (&submissions{}).submit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "dialogue end", func() bool { return c.State().Kind == models.StateDone })

	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()
	if !closed {
		t.Fatal("input should be closed after EOF")
	}
	if err := in.StartListening(context.Background(), &dialogue.Attempt{}); !errors.Is(err, dialogue.ErrRecognitionUnsupported) {
		t.Fatalf("StartListening after EOF = %v, want ErrRecognitionUnsupported", err)
	}
}

func TestEncodeWAV(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32767}
	wav := EncodeWAV(samples, 16000)

	if len(wav) != 44+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(samples)*2)
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad header: %q", wav[:44])
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate = %d", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != uint32(len(samples)*2) {
		t.Errorf("data size = %d", size)
	}

	decoded, err := DecodePCM16(wav[44:])
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, decoded[i], samples[i])
		}
	}
}

func TestDecodePCM16OddLength(t *testing.T) {
	if _, err := DecodePCM16([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd length")
	}
}

func TestUtteranceEndsOnTrailingSilence(t *testing.T) {
	opts := defaultDeviceOpts(WithSampleRate(1000), WithTrailingSilence(200*time.Millisecond))
	u := &utterance{opts: opts}

	loud := make([]int16, 100)
	for i := range loud {
		loud[i] = 4000
	}
	quiet := make([]int16, 100)

	for i := 0; i < 3; i++ {
		if done, err := u.add(quiet); done || err != nil {
			t.Fatalf("leading silence: done=%v err=%v", done, err)
		}
	}
	if done, _ := u.add(loud); done {
		t.Fatal("stopped during speech")
	}
	if done, _ := u.add(quiet); done {
		t.Fatal("stopped after 100ms of silence")
	}
	if done, err := u.add(quiet); !done || err != nil {
		t.Fatalf("expected stop after 200ms of silence, done=%v err=%v", done, err)
	}
	if len(u.samples) != 300 {
		t.Errorf("kept %d samples, want 300 (leading silence dropped)", len(u.samples))
	}
}

func TestUtteranceListenTimeout(t *testing.T) {
	opts := defaultDeviceOpts(WithSampleRate(1000), WithListenTimeout(300*time.Millisecond))
	u := &utterance{opts: opts}
	quiet := make([]int16, 100)

	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = u.add(quiet)
	}
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("err = %v, want ErrNoSpeech", err)
	}
}

func TestUtteranceMaxLength(t *testing.T) {
	opts := defaultDeviceOpts(WithSampleRate(1000), WithMaxUtterance(250*time.Millisecond))
	u := &utterance{opts: opts}
	loud := make([]int16, 100)
	for i := range loud {
		loud[i] = -4000
	}
	u.add(loud)
	u.add(loud)
	if done, _ := u.add(loud); !done {
		t.Fatal("expected stop at max utterance length")
	}
}

func fastRetry() util.RetryConfig {
	return util.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestOpenAITranscriberRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language = %q", got)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"message":"busy"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"  Alice  "}`))
	}))
	defer srv.Close()

	tr := NewOpenAITranscriber(WithAPIKey("test"), WithBaseURL(srv.URL+"/v1/"), WithRetryConfig(fastRetry()))
	text, err := tr.Transcribe(context.Background(), EncodeWAV([]int16{1, 2, 3}, 16000))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "Alice" {
		t.Errorf("text = %q, want Alice", text)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestOpenAITranscriberDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad audio"}}`))
	}))
	defer srv.Close()

	tr := NewOpenAITranscriber(WithAPIKey("test"), WithBaseURL(srv.URL+"/v1/"), WithRetryConfig(fastRetry()))
	if _, err := tr.Transcribe(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestOpenAISynthesizerDecodesPCM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		for _, want := range []string{`"response_format":"pcm"`, `"voice":"sage"`, `"input":"hello"`} {
			if !strings.Contains(string(body), want) {
				t.Errorf("request body %s missing %s", body, want)
			}
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write([]byte{0x01, 0x00, 0xff, 0xff})
	}))
	defer srv.Close()

	syn := NewOpenAISynthesizer(WithAPIKey("test"), WithBaseURL(srv.URL+"/v1/"), WithVoice("sage"), WithRetryConfig(fastRetry()))
	samples, err := syn.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(samples) != 2 || samples[0] != 1 || samples[1] != -1 {
		t.Errorf("samples = %v, want [1 -1]", samples)
	}
}

type recordResult struct {
	samples []int16
	err     error
}

// fakeRecorder returns scripted recordings, then blocks until cancelled.
type fakeRecorder struct {
	mu      sync.Mutex
	results []recordResult
}

func (r *fakeRecorder) SampleRate() int { return 16000 }

func (r *fakeRecorder) Record(ctx context.Context) ([]int16, error) {
	r.mu.Lock()
	if len(r.results) > 0 {
		res := r.results[0]
		r.results = r.results[1:]
		r.mu.Unlock()
		return res.samples, res.err
	}
	r.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeTranscriber struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	if len(wav) < 44 {
		return "", errors.New("not a wav")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return "", errors.New("no script")
	}
	text := f.texts[0]
	f.texts = f.texts[1:]
	return text, nil
}

func TestMicrophoneInputFillsForm(t *testing.T) {
	voice := []int16{1200, -1200}
	rec := &fakeRecorder{results: []recordResult{
		{samples: voice},
		{err: ErrNoSpeech},
		{samples: voice},
		{samples: voice},
	}}
	stt := &fakeTranscriber{texts: []string{"Bob", "bob@example.com", "yes"}}
	out := &testutil.RecordingOutput{}
	subs := &submissions{}

	c := dialogue.NewController(NewMicrophoneInput(rec, stt, nil), out, dialogue.WithRestartAfterSubmit(false))
	if err := c.Start(context.Background(), testFields(), subs.submit); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "submission", func() bool { return subs.count() == 1 })
	waitFor(t, "dialogue end", func() bool { return c.State().Kind == models.StateDone })
	if got := subs.calls[0]["email"]; got != "bob@example.com" {
		t.Errorf("email = %q", got)
	}
	if !out.Has("Sorry, I didn't catch that. Please say your email.") {
		t.Error("expected a recognition reprompt after the silent recording")
	}
}

func TestMicrophoneInputUnavailableDevice(t *testing.T) {
	rec := &fakeRecorder{results: []recordResult{{err: ErrAudioUnavailable}}}
	out := &testutil.RecordingOutput{}
	c := dialogue.NewController(NewMicrophoneInput(rec, &fakeTranscriber{}, nil), out)
	if err := c.Start(context.Background(), testFields(), (&submissions{}).submit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "dialogue end", func() bool { return c.State().Kind == models.StateDone })
	if !out.Has(dialogue.UnsupportedNotice) {
		t.Error("expected unsupported notice")
	}
}

func TestMicrophoneInputStopCancelsRecording(t *testing.T) {
	rec := &fakeRecorder{}
	c := dialogue.NewController(NewMicrophoneInput(rec, &fakeTranscriber{}, nil), &testutil.RecordingOutput{})
	if err := c.Start(context.Background(), testFields(), (&submissions{}).submit); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Cancel(context.Background())
	if got := c.State().Kind; got != models.StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, text string) ([]int16, error) {
	return make([]int16, len(text)), nil
}

// blockingPlayer plays until cancelled and records what it was given.
type blockingPlayer struct {
	mu          sync.Mutex
	started     []int
	interrupted int
	release     chan struct{}
}

func (p *blockingPlayer) Play(ctx context.Context, samples []int16, rate int) error {
	p.mu.Lock()
	p.started = append(p.started, len(samples))
	p.mu.Unlock()
	select {
	case <-ctx.Done():
		p.mu.Lock()
		p.interrupted++
		p.mu.Unlock()
		return ctx.Err()
	case <-p.release:
		return nil
	}
}

func TestSpeakerOutputPreemptsPlayback(t *testing.T) {
	player := &blockingPlayer{release: make(chan struct{})}
	s := NewSpeakerOutput(fakeSynth{}, player)

	s.Speak(context.Background(), "first utterance")
	waitFor(t, "first playback", func() bool {
		player.mu.Lock()
		defer player.mu.Unlock()
		return len(player.started) == 1
	})
	s.Speak(context.Background(), "second")
	waitFor(t, "second playback", func() bool {
		player.mu.Lock()
		defer player.mu.Unlock()
		return len(player.started) == 2
	})

	player.mu.Lock()
	interrupted, second := player.interrupted, player.started[1]
	player.mu.Unlock()
	if interrupted != 1 {
		t.Errorf("interrupted = %d, want 1", interrupted)
	}
	if second != len("second") {
		t.Errorf("second playback had %d samples", second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait while playing = %v, want deadline exceeded", err)
	}

	close(player.release)
	if err := s.Wait(context.Background()); err != nil {
		t.Errorf("Wait: %v", err)
	}
}
