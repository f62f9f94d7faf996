package dialogue

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/models"
)

type recordingOutput struct {
	mu     sync.Mutex
	spoken []string
}

func (o *recordingOutput) Speak(_ context.Context, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spoken = append(o.spoken, text)
}

func (o *recordingOutput) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.spoken...)
}

func (o *recordingOutput) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.spoken) == 0 {
		return ""
	}
	return o.spoken[len(o.spoken)-1]
}

type manualInput struct {
	mu       sync.Mutex
	started  []*Attempt
	stopped  []*Attempt
	startErr error
}

func (in *manualInput) StartListening(_ context.Context, a *Attempt) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.started = append(in.started, a)
	return in.startErr
}

func (in *manualInput) StopListening(a *Attempt) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopped = append(in.stopped, a)
}

func (in *manualInput) current(t *testing.T) *Attempt {
	t.Helper()
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.started) == 0 {
		t.Fatal("no listening attempt started")
	}
	return in.started[len(in.started)-1]
}

func (in *manualInput) say(t *testing.T, text string) {
	t.Helper()
	in.current(t).Transcript(context.Background(), text)
}

// scriptedInput answers every attempt synchronously from a script.
type scriptedInput struct {
	mu     sync.Mutex
	script []string
}

func (in *scriptedInput) StartListening(ctx context.Context, a *Attempt) error {
	in.mu.Lock()
	if len(in.script) == 0 {
		in.mu.Unlock()
		return nil
	}
	next := in.script[0]
	in.script = in.script[1:]
	in.mu.Unlock()
	a.Transcript(ctx, next)
	return nil
}

func (in *scriptedInput) StopListening(*Attempt) {}

type recordingSubmitter struct {
	mu     sync.Mutex
	drafts []map[string]string
	err    error
}

func (s *recordingSubmitter) submit(_ context.Context, d FormDraft) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drafts = append(s.drafts, d.Map())
	if s.err != nil {
		return Ack{}, s.err
	}
	return Ack{ID: "sub-1", Message: "Form submitted successfully"}, nil
}

func (s *recordingSubmitter) calls() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.drafts...)
}

func contactFields() []FieldSpec {
	return []FieldSpec{
		{Name: "name", Kind: models.FieldKindText, Validator: FreeText},
		{Name: "email", Kind: models.FieldKindEmail, Validator: Email},
		{Name: "message", Kind: models.FieldKindText, Validator: FreeText},
	}
}

func newTestController(t *testing.T, opts ...Option) (*Controller, *manualInput, *recordingOutput, *recordingSubmitter) {
	t.Helper()
	in := &manualInput{}
	out := &recordingOutput{}
	sub := &recordingSubmitter{}
	c := NewController(in, out, opts...)
	if err := c.Start(context.Background(), contactFields(), sub.submit); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c, in, out, sub
}

func assertState(t *testing.T, c *Controller, kind models.StateType, field int) {
	t.Helper()
	got := c.State()
	if got.Kind != kind {
		t.Fatalf("state = %s, want %s", got, kind)
	}
	if got.HasField() && got.FieldIndex != field {
		t.Fatalf("state = %s, want field %d", got, field)
	}
}

func TestStartPromptsFirstField(t *testing.T) {
	c, in, out, _ := newTestController(t)

	assertState(t, c, models.StateListeningField, 0)
	if got, want := out.last(), "Welcome! Let's start. Please say your name."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}
	if len(in.started) != 1 {
		t.Errorf("expected one listening attempt, got %d", len(in.started))
	}
	if !c.Draft().IsEmpty() {
		t.Error("draft should start empty")
	}
}

func TestStartRejectsInvalidInput(t *testing.T) {
	sub := &recordingSubmitter{}
	tests := []struct {
		name   string
		fields []FieldSpec
		submit SubmitFunc
		want   error
	}{
		{"no fields", nil, sub.submit, ErrNoFields},
		{"nil validator", []FieldSpec{{Name: "name"}}, sub.submit, ErrInvalidField},
		{"empty name", []FieldSpec{{Validator: FreeText}}, sub.submit, ErrInvalidField},
		{"duplicate", []FieldSpec{{Name: "a", Validator: FreeText}, {Name: "a", Validator: FreeText}}, sub.submit, ErrInvalidField},
		{"nil submit", contactFields(), nil, ErrNoSubmitter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &recordingOutput{}
			c := NewController(&manualInput{}, out)
			err := c.Start(context.Background(), tt.fields, tt.submit)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() = %v, want %v", err, tt.want)
			}
			assertState(t, c, models.StateIdle, 0)
			if len(out.all()) != 0 {
				t.Error("nothing should be spoken on a rejected start")
			}
		})
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	c, _, _, sub := newTestController(t)
	if err := c.Start(context.Background(), contactFields(), sub.submit); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Start() = %v, want ErrSessionActive", err)
	}
}

func TestHappyPathSubmitsAndRestarts(t *testing.T) {
	c, in, out, sub := newTestController(t)

	in.say(t, "Alice")
	assertState(t, c, models.StateListeningField, 1)
	if got, want := out.last(), "Name recorded as alice. Please say your email."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}
	in.say(t, "alice@example.com")
	in.say(t, "hello")
	assertState(t, c, models.StateConfirmingSummary, 0)
	if !strings.Contains(out.last(), "You said: Name: alice, Email: alice@example.com, Message: hello. Say yes to submit or no to cancel.") {
		t.Errorf("summary = %q", out.last())
	}

	in.say(t, "yes")

	calls := sub.calls()
	if len(calls) != 1 {
		t.Fatalf("submit called %d times, want 1", len(calls))
	}
	want := map[string]string{"name": "alice", "email": "alice@example.com", "message": "hello"}
	for k, v := range want {
		if calls[0][k] != v {
			t.Errorf("submitted %s = %q, want %q", k, calls[0][k], v)
		}
	}
	assertState(t, c, models.StateListeningField, 0)
	if !c.Draft().IsEmpty() {
		t.Error("draft should be cleared after success")
	}
	if got, want := out.last(), "Form submitted successfully. Please say your name."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}
	spoken := out.all()
	if spoken[len(spoken)-2] != SubmittingNotice {
		t.Errorf("expected submitting notice before result, got %q", spoken[len(spoken)-2])
	}
}

func TestRestartAfterSubmitDisabledEndsDialogue(t *testing.T) {
	c, in, _, _ := newTestController(t, WithRestartAfterSubmit(false))
	for _, s := range []string{"alice", "alice@example.com", "hello", "yes"} {
		in.say(t, s)
	}
	assertState(t, c, models.StateDone, 0)
	if c.Snapshot().Listening {
		t.Error("no attempt should be open after Done")
	}
}

func TestInvalidAnswersRetryThenSkip(t *testing.T) {
	c, in, out, _ := newTestController(t)
	in.say(t, "alice")

	in.say(t, "not an email")
	assertState(t, c, models.StateListeningField, 1)
	if c.Retry() != 1 {
		t.Fatalf("retry = %d, want 1", c.Retry())
	}
	if got, want := out.last(), "I didn't catch that. Please repeat your email."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}

	in.say(t, "still wrong")
	assertState(t, c, models.StateListeningField, 2)
	if c.Retry() != 0 {
		t.Errorf("retry = %d, want 0 after skip", c.Retry())
	}
	if got, want := out.last(), "Skipping email due to errors. Please say your message."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}

	in.say(t, "hello")
	assertState(t, c, models.StateConfirmingSummary, 0)
	if !strings.Contains(out.last(), "Email: nothing") {
		t.Errorf("summary should mark skipped field as empty: %q", out.last())
	}
	if c.Draft().Get("email") != "" {
		t.Error("skipped field must stay empty")
	}
}

func TestValidAnswerResetsRetry(t *testing.T) {
	c, in, _, _ := newTestController(t, WithMaxRetries(3))
	in.say(t, "alice")
	in.say(t, "nope")
	in.say(t, "nope again")
	if c.Retry() != 2 {
		t.Fatalf("retry = %d, want 2", c.Retry())
	}
	in.say(t, "alice@example.com")
	if c.Retry() != 0 {
		t.Errorf("retry = %d, want 0 after valid answer", c.Retry())
	}
	if c.Draft().Get("email") != "alice@example.com" {
		t.Errorf("email = %q", c.Draft().Get("email"))
	}
}

func TestRepeatReissuesCurrentPrompt(t *testing.T) {
	c, in, out, _ := newTestController(t)
	in.say(t, "alice")
	in.say(t, "bad")
	before := c.Retry()
	draft := c.Draft().Map()

	in.say(t, "  Repeat ")
	assertState(t, c, models.StateListeningField, 1)
	if got := out.last(); got != "Please say your email." {
		t.Errorf("utterance = %q", got)
	}
	if c.Retry() != before {
		t.Errorf("repeat changed retry from %d to %d", before, c.Retry())
	}
	if got := c.Draft().Map(); !reflect.DeepEqual(got, draft) {
		t.Errorf("repeat changed draft from %v to %v", draft, got)
	}

	in.say(t, "alice@example.com")
	in.say(t, "hi")
	summary := out.last()
	draft = c.Draft().Map()
	in.say(t, "Repeat?")
	if out.last() != summary {
		t.Errorf("repeat at confirmation = %q, want %q", out.last(), summary)
	}
	assertState(t, c, models.StateConfirmingSummary, 0)
	if got := c.Draft().Map(); !reflect.DeepEqual(got, draft) {
		t.Errorf("repeat at confirmation changed draft from %v to %v", draft, got)
	}
}

func TestAnswersAreStoredVerbatim(t *testing.T) {
	c, in, _, sub := newTestController(t)
	in.say(t, "  What? ")
	if got := c.Draft().Get("name"); got != "what?" {
		t.Errorf("name = %q, want %q", got, "what?")
	}
	in.say(t, "alice@example.com")
	in.say(t, "...")
	if c.Retry() != 0 {
		t.Errorf("punctuation-only free text counted as invalid, retry = %d", c.Retry())
	}
	assertState(t, c, models.StateConfirmingSummary, 0)
	if got := c.Draft().Get("message"); got != "..." {
		t.Errorf("message = %q, want %q", got, "...")
	}

	in.say(t, "Yes.")
	calls := sub.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one submission, got %d", len(calls))
	}
	want := map[string]string{"name": "what?", "email": "alice@example.com", "message": "..."}
	if !reflect.DeepEqual(calls[0], want) {
		t.Errorf("submitted %v, want %v", calls[0], want)
	}
}

func TestDeclineClearsDraftAndRestarts(t *testing.T) {
	c, in, out, sub := newTestController(t)
	for _, s := range []string{"alice", "alice@example.com", "hello", "No"} {
		in.say(t, s)
	}
	assertState(t, c, models.StateListeningField, 0)
	if !c.Draft().IsEmpty() {
		t.Error("draft should be cleared after decline")
	}
	if got, want := out.last(), "Form submission cancelled. Restarting. Please say your name."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}
	if len(sub.calls()) != 0 {
		t.Error("submit must not be called")
	}
}

func TestUnclearConfirmationAsksAgain(t *testing.T) {
	c, in, out, _ := newTestController(t)
	for _, s := range []string{"alice", "alice@example.com", "hello", "maybe"} {
		in.say(t, s)
	}
	assertState(t, c, models.StateConfirmingSummary, 0)
	if out.last() != ConfirmPrompt {
		t.Errorf("utterance = %q, want %q", out.last(), ConfirmPrompt)
	}
	if c.Draft().Get("name") != "alice" {
		t.Error("draft should be kept")
	}
}

func TestSubmitFailureRetainsDraft(t *testing.T) {
	c, in, out, sub := newTestController(t)
	sub.err = errors.New("server error")
	for _, s := range []string{"alice", "alice@example.com", "hello", "yes"} {
		in.say(t, s)
	}

	assertState(t, c, models.StateConfirmingSummary, 0)
	if !strings.HasPrefix(out.last(), FailureNotice+" You said:") {
		t.Errorf("utterance = %q", out.last())
	}
	if c.Draft().Get("message") != "hello" {
		t.Error("draft should survive a failed submission")
	}

	sub.err = nil
	in.say(t, "yes")
	if n := len(sub.calls()); n != 2 {
		t.Fatalf("submit called %d times, want 2", n)
	}
	assertState(t, c, models.StateListeningField, 0)
}

func TestTranscriptsDuringSubmitAreIgnored(t *testing.T) {
	in := &manualInput{}
	out := &recordingOutput{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var submitted map[string]string
	submit := func(_ context.Context, d FormDraft) (Ack, error) {
		submitted = d.Map()
		close(entered)
		<-release
		return Ack{ID: "1"}, nil
	}
	c := NewController(in, out)
	if err := c.Start(context.Background(), contactFields(), submit); err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"alice", "alice@example.com", "hello"} {
		in.say(t, s)
	}

	confirm := in.current(t)
	done := make(chan struct{})
	go func() {
		confirm.Transcript(context.Background(), "yes")
		close(done)
	}()
	<-entered
	assertState(t, c, models.StateSubmitting, 0)
	c.HandleTranscript(context.Background(), "no")
	c.HandleTranscript(context.Background(), "bob")
	close(release)
	<-done

	assertState(t, c, models.StateListeningField, 0)
	if submitted["name"] != "alice" {
		t.Errorf("submitted = %v", submitted)
	}
	for _, s := range out.all() {
		if strings.Contains(s, "cancelled") {
			t.Errorf("transcript during submission was acted on: %q", s)
		}
	}
	if c.Draft().Get("name") != "" {
		t.Error("late transcript must not be recorded")
	}
}

func TestOnSubmitResultIgnoredOutsideSubmitting(t *testing.T) {
	c, _, out, _ := newTestController(t)
	n := len(out.all())
	c.OnSubmitResult(context.Background(), Ack{ID: "x"}, nil)
	c.OnSubmitResult(context.Background(), Ack{}, errors.New("boom"))
	assertState(t, c, models.StateListeningField, 0)
	if len(out.all()) != n {
		t.Error("ignored results must not speak")
	}
}

func TestStaleAttemptResultsAreDiscarded(t *testing.T) {
	c, in, _, _ := newTestController(t)
	first := in.current(t)
	in.say(t, "repeat")
	second := in.current(t)
	if first == second {
		t.Fatal("repeat should open a new attempt")
	}

	first.Transcript(context.Background(), "mallory")
	assertState(t, c, models.StateListeningField, 0)
	if c.Draft().Get("name") != "" {
		t.Fatal("stale transcript was recorded")
	}

	second.Transcript(context.Background(), "alice")
	second.Transcript(context.Background(), "again")
	assertState(t, c, models.StateListeningField, 1)
	if c.Draft().Get("name") != "alice" {
		t.Errorf("name = %q", c.Draft().Get("name"))
	}
	if c.Retry() != 0 {
		t.Error("a second result from a resolved attempt must be discarded")
	}
}

func TestUntaggedTranscriptStopsOpenAttempt(t *testing.T) {
	c, in, _, _ := newTestController(t)
	open := in.current(t)
	c.HandleTranscript(context.Background(), "alice")
	assertState(t, c, models.StateListeningField, 1)
	found := false
	for _, a := range in.stopped {
		if a == open {
			found = true
		}
	}
	if !found {
		t.Error("open attempt should be stopped when an untagged transcript arrives")
	}
}

func TestRecognitionErrorRepromptsWithoutRetry(t *testing.T) {
	c, in, out, _ := newTestController(t)
	in.say(t, "alice")
	in.say(t, "bad")

	in.current(t).Fail(context.Background(), errors.New("no-speech"))
	assertState(t, c, models.StateListeningField, 1)
	if c.Retry() != 1 {
		t.Errorf("retry = %d, want 1", c.Retry())
	}
	if got, want := out.last(), RecognitionNotice+" Please say your email."; got != want {
		t.Errorf("utterance = %q, want %q", got, want)
	}
}

func TestUnsupportedRecognitionEndsOnce(t *testing.T) {
	c, in, out, _ := newTestController(t)
	in.current(t).Fail(context.Background(), ErrRecognitionUnsupported)
	assertState(t, c, models.StateDone, 0)
	if out.last() != UnsupportedNotice {
		t.Errorf("utterance = %q", out.last())
	}
	n := len(out.all())
	c.HandleRecognitionError(context.Background(), ErrRecognitionUnsupported)
	c.HandleTranscript(context.Background(), "alice")
	if len(out.all()) != n {
		t.Error("nothing should be spoken after Done")
	}
}

func TestStartListeningFailuresAreBounded(t *testing.T) {
	in := &manualInput{startErr: errors.New("device busy")}
	out := &recordingOutput{}
	sub := &recordingSubmitter{}
	c := NewController(in, out)
	if err := c.Start(context.Background(), contactFields(), sub.submit); err != nil {
		t.Fatal(err)
	}
	assertState(t, c, models.StateDone, 0)
	if len(in.started) != maxStartFailures {
		t.Errorf("StartListening called %d times, want %d", len(in.started), maxStartFailures)
	}
	if out.last() != UnavailableNotice {
		t.Errorf("utterance = %q", out.last())
	}
}

func TestStartListeningUnsupportedEndsDialogue(t *testing.T) {
	in := &manualInput{startErr: ErrRecognitionUnsupported}
	c := NewController(in, &recordingOutput{})
	if err := c.Start(context.Background(), contactFields(), (&recordingSubmitter{}).submit); err != nil {
		t.Fatal(err)
	}
	assertState(t, c, models.StateDone, 0)
}

func TestSynchronousDeliveryCompletesDialogue(t *testing.T) {
	in := &scriptedInput{script: []string{"alice", "alice@example.com", "hello", "yes"}}
	out := &recordingOutput{}
	sub := &recordingSubmitter{}
	c := NewController(in, out, WithRestartAfterSubmit(false))

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), contactFields(), sub.submit) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("controller deadlocked on synchronous delivery")
	}
	assertState(t, c, models.StateDone, 0)
	if len(sub.calls()) != 1 {
		t.Errorf("submit called %d times", len(sub.calls()))
	}
}

func TestOneUtterancePerTransition(t *testing.T) {
	c, in, out, _ := newTestController(t)
	steps := []string{"alice", "bad", "worse", "hello", "maybe", "no"}
	for _, s := range steps {
		before := len(out.all())
		in.say(t, s)
		if got := len(out.all()) - before; got != 1 {
			t.Errorf("after %q: %d utterances, want 1", s, got)
		}
	}
	assertState(t, c, models.StateListeningField, 0)
}

func TestCancelReturnsToIdle(t *testing.T) {
	c, in, out, _ := newTestController(t)
	in.say(t, "alice")
	open := in.current(t)

	c.Cancel(context.Background())
	assertState(t, c, models.StateIdle, 0)
	if !c.Draft().IsEmpty() || c.Retry() != 0 {
		t.Error("cancel should clear draft and retry")
	}
	if out.last() != StoppedNotice {
		t.Errorf("utterance = %q", out.last())
	}
	if in.stopped[len(in.stopped)-1] != open {
		t.Error("cancel should stop the open attempt")
	}

	open.Transcript(context.Background(), "bob")
	assertState(t, c, models.StateIdle, 0)
}

func TestRestoreFromSubmittingResumesConfirmation(t *testing.T) {
	in := &manualInput{}
	out := &recordingOutput{}
	sub := &recordingSubmitter{}
	c := NewController(in, out)
	snap := Snapshot{
		State: State{Kind: models.StateSubmitting},
		Draft: map[string]string{"name": "alice", "email": "alice@example.com", "message": "hello", "bogus": "x"},
	}
	if err := c.Restore(context.Background(), contactFields(), sub.submit, snap); err != nil {
		t.Fatal(err)
	}
	assertState(t, c, models.StateConfirmingSummary, 0)
	if !strings.HasPrefix(out.last(), "You said: Name: alice") {
		t.Errorf("utterance = %q", out.last())
	}
	in.say(t, "yes")
	if len(sub.calls()) != 1 {
		t.Fatal("restored session should submit")
	}
}

func TestRestoreFieldState(t *testing.T) {
	in := &manualInput{}
	out := &recordingOutput{}
	c := NewController(in, out)
	snap := Snapshot{
		State: State{Kind: models.StateListeningField, FieldIndex: 1},
		Retry: 1,
		Draft: map[string]string{"name": "alice"},
	}
	if err := c.Restore(context.Background(), contactFields(), (&recordingSubmitter{}).submit, snap); err != nil {
		t.Fatal(err)
	}
	assertState(t, c, models.StateListeningField, 1)
	if c.Retry() != 1 || c.Draft().Get("name") != "alice" {
		t.Errorf("restored retry=%d draft=%v", c.Retry(), c.Draft().Map())
	}
	if out.last() != "Please say your email." {
		t.Errorf("utterance = %q", out.last())
	}
}

func TestRestoreRejectsFinishedSnapshots(t *testing.T) {
	c := NewController(&manualInput{}, &recordingOutput{})
	sub := (&recordingSubmitter{}).submit
	for _, snap := range []Snapshot{
		{State: State{Kind: models.StateDone}},
		{State: State{Kind: models.StateIdle}},
		{State: State{Kind: models.StateListeningField, FieldIndex: 9}},
	} {
		if err := c.Restore(context.Background(), contactFields(), sub, snap); !errors.Is(err, ErrNothingToRestore) {
			t.Errorf("Restore(%s) = %v, want ErrNothingToRestore", snap.State, err)
		}
	}
}

type fakeTimer struct {
	mu        sync.Mutex
	fns       []func()
	cancelled map[string]bool
}

func (f *fakeTimer) ScheduleAfter(_ time.Duration, fn func()) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fns = append(f.fns, fn)
	return string(rune('a' + len(f.fns) - 1)), nil
}

func (f *fakeTimer) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled == nil {
		f.cancelled = map[string]bool{}
	}
	f.cancelled[id] = true
	return nil
}

func (f *fakeTimer) Stop() {}

// fire runs the i-th scheduled callback even if it was cancelled, as a timer that
// raced its cancellation would.
func (f *fakeTimer) fire(i int) {
	f.mu.Lock()
	fn := f.fns[i]
	f.mu.Unlock()
	fn()
}

func (f *fakeTimer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func TestRepromptTimerReissuesPrompt(t *testing.T) {
	timer := &fakeTimer{}
	c, in, out, _ := newTestController(t, WithTimer(timer), WithRepromptAfter(10*time.Second))
	if timer.count() != 1 {
		t.Fatalf("expected one armed timer, got %d", timer.count())
	}
	first := in.current(t)

	timer.fire(0)
	assertState(t, c, models.StateListeningField, 0)
	if out.last() != "Please say your name." {
		t.Errorf("utterance = %q", out.last())
	}
	if in.current(t) == first {
		t.Error("reprompt should open a new attempt")
	}
	if timer.count() != 2 {
		t.Errorf("reprompt should re-arm the timer, got %d timers", timer.count())
	}
	if !timer.cancelled["a"] {
		t.Error("superseded timer should be cancelled")
	}
}

func TestStaleRepromptTimerIsIgnored(t *testing.T) {
	timer := &fakeTimer{}
	c, in, out, _ := newTestController(t, WithTimer(timer), WithRepromptAfter(time.Second))
	in.say(t, "alice")
	n := len(out.all())

	timer.fire(0)
	assertState(t, c, models.StateListeningField, 1)
	if len(out.all()) != n {
		t.Error("stale timer must not speak")
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	observer := func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.State)
	}
	_, in, _, _ := newTestController(t, WithObserver(observer))
	in.say(t, "alice")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("observer called %d times, want 2", len(seen))
	}
	if seen[1].Kind != models.StateListeningField || seen[1].FieldIndex != 1 {
		t.Errorf("last observed state = %s", seen[1])
	}
}

type panickingOutput struct{}

func (panickingOutput) Speak(context.Context, string) { panic("speaker exploded") }

func TestCapabilityPanicDoesNotWedgeController(t *testing.T) {
	in := &manualInput{}
	c := NewController(in, panickingOutput{})
	if err := c.Start(context.Background(), contactFields(), (&recordingSubmitter{}).submit); err != nil {
		t.Fatal(err)
	}
	in.say(t, "alice")
	assertState(t, c, models.StateListeningField, 1)
}
