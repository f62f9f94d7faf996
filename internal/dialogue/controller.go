package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/VoiceForm/internal/models"
)

// DefaultMaxRetries is the number of invalid answers after which a field is skipped.
const DefaultMaxRetries = 2

// maxStartFailures bounds consecutive synchronous StartListening failures.
const maxStartFailures = 3

// Opts holds controller settings.
type Opts struct {
	MaxRetries         int
	RestartAfterSubmit bool
	Timer              Timer
	RepromptAfter      time.Duration
	Observer           func(Snapshot)
	Logger             *slog.Logger
}

// Option configures a Controller.
type Option func(*Opts)

// WithMaxRetries sets how many invalid answers skip a field. Values below 1 are treated as 1.
func WithMaxRetries(n int) Option {
	return func(o *Opts) {
		if n < 1 {
			n = 1
		}
		o.MaxRetries = n
	}
}

// WithRestartAfterSubmit selects whether a successful submission starts a new
// form (true, the default) or ends the dialogue.
func WithRestartAfterSubmit(restart bool) Option {
	return func(o *Opts) { o.RestartAfterSubmit = restart }
}

// WithTimer sets the timer used for reprompts.
func WithTimer(t Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithRepromptAfter re-issues the current prompt when no result arrives within d.
// Zero disables reprompting.
func WithRepromptAfter(d time.Duration) Option {
	return func(o *Opts) { o.RepromptAfter = d }
}

// WithObserver registers a callback invoked with a snapshot after every transition.
// It runs outside the controller lock.
func WithObserver(fn func(Snapshot)) Option {
	return func(o *Opts) { o.Observer = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// Snapshot is a copy of the controller's observable state.
type Snapshot struct {
	State      State             `json:"state"`
	Retry      int               `json:"retry"`
	Fields     []string          `json:"fields"`
	Draft      map[string]string `json:"draft"`
	LastPrompt string            `json:"last_prompt"`
	Listening  bool              `json:"listening"`
}

type eventKind int

const (
	evStart eventKind = iota
	evRestore
	evTranscript
	evRecognitionError
	evSubmitResult
	evReprompt
	evCancel
)

type event struct {
	kind         eventKind
	text         string
	err          error
	ack          Ack
	attempt      uint64 // 0 when not tied to an attempt
	startFailure bool
	timerGen     uint64
	fields       []FieldSpec
	submit       SubmitFunc
	snapshot     *Snapshot
}

type effectKind int

const (
	effSpeak effectKind = iota
	effListen
	effStopListening
	effSubmit
	effArmTimer
	effCancelTimer
)

type effect struct {
	kind     effectKind
	text     string
	attempt  *Attempt
	draft    FormDraft
	submit   SubmitFunc
	timerID  string
	timerGen uint64
}

type queued struct {
	ctx context.Context
	ev  event
}

// Controller drives one voice dialogue. All inputs are serialized through a
// mailbox; capability calls happen outside the state lock so capabilities may
// deliver results synchronously.
type Controller struct {
	in     SpeechInput
	out    SpeechOutput
	opts   Opts
	logger *slog.Logger

	mu                  sync.Mutex
	fields              []FieldSpec
	submit              SubmitFunc
	state               State
	draft               FormDraft
	retry               int
	attempt             *Attempt
	nextAttempt         uint64
	lastPrompt          string
	unsupportedReported bool
	startFailures       int
	timerGen            uint64
	timerID             string

	queue    []queued
	draining bool
}

// NewController creates an idle controller bound to the given capabilities.
func NewController(in SpeechInput, out SpeechOutput, opts ...Option) *Controller {
	o := Opts{
		MaxRetries:         DefaultMaxRetries,
		RestartAfterSubmit: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RepromptAfter > 0 && o.Timer == nil {
		o.Timer = NewSimpleTimer()
	}
	return &Controller{
		in:     in,
		out:    out,
		opts:   o,
		logger: o.Logger,
		state:  State{Kind: models.StateIdle},
	}
}

// Start begins a dialogue over fields. It fails without side effects when the
// fields or submit function are unusable or a dialogue is already running.
func (c *Controller) Start(ctx context.Context, fields []FieldSpec, submit SubmitFunc) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	if submit == nil {
		return ErrNoSubmitter
	}
	c.mu.Lock()
	active := !c.state.Kind.IsTerminal()
	c.mu.Unlock()
	if active {
		return ErrSessionActive
	}
	c.dispatch(ctx, event{kind: evStart, fields: append([]FieldSpec(nil), fields...), submit: submit})
	return nil
}

// Restore resumes a dialogue from a snapshot and re-issues its current prompt.
// A snapshot taken while submitting resumes at the confirmation step.
func (c *Controller) Restore(ctx context.Context, fields []FieldSpec, submit SubmitFunc, snap Snapshot) error {
	if err := validateFields(fields); err != nil {
		return err
	}
	if submit == nil {
		return ErrNoSubmitter
	}
	switch snap.State.Kind {
	case models.StatePromptingField, models.StateListeningField:
		if snap.State.FieldIndex < 0 || snap.State.FieldIndex >= len(fields) {
			return fmt.Errorf("%w: field index %d out of range", ErrNothingToRestore, snap.State.FieldIndex)
		}
	case models.StateConfirmingSummary, models.StateSubmitting:
	default:
		return fmt.Errorf("%w: state %s", ErrNothingToRestore, snap.State.Kind)
	}
	c.mu.Lock()
	active := !c.state.Kind.IsTerminal()
	c.mu.Unlock()
	if active {
		return ErrSessionActive
	}
	c.dispatch(ctx, event{kind: evRestore, fields: append([]FieldSpec(nil), fields...), submit: submit, snapshot: &snap})
	return nil
}

// HandleTranscript delivers recognized text not tied to a specific attempt.
// It resolves the current attempt, if any.
func (c *Controller) HandleTranscript(ctx context.Context, text string) {
	c.dispatch(ctx, event{kind: evTranscript, text: text})
}

// HandleRecognitionError delivers a recognition failure not tied to a specific attempt.
func (c *Controller) HandleRecognitionError(ctx context.Context, err error) {
	if err == nil {
		err = ErrRecognition
	}
	c.dispatch(ctx, event{kind: evRecognitionError, err: err})
}

// OnSubmitResult delivers the outcome of a submission. It is ignored unless the
// controller is submitting.
func (c *Controller) OnSubmitResult(ctx context.Context, ack Ack, err error) {
	c.dispatch(ctx, event{kind: evSubmitResult, ack: ack, err: err})
}

// Cancel aborts listening, discards the draft and returns to Idle.
func (c *Controller) Cancel(ctx context.Context) {
	c.dispatch(ctx, event{kind: evCancel})
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Draft returns a copy of the current draft.
func (c *Controller) Draft() FormDraft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.Clone()
}

// Retry returns the retry counter for the current field.
func (c *Controller) Retry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

// Snapshot returns a copy of the observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		Retry:      c.retry,
		Fields:     c.draft.Names(),
		Draft:      c.draft.Map(),
		LastPrompt: c.lastPrompt,
		Listening:  c.attempt != nil,
	}
}

// dispatch enqueues ev and, unless another caller is already draining, processes
// the queue until it is empty.
func (c *Controller) dispatch(ctx context.Context, ev event) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.queue = append(c.queue, queued{ctx: ctx, ev: ev})
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		q := c.queue[0]
		c.queue = c.queue[1:]
		effects := c.apply(q.ev)
		c.mu.Unlock()

		for _, eff := range effects {
			c.run(q.ctx, eff)
		}

		c.mu.Lock()
		if len(effects) > 0 && c.opts.Observer != nil {
			snap := c.snapshotLocked()
			c.mu.Unlock()
			c.notify(snap)
			c.mu.Lock()
		}
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) notify(snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Controller.notify: observer panicked", "panic", r)
		}
	}()
	c.opts.Observer(snap)
}

// apply performs the state transition for ev and returns the side effects to run.
// Called with c.mu held.
func (c *Controller) apply(ev event) []effect {
	switch ev.kind {
	case evStart:
		return c.applyStart(ev)
	case evRestore:
		return c.applyRestore(ev)
	case evTranscript:
		return c.applyTranscript(ev)
	case evRecognitionError:
		return c.applyRecognitionError(ev)
	case evSubmitResult:
		return c.applySubmitResult(ev)
	case evReprompt:
		return c.applyReprompt(ev)
	case evCancel:
		return c.applyCancel()
	}
	return nil
}

func (c *Controller) applyStart(ev event) []effect {
	if !c.state.Kind.IsTerminal() {
		c.logger.Warn("Controller.Start: dialogue already active", "state", c.state.String())
		return nil
	}
	c.fields = ev.fields
	c.submit = ev.submit
	c.draft = draftFor(ev.fields)
	c.retry = 0
	c.startFailures = 0
	c.logger.Info("Controller.Start: dialogue started", "fields", len(ev.fields))
	return c.enterField(0, WelcomeNotice)
}

func (c *Controller) applyRestore(ev event) []effect {
	if !c.state.Kind.IsTerminal() {
		c.logger.Warn("Controller.Restore: dialogue already active", "state", c.state.String())
		return nil
	}
	snap := ev.snapshot
	c.fields = ev.fields
	c.submit = ev.submit
	c.draft = draftFor(ev.fields)
	for name, value := range snap.Draft {
		if err := c.draft.Set(name, value); err != nil {
			c.logger.Warn("Controller.Restore: dropping unknown field", "field", name)
		}
	}
	c.retry = snap.Retry
	if c.retry < 0 || c.retry >= c.opts.MaxRetries {
		c.retry = 0
	}
	c.startFailures = 0
	c.logger.Info("Controller.Restore: dialogue restored", "state", snap.State.String())

	if snap.State.HasField() {
		c.state = State{Kind: models.StatePromptingField, FieldIndex: snap.State.FieldIndex}
		return c.reissue("", FieldPrompt(c.fields[snap.State.FieldIndex]))
	}
	c.retry = 0
	c.state = State{Kind: models.StateConfirmingSummary}
	return c.reissue("", SummaryPrompt(c.fields, c.draft))
}

func (c *Controller) applyTranscript(ev event) []effect {
	if !c.state.acceptsSpeech() {
		c.logger.Debug("Controller.HandleTranscript: ignored", "state", c.state.String())
		return nil
	}
	effs, ok := c.claim(ev.attempt)
	if !ok {
		c.logger.Debug("Controller.HandleTranscript: stale attempt discarded", "attempt", ev.attempt)
		return nil
	}
	c.startFailures = 0

	text := Normalize(ev.text)
	cmd := keyword(text)
	if cmd == KeywordRepeat {
		return append(effs, c.reissue("", c.currentPrompt())...)
	}
	if c.state.Kind == models.StateConfirmingSummary {
		return append(effs, c.confirm(cmd)...)
	}
	return append(effs, c.answer(text)...)
}

func (c *Controller) answer(text string) []effect {
	i := c.state.FieldIndex
	f := c.fields[i]
	if NotEmpty(text) && f.Validator(text) {
		_ = c.draft.Set(f.Name, text)
		c.retry = 0
		c.logger.Debug("Controller.HandleTranscript: answer accepted", "field", f.Name)
		return c.advance(i, AckNotice(f, text))
	}

	c.retry++
	c.logger.Info("Controller.HandleTranscript: answer rejected", "error", &ValidationFailure{Field: f.Name, Retry: c.retry})
	if c.retry < c.opts.MaxRetries {
		c.state = State{Kind: models.StateListeningField, FieldIndex: i}
		return c.reissue("", RetryPrompt(f))
	}
	c.retry = 0
	c.logger.Info("Controller.HandleTranscript: field skipped", "field", f.Name)
	return c.advance(i, SkipNotice(f))
}

func (c *Controller) confirm(text string) []effect {
	switch text {
	case KeywordYes:
		c.state = State{Kind: models.StateSubmitting}
		effs := c.disarm()
		effs = append(effs, c.speak(SubmittingNotice))
		return append(effs, effect{kind: effSubmit, draft: c.draft.Clone(), submit: c.submit})
	case KeywordNo:
		c.draft.Clear()
		c.retry = 0
		c.logger.Info("Controller.HandleTranscript: submission declined")
		return c.enterField(0, CancelNotice)
	default:
		return c.reissue("", ConfirmPrompt)
	}
}

func (c *Controller) applyRecognitionError(ev event) []effect {
	if !c.state.acceptsSpeech() {
		c.logger.Debug("Controller.HandleRecognitionError: ignored", "state", c.state.String(), "error", ev.err)
		return nil
	}
	effs, ok := c.claim(ev.attempt)
	if !ok {
		c.logger.Debug("Controller.HandleRecognitionError: stale attempt discarded", "attempt", ev.attempt)
		return nil
	}

	if errors.Is(ev.err, ErrRecognitionUnsupported) {
		c.logger.Warn("Controller.HandleRecognitionError: recognition unsupported", "error", ev.err)
		notice := UnsupportedNotice
		if c.unsupportedReported {
			notice = ""
		}
		c.unsupportedReported = true
		return append(effs, c.finish(notice)...)
	}

	if ev.startFailure {
		c.startFailures++
		if c.startFailures >= maxStartFailures {
			c.logger.Error("Controller.HandleRecognitionError: speech input keeps failing", "error", ev.err, "failures", c.startFailures)
			return append(effs, c.finish(UnavailableNotice)...)
		}
	}
	c.logger.Info("Controller.HandleRecognitionError: recognition failed", "error", ev.err, "state", c.state.String())
	return append(effs, c.reissue(RecognitionNotice, c.shortPrompt())...)
}

func (c *Controller) applySubmitResult(ev event) []effect {
	if c.state.Kind != models.StateSubmitting {
		c.logger.Debug("Controller.OnSubmitResult: ignored", "state", c.state.String())
		return nil
	}
	if ev.err != nil {
		c.logger.Error("Controller.OnSubmitResult: submission failed", "error", &SubmissionFailure{Err: ev.err})
		return c.enterSummary(FailureNotice)
	}

	c.logger.Info("Controller.OnSubmitResult: submission accepted", "id", ev.ack.ID)
	c.draft.Clear()
	c.retry = 0
	if c.opts.RestartAfterSubmit {
		return c.enterField(0, SubmittedNotice(ev.ack))
	}
	return c.finish(SubmittedNotice(ev.ack))
}

func (c *Controller) applyReprompt(ev event) []effect {
	if ev.timerGen != c.timerGen || !c.state.acceptsSpeech() {
		c.logger.Debug("Controller.reprompt: stale timer ignored", "gen", ev.timerGen)
		return nil
	}
	c.logger.Debug("Controller.reprompt: no answer, prompting again", "state", c.state.String())
	return c.reissue("", c.currentPrompt())
}

func (c *Controller) applyCancel() []effect {
	if c.state.Kind == models.StateIdle {
		return nil
	}
	c.logger.Info("Controller.Cancel: dialogue cancelled", "state", c.state.String())
	effs := c.stopAttempt()
	effs = append(effs, c.disarm()...)
	c.draft.Clear()
	c.retry = 0
	c.state = State{Kind: models.StateIdle}
	return append(effs, c.speak(StoppedNotice))
}

func (c *Controller) advance(i int, notice string) []effect {
	if i+1 < len(c.fields) {
		return c.enterField(i+1, notice)
	}
	return c.enterSummary(notice)
}

func (c *Controller) enterField(i int, notice string) []effect {
	c.state = State{Kind: models.StatePromptingField, FieldIndex: i}
	return c.reissue(notice, FieldPrompt(c.fields[i]))
}

func (c *Controller) enterSummary(notice string) []effect {
	c.state = State{Kind: models.StateConfirmingSummary}
	return c.reissue(notice, SummaryPrompt(c.fields, c.draft))
}

func (c *Controller) finish(notice string) []effect {
	effs := c.stopAttempt()
	effs = append(effs, c.disarm()...)
	c.state = State{Kind: models.StateDone}
	if notice != "" {
		effs = append(effs, c.speak(notice))
	}
	return effs
}

// reissue speaks notice and prompt as one utterance and opens a new attempt.
func (c *Controller) reissue(notice, prompt string) []effect {
	effs := []effect{c.speak(join(notice, prompt))}
	return append(effs, c.listen()...)
}

func (c *Controller) currentPrompt() string {
	if c.state.Kind == models.StateConfirmingSummary {
		return SummaryPrompt(c.fields, c.draft)
	}
	return FieldPrompt(c.fields[c.state.FieldIndex])
}

func (c *Controller) shortPrompt() string {
	if c.state.Kind == models.StateConfirmingSummary {
		return ConfirmPrompt
	}
	return FieldPrompt(c.fields[c.state.FieldIndex])
}

func (c *Controller) speak(text string) effect {
	c.lastPrompt = text
	return effect{kind: effSpeak, text: text}
}

func (c *Controller) listen() []effect {
	effs := c.stopAttempt()
	c.nextAttempt++
	c.attempt = &Attempt{id: c.nextAttempt, c: c}
	effs = append(effs, effect{kind: effListen, attempt: c.attempt})
	effs = append(effs, c.disarm()...)
	if c.opts.RepromptAfter > 0 && c.opts.Timer != nil {
		effs = append(effs, effect{kind: effArmTimer, timerGen: c.timerGen})
	}
	return effs
}

// claim resolves the current attempt for an incoming result. Results from a
// non-current attempt are rejected; untagged results stop the current attempt.
func (c *Controller) claim(attemptID uint64) ([]effect, bool) {
	if attemptID != 0 {
		if c.attempt == nil || c.attempt.id != attemptID {
			return nil, false
		}
		c.attempt = nil
		return nil, true
	}
	return c.stopAttempt(), true
}

func (c *Controller) stopAttempt() []effect {
	if c.attempt == nil {
		return nil
	}
	a := c.attempt
	c.attempt = nil
	return []effect{{kind: effStopListening, attempt: a}}
}

// disarm invalidates any pending reprompt timer.
func (c *Controller) disarm() []effect {
	c.timerGen++
	if c.timerID == "" {
		return nil
	}
	id := c.timerID
	c.timerID = ""
	return []effect{{kind: effCancelTimer, timerID: id}}
}

// run executes one effect outside the lock.
func (c *Controller) run(ctx context.Context, eff effect) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Controller.run: capability panicked", "effect", eff.kind, "panic", r)
		}
	}()

	switch eff.kind {
	case effSpeak:
		c.out.Speak(ctx, eff.text)

	case effListen:
		if err := c.in.StartListening(ctx, eff.attempt); err != nil {
			c.dispatch(ctx, event{kind: evRecognitionError, err: err, attempt: eff.attempt.id, startFailure: true})
			return
		}
		c.mu.Lock()
		if c.attempt == eff.attempt && c.state.Kind == models.StatePromptingField {
			c.state.Kind = models.StateListeningField
		}
		c.mu.Unlock()

	case effStopListening:
		c.in.StopListening(eff.attempt)

	case effSubmit:
		ack, err := eff.submit(ctx, eff.draft)
		c.dispatch(ctx, event{kind: evSubmitResult, ack: ack, err: err})

	case effArmTimer:
		gen := eff.timerGen
		id, err := c.opts.Timer.ScheduleAfter(c.opts.RepromptAfter, func() {
			c.dispatch(context.Background(), event{kind: evReprompt, timerGen: gen})
		})
		if err != nil {
			c.logger.Warn("Controller.run: failed to arm reprompt timer", "error", err)
			return
		}
		c.mu.Lock()
		current := c.timerGen == gen
		if current {
			c.timerID = id
		}
		c.mu.Unlock()
		if !current {
			_ = c.opts.Timer.Cancel(id)
		}

	case effCancelTimer:
		_ = c.opts.Timer.Cancel(eff.timerID)
	}
}
