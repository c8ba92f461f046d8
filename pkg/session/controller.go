// Package session runs the hands-free conversation loop.
//
// A Controller owns one audio session at a time: the microphone, the audio
// graph that meters and records it, and the detector that waits for the next
// utterance. Each utterance is turned into a spoken reply through the turn
// pipeline and played with detection suppressed, after which the controller
// listens again.
//
// Example usage:
//
//	ctrl, err := session.NewController(
//	    session.SourceMicrophone(audioCfg, logger),
//	    backend,
//	    speaker,
//	    session.DefaultConfig(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctrl.OnTranscript(func(t session.Transcript) {
//	    fmt.Printf("%s: %s\n", t.Role, t.Text)
//	})
//
//	if err := ctrl.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Stop()
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/backend"
	"github.com/teslashibe/go-voiceloop/pkg/capture"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
	"github.com/teslashibe/go-voiceloop/pkg/playback"
	"github.com/teslashibe/go-voiceloop/pkg/turn"
	"github.com/teslashibe/go-voiceloop/pkg/vad"
)

var (
	// ErrAcquisition wraps failures to open or keep the microphone.
	ErrAcquisition = errors.New("session: audio acquisition failed")

	// ErrActive is returned by Start while a session is running.
	ErrActive = errors.New("session: already started")

	// ErrStopped is returned by Start when Stop interrupted it.
	ErrStopped = errors.New("session: stopped")

	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session: closed")
)

// Conversation is the surface presentation layers consume.
type Conversation interface {
	// Start acquires the microphone, calibrates the noise floor and begins
	// listening. It blocks until listening or failure.
	Start(ctx context.Context) error

	// Stop cancels any pending request and releases every audio resource.
	// Safe to call repeatedly.
	Stop()

	// State returns the current state.
	State() State

	// Status returns a snapshot for dashboards.
	Status() Status

	// History returns the completed turns, oldest first.
	History() []turn.Turn

	// OnStateChange registers a callback for state transitions.
	OnStateChange(fn func(prev, next State))

	// OnTranscript registers a callback for user and assistant text.
	OnTranscript(fn func(Transcript))

	// OnError registers a callback for user-visible failures.
	OnError(fn func(err error))
}

// Transcript is one line of the conversation as it happens.
type Transcript struct {
	Role backend.Role `json:"role"`
	Text string       `json:"text"`
	At   time.Time    `json:"at"`
}

// Status is a point-in-time view of a Controller.
type Status struct {
	State      State             `json:"state"`
	SessionID  string            `json:"session_id,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	Noise      *vad.NoiseProfile `json:"noise,omitempty"`
	Turns      int               `json:"turns"`
	Failures   int               `json:"consecutive_failures"`
	Recovering bool              `json:"recovering"`
	LastError  string            `json:"last_error,omitempty"`
}

// audioSession holds the resources of one started session. Its fields are
// only assigned under Controller.mu while the session is current and only
// released by teardown.
type audioSession struct {
	id        string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	source     audioio.Source
	graph      *audioio.Graph
	recorder   *capture.Recorder
	disconnect func()
	monitor    *vad.Monitor
	profile    *vad.NoiseProfile
	turnCancel context.CancelFunc
}

// Controller is the conversation state machine.
type Controller struct {
	cfg        Config
	mic        Microphone
	gate       *playback.Gate
	pipeline   *turn.Pipeline
	calibrator *vad.Calibrator
	policy     RecoveryPolicy
	history    *turn.History
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	sess     *audioSession
	failures int
	lastErr  error
	recovery *time.Timer
	closed   bool

	stateFns      []func(prev, next State)
	transcriptFns []func(Transcript)
	errorFns      []func(error)
	speechFns     []func()

	pending     []func()
	dispatching bool
}

var _ Conversation = (*Controller)(nil)

// NewController creates an idle controller. mic is called on every Start;
// sink is used for every reply.
func NewController(mic Microphone, b backend.Backend, sink audioio.Sink, cfg Config, opts ...Option) (*Controller, error) {
	if mic == nil {
		return nil, errors.New("session: microphone is required")
	}
	if b == nil {
		return nil, errors.New("session: backend is required")
	}
	if sink == nil {
		return nil, errors.New("session: sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VAD.Logger == nil {
		cfg.VAD.Logger = logger
	}
	if cfg.Capture.Logger == nil {
		cfg.Capture.Logger = logger
	}
	if cfg.Turn.Logger == nil {
		cfg.Turn.Logger = logger
	}

	c := &Controller{
		cfg:        cfg,
		mic:        mic,
		gate:       playback.NewGate(sink, logger),
		pipeline:   turn.NewPipeline(b, cfg.Turn),
		calibrator: vad.NewCalibrator(cfg.VAD),
		policy:     NewRecoveryPolicy(cfg),
		history:    turn.NewHistory(),
		logger:     logger.With("component", "session.controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics.SetState(StateIdle.String(), stateNames())
	return c, nil
}

// Start acquires the microphone, calibrates and begins listening. Starting
// from the error state is allowed and re-acquires everything. Canceling ctx
// aborts only the start-up; the running session outlives it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sess != nil {
		c.mu.Unlock()
		return ErrActive
	}
	c.gen++
	gen := c.gen
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &audioSession{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		ctx:       sctx,
		cancel:    cancel,
	}
	c.sess = s
	c.failures = 0
	c.lastErr = nil
	c.setStateLocked(StateIdle)
	c.unlockAndDispatch()

	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	logger := c.logger.With("session", s.id)
	logger.Info("starting session")

	graph, err := c.acquire(sctx, gen)
	if err != nil {
		return c.abortStart(ctx, gen, err)
	}

	profile, err := c.calibrator.Calibrate(sctx, graph)
	if err != nil {
		return c.abortStart(ctx, gen, err)
	}

	c.mu.Lock()
	cur := c.currentLocked(gen)
	if cur == nil {
		c.mu.Unlock()
		return ErrStopped
	}
	cur.profile = &profile
	c.listenLocked(gen, cur)
	c.unlockAndDispatch()

	c.metrics.RecordSessionStart(true)
	c.metrics.SetNoiseBaseline(profile.Baseline)
	logger.Info("session listening", "baseline", profile.Baseline, "threshold", profile.Threshold)
	return nil
}

// acquire opens and starts the microphone and its graph.
func (c *Controller) acquire(ctx context.Context, gen uint64) (*audioio.Graph, error) {
	src, err := c.mic()
	if err != nil {
		return nil, err
	}

	graph := audioio.NewGraph(src, c.logger)
	rec := capture.NewRecorder(c.cfg.Capture, graph)

	c.mu.Lock()
	s := c.currentLocked(gen)
	if s != nil {
		s.source = src
		s.graph = graph
		s.recorder = rec
	}
	c.mu.Unlock()
	if s == nil {
		src.Close()
		return nil, ErrStopped
	}

	if err := src.Start(ctx); err != nil {
		return nil, err
	}
	disconnect := graph.Connect(rec.Append)
	graph.Start(ctx)

	c.mu.Lock()
	if s := c.currentLocked(gen); s != nil {
		s.disconnect = disconnect
	}
	c.mu.Unlock()
	return graph, nil
}

// abortStart resolves a failed start. Stop winning the race is not an
// error; a canceled ctx returns to idle; anything else is an acquisition
// failure.
func (c *Controller) abortStart(ctx context.Context, gen uint64, cause error) error {
	c.mu.Lock()
	if c.currentLocked(gen) == nil {
		c.mu.Unlock()
		return ErrStopped
	}
	s := c.detachLocked()

	if ctx.Err() != nil {
		c.setStateLocked(StateIdle)
		c.unlockAndDispatch()
		c.teardown(s)
		return ctx.Err()
	}

	err := fmt.Errorf("%w: %w", ErrAcquisition, cause)
	c.lastErr = err
	c.setStateLocked(StateError)
	c.emitErrorLocked(err)
	c.unlockAndDispatch()

	c.teardown(s)
	c.metrics.RecordSessionStart(false)
	c.logger.Error("session start failed", "session", s.id, "error", cause)
	return err
}

// Stop ends the session and releases every resource. A pending request is
// canceled and its turn discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	s := c.detachLocked()
	if s == nil && c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.lastErr = nil
	c.setStateLocked(StateIdle)
	c.unlockAndDispatch()

	c.teardown(s)
	if s != nil {
		c.logger.Info("session stopped", "session", s.id)
	}
}

// Close stops the session and releases the speaker. The controller cannot be
// started again.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop()
	return c.gate.Close()
}

// teardown is the only code path that releases an audio session.
func (c *Controller) teardown(s *audioSession) {
	if s == nil {
		return
	}
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.cancel()

	if s.monitor != nil {
		s.monitor.Stop()
	}
	if s.disconnect != nil {
		s.disconnect()
	}
	if s.recorder != nil {
		s.recorder.Discard()
	}
	c.gate.Interrupt()
	if s.graph != nil {
		s.graph.Close()
	}
	if s.source != nil {
		if err := s.source.Stop(); err != nil {
			c.logger.Warn("stopping microphone", "session", s.id, "error", err)
		}
		if err := s.source.Close(); err != nil {
			c.logger.Warn("closing microphone", "session", s.id, "error", err)
		}
	}
	c.logger.Debug("audio session released", "session", s.id)
}

// listenLocked arms a fresh detector and recorder for the next utterance.
func (c *Controller) listenLocked(gen uint64, s *audioSession) {
	s.turnCancel = nil
	rec := s.recorder
	rec.Restart()

	m := vad.NewMonitor(s.graph, *s.profile, c.cfg.VAD,
		vad.WithSpeechStart(func() { go c.speechStarted(gen) }),
		vad.WithSpeechEnd(func() {
			// The utterance ends here, not when the turn goroutine runs.
			rec.Seal()
			go c.speechEnded(gen)
		}),
		vad.WithSamplerError(func(err error) { go c.deviceLost(gen, err) }),
	)
	s.monitor = m
	if err := m.Start(s.ctx); err != nil {
		c.logger.Error("starting detector", "error", err)
	}
	c.setStateLocked(StateListening)
}

// listen resumes listening if gen is still the current session.
func (c *Controller) listen(gen uint64) {
	c.mu.Lock()
	if s := c.currentLocked(gen); s != nil {
		c.listenLocked(gen, s)
	}
	c.unlockAndDispatch()
}

func (c *Controller) speechStarted(gen uint64) {
	c.mu.Lock()
	if c.currentLocked(gen) != nil {
		fns := c.speechFns
		c.pending = append(c.pending, func() {
			for _, fn := range fns {
				fn()
			}
		})
	}
	c.unlockAndDispatch()
}

func (c *Controller) speechEnded(gen uint64) {
	c.mu.Lock()
	s := c.currentLocked(gen)
	if s == nil || c.state != StateListening {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.turnCancel = cancel
	s.monitor = nil
	c.setStateLocked(StateProcessing)
	c.unlockAndDispatch()

	c.runTurn(ctx, gen, s)
}

// runTurn captures the utterance, runs the pipeline and plays the reply.
func (c *Controller) runTurn(ctx context.Context, gen uint64, s *audioSession) {
	logger := c.logger.With("session", s.id)

	utt, err := s.recorder.Finish(ctx)
	if err != nil {
		c.turnFailed(ctx, gen, "capture", err)
		return
	}
	logger.Debug("utterance ready", "id", utt.ID, "duration", utt.Duration())

	res, err := c.pipeline.Run(ctx, utt, c.history, turn.Hooks{
		OnTranscript: func(text string) {
			c.emitTranscript(gen, backend.RoleUser, text)
		},
		OnStageDone: func(stage turn.Stage, took time.Duration) {
			c.metrics.RecordStage(string(stage), took)
		},
	})
	if err != nil {
		c.turnFailed(ctx, gen, string(turn.FailedStage(err)), err)
		return
	}
	if res.Empty {
		logger.Debug("empty transcript, listening again", "utterance", utt.ID)
		c.metrics.RecordTurn(metrics.OutcomeEmpty)
		c.listen(gen)
		return
	}

	c.mu.Lock()
	if c.currentLocked(gen) == nil {
		c.mu.Unlock()
		c.metrics.RecordTurn(metrics.OutcomeCanceled)
		return
	}
	c.emitTranscriptLocked(Transcript{Role: backend.RoleAssistant, Text: res.Turn.AssistantText, At: time.Now()})
	c.setStateLocked(StateSpeaking)
	c.unlockAndDispatch()

	started := time.Now()
	if err := c.gate.Play(ctx, res.Speech, func() { c.suppress(gen) }); err != nil {
		c.turnFailed(ctx, gen, "playback", err)
		return
	}

	c.mu.Lock()
	s = c.currentLocked(gen)
	if s == nil {
		c.mu.Unlock()
		c.metrics.RecordTurn(metrics.OutcomeCanceled)
		return
	}
	c.history.Append(res.Turn)
	c.metrics.RecordPlayback(time.Since(started))
	c.metrics.RecordTurn(metrics.OutcomeCompleted)
	c.failures = 0
	c.listenLocked(gen, s)
	c.unlockAndDispatch()

	logger.Info("turn completed", "turn", res.Turn.ID, "playback", time.Since(started))
}

// suppress stops detection and recording before the reply plays.
func (c *Controller) suppress(gen uint64) {
	c.mu.Lock()
	var m *vad.Monitor
	var rec *capture.Recorder
	if s := c.currentLocked(gen); s != nil {
		m = s.monitor
		s.monitor = nil
		rec = s.recorder
	}
	c.mu.Unlock()

	if m != nil {
		m.Stop()
	}
	if rec != nil {
		rec.Discard()
	}
}

// turnFailed classifies a turn error. Cancellation is silent; any other
// failure is reported and recovery is scheduled.
func (c *Controller) turnFailed(ctx context.Context, gen uint64, stage string, err error) {
	if ctx.Err() != nil || turn.IsCanceled(err) || errors.Is(err, playback.ErrInterrupted) {
		c.metrics.RecordTurn(metrics.OutcomeCanceled)
		c.logger.Debug("turn canceled", "stage", stage)
		c.listen(gen)
		return
	}

	c.metrics.RecordTurn(metrics.OutcomeFailed)
	c.metrics.RecordStageFailure(stage)

	c.mu.Lock()
	s := c.currentLocked(gen)
	if s == nil {
		c.mu.Unlock()
		return
	}
	s.turnCancel = nil
	c.failures++
	c.lastErr = err
	c.emitErrorLocked(err)
	c.logger.Warn("turn failed", "session", s.id, "stage", stage, "error", err, "failures", c.failures)

	if c.policy.Exhausted(c.failures) {
		s = c.detachLocked()
		c.lastErr = fmt.Errorf("session: %d consecutive failures: %w", c.failures, err)
		c.setStateLocked(StateError)
		c.unlockAndDispatch()
		c.metrics.RecordRecovery(metrics.RecoveryAbandoned)
		c.teardown(s)
		return
	}

	c.recovery = c.policy.Schedule(func() { c.recover(gen) })
	c.unlockAndDispatch()
}

// deviceLost handles the microphone disappearing mid-session.
func (c *Controller) deviceLost(gen uint64, cause error) {
	c.mu.Lock()
	if c.currentLocked(gen) == nil {
		c.mu.Unlock()
		return
	}
	s := c.detachLocked()
	err := fmt.Errorf("%w: %w", ErrAcquisition, cause)
	c.lastErr = err
	c.setStateLocked(StateError)
	c.emitErrorLocked(err)
	c.unlockAndDispatch()

	c.logger.Error("microphone lost", "session", s.id, "error", cause)
	c.teardown(s)
}

// currentLocked returns the session if gen is still current.
func (c *Controller) currentLocked(gen uint64) *audioSession {
	if c.gen != gen {
		return nil
	}
	return c.sess
}

// detachLocked invalidates every outstanding callback and hands the session
// to the caller for teardown.
func (c *Controller) detachLocked() *audioSession {
	c.gen++
	if c.recovery != nil {
		if c.recovery.Stop() {
			c.metrics.RecordRecovery(metrics.RecoveryAbandoned)
		}
		c.recovery = nil
	}
	s := c.sess
	c.sess = nil
	return s
}

func (c *Controller) setStateLocked(next State) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	c.metrics.SetState(next.String(), stateNames())
	c.logger.Debug("state changed", "from", prev, "to", next)

	fns := c.stateFns
	c.pending = append(c.pending, func() {
		for _, fn := range fns {
			fn(prev, next)
		}
	})
}

func (c *Controller) emitErrorLocked(err error) {
	fns := c.errorFns
	c.pending = append(c.pending, func() {
		for _, fn := range fns {
			fn(err)
		}
	})
}

func (c *Controller) emitTranscriptLocked(t Transcript) {
	fns := c.transcriptFns
	c.pending = append(c.pending, func() {
		for _, fn := range fns {
			fn(t)
		}
	})
}

func (c *Controller) emitTranscript(gen uint64, role backend.Role, text string) {
	c.mu.Lock()
	if c.currentLocked(gen) != nil {
		c.emitTranscriptLocked(Transcript{Role: role, Text: text, At: time.Now()})
	}
	c.unlockAndDispatch()
}

// unlockAndDispatch releases mu and runs queued callbacks in order. Only one
// goroutine dispatches at a time; callbacks may call back into the
// controller.
func (c *Controller) unlockAndDispatch() {
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.pending) > 0 {
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns the completed turns, oldest first.
func (c *Controller) History() []turn.Turn {
	return c.history.Turns()
}

// Status returns a snapshot for dashboards.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:      c.state,
		Turns:      c.history.Len(),
		Failures:   c.failures,
		Recovering: c.recovery != nil,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if s := c.sess; s != nil {
		st.SessionID = s.id
		started := s.startedAt
		st.StartedAt = &started
		if s.profile != nil {
			p := *s.profile
			st.Noise = &p
		}
	}
	return st
}

// OnStateChange registers a callback for state transitions.
func (c *Controller) OnStateChange(fn func(prev, next State)) {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
}

// OnTranscript registers a callback for user and assistant text.
func (c *Controller) OnTranscript(fn func(Transcript)) {
	c.mu.Lock()
	c.transcriptFns = append(c.transcriptFns, fn)
	c.mu.Unlock()
}

// OnError registers a callback for user-visible failures. Cancellation and
// empty transcripts are never reported.
func (c *Controller) OnError(fn func(err error)) {
	c.mu.Lock()
	c.errorFns = append(c.errorFns, fn)
	c.mu.Unlock()
}

// OnSpeechStart registers a callback fired when the detector hears speech.
func (c *Controller) OnSpeechStart(fn func()) {
	c.mu.Lock()
	c.speechFns = append(c.speechFns, fn)
	c.mu.Unlock()
}
