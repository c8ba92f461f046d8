package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/backend"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
	"github.com/teslashibe/go-voiceloop/pkg/playback"
	"github.com/teslashibe/go-voiceloop/pkg/turn"
)

const waitFor = 3 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VAD.CalibrationWindow = 100 * time.Millisecond
	cfg.VAD.SampleInterval = 5 * time.Millisecond
	cfg.VAD.Hangover = 80 * time.Millisecond
	cfg.RecoveryDelay = 150 * time.Millisecond
	return cfg
}

func audioConfig() audioio.Config {
	cfg := audioio.DefaultConfig()
	cfg.Backend = audioio.BackendMock
	cfg.BufferDuration = 5 * time.Millisecond
	return cfg
}

// utterance is a 0.02 noise floor, 200ms of speech at 0.10, then the floor
// again for good.
func utterance() []audioio.Segment {
	return []audioio.Segment{
		{Level: 0.02, Duration: 150 * time.Millisecond},
		{Level: 0.10, Duration: 200 * time.Millisecond},
		{Level: 0.02},
	}
}

// fakeMic opens a fresh scripted source on every call.
type fakeMic struct {
	mu      sync.Mutex
	opts    []audioio.MockSourceOption
	fail    error
	sources []*audioio.MockSource
}

func newFakeMic(opts ...audioio.MockSourceOption) *fakeMic {
	return &fakeMic{opts: opts}
}

func (f *fakeMic) open() (audioio.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	opts := f.opts
	if f.fail != nil {
		opts = append(append([]audioio.MockSourceOption(nil), opts...), audioio.WithStartError(f.fail))
	}
	src := audioio.NewMockSource(audioConfig(), nil, opts...)
	f.sources = append(f.sources, src)
	return src, nil
}

func (f *fakeMic) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func (f *fakeMic) last() *audioio.MockSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[len(f.sources)-1]
}

// observer collects controller callbacks.
type observer struct {
	mu          sync.Mutex
	states      []State
	errs        []error
	transcripts []Transcript
	speech      atomic.Int32
}

func observe(c *Controller) *observer {
	o := &observer{}
	c.OnStateChange(func(_, next State) {
		o.mu.Lock()
		o.states = append(o.states, next)
		o.mu.Unlock()
	})
	c.OnError(func(err error) {
		o.mu.Lock()
		o.errs = append(o.errs, err)
		o.mu.Unlock()
	})
	c.OnTranscript(func(t Transcript) {
		o.mu.Lock()
		o.transcripts = append(o.transcripts, t)
		o.mu.Unlock()
	})
	c.OnSpeechStart(func() { o.speech.Add(1) })
	return o
}

func (o *observer) States() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func (o *observer) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *observer) Transcripts() []Transcript {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Transcript(nil), o.transcripts...)
}

func newTestController(t *testing.T, mic *fakeMic, b backend.Backend, sink audioio.Sink, cfg Config, opts ...Option) *Controller {
	t.Helper()
	if sink == nil {
		sink = audioio.NewMockSink(audioConfig(), nil)
	}
	c, err := NewController(mic.open, b, sink, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c
}

func TestNewController_Validation(t *testing.T) {
	mic := newFakeMic()
	sink := audioio.NewMockSink(audioConfig(), nil)
	b := backend.NewMock()

	_, err := NewController(nil, b, sink, testConfig())
	assert.Error(t, err)
	_, err = NewController(mic.open, nil, sink, testConfig())
	assert.Error(t, err)
	_, err = NewController(mic.open, b, nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.RecoveryDelay = -time.Second
	_, err = NewController(mic.open, b, sink, cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.VAD.ThresholdMultiplier = 0
	_, err = NewController(mic.open, b, sink, cfg)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	names := map[State]string{
		StateIdle:       "idle",
		StateListening:  "listening",
		StateProcessing: "processing",
		StateSpeaking:   "speaking",
		StateError:      "error",
		State(42):       "unknown",
	}
	for s, want := range names {
		assert.Equal(t, want, s.String())
	}

	var s State
	require.NoError(t, s.UnmarshalText([]byte("speaking")))
	assert.Equal(t, StateSpeaking, s)
	assert.Error(t, s.UnmarshalText([]byte("dancing")))
}

func TestController_EndToEnd(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	b := backend.NewMock()
	b.TranscribeFunc = func(context.Context, backend.TranscribeRequest) (*backend.Transcript, error) {
		return &backend.Transcript{Text: "what is the price"}, nil
	}
	b.CompleteFunc = func(context.Context, backend.CompleteRequest) (*backend.Completion, error) {
		return &backend.Completion{Response: "The price is 100 shekels"}, nil
	}
	sink := audioio.NewMockSink(audioConfig(), nil)
	m := metrics.New("test")

	c := newTestController(t, mic, b, sink, testConfig(), WithMetrics(m))
	o := observe(c)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateListening, c.State())

	st := c.Status()
	require.NotNil(t, st.Noise)
	assert.InDelta(t, 0.02, st.Noise.Baseline, 0.002)
	assert.InDelta(t, st.Noise.Baseline*2.2, st.Noise.Threshold, 1e-9)
	assert.NotEmpty(t, st.SessionID)

	require.Eventually(t, func() bool {
		return len(o.States()) == 4
	}, waitFor, 5*time.Millisecond)

	// Nothing else should happen while the room stays quiet.
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []State{StateListening, StateProcessing, StateSpeaking, StateListening}, o.States())
	assert.Equal(t, StateListening, c.State())
	assert.Equal(t, 1, b.CallCount("Transcribe"))
	assert.Equal(t, 1, b.CallCount("Complete"))
	assert.Equal(t, 1, b.CallCount("Synthesize"))
	assert.EqualValues(t, 1, o.speech.Load())
	assert.Empty(t, o.Errors())

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, "what is the price", history[0].UserText)
	assert.Equal(t, "The price is 100 shekels", history[0].AssistantText)

	transcripts := o.Transcripts()
	require.Len(t, transcripts, 2)
	assert.Equal(t, backend.RoleUser, transcripts[0].Role)
	assert.Equal(t, backend.RoleAssistant, transcripts[1].Role)

	assert.Len(t, sink.Played(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues(metrics.OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionState.WithLabelValues("listening")))
}

func TestController_EmptyTranscript(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	b := backend.NewMock()
	b.TranscribeFunc = func(context.Context, backend.TranscribeRequest) (*backend.Transcript, error) {
		return &backend.Transcript{Text: "  "}, nil
	}

	c := newTestController(t, mic, b, nil, testConfig())
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(o.States()) == 3
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []State{StateListening, StateProcessing, StateListening}, o.States())
	assert.Equal(t, 0, b.CallCount("Complete"))
	assert.Equal(t, 0, b.CallCount("Synthesize"))
	assert.Empty(t, c.History())
	assert.Empty(t, o.Errors())
	assert.Empty(t, o.Transcripts())
}

func TestController_StopDuringRequest(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	entered := make(chan struct{})
	returned := make(chan error, 1)

	b := backend.NewMock()
	b.CompleteFunc = func(ctx context.Context, _ backend.CompleteRequest) (*backend.Completion, error) {
		close(entered)
		<-ctx.Done()
		returned <- ctx.Err()
		return nil, ctx.Err()
	}
	sink := audioio.NewMockSink(audioConfig(), nil)
	m := metrics.New("test")

	c := newTestController(t, mic, b, sink, testConfig(), WithMetrics(m))
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("completion was never requested")
	}
	assert.Equal(t, StateProcessing, c.State())

	c.Stop()
	c.Stop()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pending request was not canceled")
	}

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, mic.last().Running(), "microphone should be released")
	assert.False(t, sink.Running())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.TurnsTotal.WithLabelValues(metrics.OutcomeCanceled)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, o.Errors())
	assert.Empty(t, c.History())
	assert.Equal(t, 0, b.CallCount("Synthesize"))

	st := c.Status()
	assert.Empty(t, st.SessionID)
	assert.Nil(t, st.Noise)
}

func TestController_NoDetectionDuringPlayback(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	b := backend.NewMock()
	sink := audioio.NewMockSink(audioConfig(), nil, audioio.WithPlaybackDelay(400*time.Millisecond))

	c := newTestController(t, mic, b, sink, testConfig())
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateSpeaking
	}, waitFor, time.Millisecond)
	assert.EqualValues(t, 1, o.speech.Load())

	// The reply is loud enough to trip the detector if it were polling.
	src := mic.last()
	src.SetLevel(0.5)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, o.speech.Load(), "speech detected during playback")
	assert.Equal(t, StateSpeaking, c.State())
	src.ResetLevel()

	require.Eventually(t, func() bool {
		return c.State() == StateListening && len(sink.Played()) == 1
	}, waitFor, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, o.speech.Load())
	assert.Equal(t, 1, b.CallCount("Transcribe"))
}

func TestController_RecoversAfterFailure(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	netErr := errors.New("dial tcp: connection refused")

	b := backend.NewMock()
	b.CompleteFunc = func(context.Context, backend.CompleteRequest) (*backend.Completion, error) {
		return nil, netErr
	}
	m := metrics.New("test")
	cfg := testConfig()

	c := newTestController(t, mic, b, nil, cfg, WithMetrics(m))
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(o.Errors()) == 1
	}, waitFor, time.Millisecond)
	failedAt := time.Now()

	err := o.Errors()[0]
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, turn.StageComplete, turn.FailedStage(err))

	st := c.Status()
	assert.True(t, st.Recovering)
	assert.Equal(t, 1, st.Failures)
	assert.NotEmpty(t, st.LastError)
	assert.NotEqual(t, StateListening, c.State())

	require.Eventually(t, func() bool {
		return c.State() == StateListening
	}, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(failedAt), cfg.RecoveryDelay-10*time.Millisecond)

	assert.Empty(t, c.History())
	assert.Empty(t, c.Status().LastError)
	assert.False(t, c.Status().Recovering)
	assert.Equal(t, 0, b.CallCount("Synthesize"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues(metrics.RecoveryResumed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailures.WithLabelValues(string(turn.StageComplete))))
}

func TestController_PlaybackFailureRecovers(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	deviceErr := errors.New("output device busy")
	b := backend.NewMock()
	sink := audioio.NewMockSink(audioConfig(), nil, audioio.WithSinkStartError(deviceErr))
	m := metrics.New("test")
	cfg := testConfig()

	c := newTestController(t, mic, b, sink, cfg, WithMetrics(m))
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(o.Errors()) == 1
	}, waitFor, time.Millisecond)
	failedAt := time.Now()

	var pe *playback.PlaybackError
	require.ErrorAs(t, o.Errors()[0], &pe)
	assert.Equal(t, "start", pe.Op)
	assert.ErrorIs(t, o.Errors()[0], deviceErr)
	assert.Empty(t, c.History(), "an unplayed reply is not a turn")

	require.Eventually(t, func() bool {
		return c.State() == StateListening && !c.Status().Recovering
	}, waitFor, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(failedAt), cfg.RecoveryDelay-10*time.Millisecond)

	assert.Empty(t, c.History())
	assert.Equal(t, 1, b.CallCount("Synthesize"))
	assert.Empty(t, sink.Played())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageFailures.WithLabelValues("playback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues(metrics.RecoveryResumed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues(metrics.OutcomeCompleted)))
}

func TestController_UnplayableReplyRecovers(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	b := backend.NewMock()
	b.SynthesizeFunc = func(context.Context, backend.SynthesizeRequest) (*backend.Speech, error) {
		mp3 := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x00"), make([]byte, 512)...)
		return &backend.Speech{Audio: mp3, ContentType: "audio/mpeg", SampleRate: 24000}, nil
	}
	sink := audioio.NewMockSink(audioConfig(), nil)

	c := newTestController(t, mic, b, sink, testConfig())
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(o.Errors()) == 1
	}, waitFor, time.Millisecond)

	var pe *playback.PlaybackError
	require.ErrorAs(t, o.Errors()[0], &pe)
	assert.Equal(t, "decode", pe.Op)
	assert.ErrorIs(t, o.Errors()[0], audioio.ErrInvalidClip)
	assert.True(t, c.Status().Recovering)

	require.Eventually(t, func() bool {
		return c.State() == StateListening && !c.Status().Recovering
	}, waitFor, time.Millisecond)
	assert.Empty(t, c.History())
	assert.Empty(t, sink.Played(), "compressed audio must not reach the speaker")
}

func TestController_StopDuringRecovery(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	b := backend.NewMock()
	b.CompleteFunc = func(context.Context, backend.CompleteRequest) (*backend.Completion, error) {
		return nil, errors.New("network unreachable")
	}
	m := metrics.New("test")
	cfg := testConfig()

	c := newTestController(t, mic, b, nil, cfg, WithMetrics(m))
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(o.Errors()) == 1
	}, waitFor, time.Millisecond)

	c.Stop()
	time.Sleep(cfg.RecoveryDelay + 100*time.Millisecond)

	assert.Equal(t, StateIdle, c.State())
	assert.False(t, mic.last().Running())
	assert.Equal(t, StateIdle, o.States()[len(o.States())-1])
	assert.NotContains(t, o.States()[2:], StateListening)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues(metrics.RecoveryAbandoned)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues(metrics.RecoveryResumed)))
}

func TestController_MaxConsecutiveFailures(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	b := backend.NewMock()
	b.TranscribeFunc = func(context.Context, backend.TranscribeRequest) (*backend.Transcript, error) {
		return nil, &backend.APIError{StatusCode: 503, Message: "unavailable"}
	}
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 1

	c := newTestController(t, mic, b, nil, cfg)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateError
	}, waitFor, time.Millisecond)

	assert.False(t, mic.last().Running())
	assert.Contains(t, c.Status().LastError, "consecutive failures")
	assert.False(t, c.Status().Recovering)
}

func TestController_PermissionDenied(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	mic.setFail(audioio.ErrPermissionDenied)
	m := metrics.New("test")

	c := newTestController(t, mic, backend.NewMock(), nil, testConfig(), WithMetrics(m))
	o := observe(c)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAcquisition)
	assert.ErrorIs(t, err, audioio.ErrPermissionDenied)
	assert.Equal(t, StateError, c.State())
	assert.NotEmpty(t, c.Status().LastError)
	require.Len(t, o.Errors(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsTotal.WithLabelValues("failed")))

	// Leaving the error state takes a fresh start.
	mic.setFail(nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateListening, c.State())
	assert.Empty(t, c.Status().LastError)

	c.Stop()
	assert.Equal(t, StateIdle, c.State())
}

func TestController_StartTwice(t *testing.T) {
	c := newTestController(t, newFakeMic(), backend.NewMock(), nil, testConfig())
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrActive)
}

func TestController_StopDuringCalibration(t *testing.T) {
	mic := newFakeMic()
	cfg := testConfig()
	cfg.VAD.CalibrationWindow = 2 * time.Second

	c := newTestController(t, mic, backend.NewMock(), nil, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		mic.mu.Lock()
		defer mic.mu.Unlock()
		return len(mic.sources) == 1 && mic.sources[0].Running()
	}, waitFor, time.Millisecond)

	c.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, mic.last().Running())
}

func TestController_StartContextCanceled(t *testing.T) {
	mic := newFakeMic()
	cfg := testConfig()
	cfg.VAD.CalibrationWindow = 2 * time.Second

	c := newTestController(t, mic, backend.NewMock(), nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, mic.last().Running())
}

func TestController_SessionOutlivesStartContext(t *testing.T) {
	mic := newFakeMic()
	c := newTestController(t, mic, backend.NewMock(), nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateListening, c.State())
	assert.True(t, mic.last().Running())
}

func TestController_DeviceLost(t *testing.T) {
	mic := newFakeMic()
	c := newTestController(t, mic, backend.NewMock(), nil, testConfig())
	o := observe(c)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, mic.last().Stop())

	require.Eventually(t, func() bool {
		return c.State() == StateError
	}, waitFor, time.Millisecond)

	errs := o.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrAcquisition)
	assert.ErrorIs(t, errs[0], audioio.ErrGraphClosed)
}

func TestController_StopFromCallback(t *testing.T) {
	mic := newFakeMic(audioio.WithScript(utterance()...))
	c := newTestController(t, mic, backend.NewMock(), nil, testConfig())

	c.OnTranscript(func(Transcript) { c.Stop() })
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return c.State() == StateIdle
	}, waitFor, time.Millisecond)
	assert.Empty(t, c.History())
}

func TestController_Idempotent(t *testing.T) {
	c := newTestController(t, newFakeMic(), backend.NewMock(), nil, testConfig())
	o := observe(c)

	c.Stop()
	c.Stop()
	assert.Equal(t, StateIdle, c.State())
	assert.Empty(t, o.States())
}

func TestController_Close(t *testing.T) {
	mic := newFakeMic()
	sink := audioio.NewMockSink(audioConfig(), nil)
	c := newTestController(t, mic, backend.NewMock(), sink, testConfig())

	require.NoError(t, c.Start(context.Background()))
	src := mic.last()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, src.Running())
	assert.ErrorIs(t, sink.Start(context.Background()), io.ErrClosedPipe, "speaker should be released")

	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}
