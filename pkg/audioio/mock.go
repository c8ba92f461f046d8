package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Segment is one step of a scripted level trace.
type Segment struct {
	Level    float64
	Duration time.Duration
}

// MockSource is a scripted microphone for testing.
// It emits chunks in real time whose RMS follows the configured level trace.
// After the script ends the last segment's level is held.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}
	startErr error
	script   []Segment
	elapsed  time.Duration
	override float64
	hasOver  bool

	// Stats
	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
	starts      atomic.Int64
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithScript sets the level trace the source follows from Start.
func WithScript(segments ...Segment) MockSourceOption {
	return func(m *MockSource) {
		m.script = append([]Segment(nil), segments...)
	}
}

// WithLevel makes the source emit a constant level.
func WithLevel(level float64) MockSourceOption {
	return func(m *MockSource) {
		m.script = []Segment{{Level: level}}
	}
}

// WithStartError makes Start fail with err, e.g. ErrPermissionDenied.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// NewMockSource creates a new mock audio source. Without a script it emits silence.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:      cfg,
		logger:   logger,
		streamCh: make(chan AudioChunk, 64),
		stopCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.elapsed = 0
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan AudioChunk, 64)
	m.starts.Add(1)

	go m.generateLoop(ctx, m.stopCh, m.streamCh)

	m.logger.Debug("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"segments", len(m.script),
	)

	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh chan struct{}, out chan AudioChunk) {
	ticker := time.NewTicker(m.cfg.BufferDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			if !m.running || m.stopCh != stopCh {
				m.mu.Unlock()
				return
			}
			chunk := m.generateChunk()
			select {
			case out <- chunk:
				m.chunksRead.Add(1)
				m.samplesRead.Add(int64(len(chunk.Samples)))
			default:
				m.overruns.Add(1)
			}
			m.mu.Unlock()
		}
	}
}

// generateChunk must be called with mu held.
func (m *MockSource) generateChunk() AudioChunk {
	frames := m.cfg.BufferSize()
	channels := m.cfg.Channels
	samples := make([]int16, frames*channels)

	level := m.levelAt(m.elapsed)
	amp := int16(math.Min(math.Round(level*32768), 32767))
	for i := 0; i < frames; i++ {
		s := amp
		if i%2 == 1 {
			s = -amp
		}
		for ch := 0; ch < channels; ch++ {
			samples[i*channels+ch] = s
		}
	}
	m.elapsed += m.cfg.BufferDuration

	return AudioChunk{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   channels,
	}
}

func (m *MockSource) levelAt(t time.Duration) float64 {
	if m.hasOver {
		return m.override
	}
	if len(m.script) == 0 {
		return 0
	}
	var at time.Duration
	for _, seg := range m.script {
		at += seg.Duration
		if t < at {
			return seg.Level
		}
	}
	return m.script[len(m.script)-1].Level
}

// SetLevel overrides the scripted trace with a constant level until ResetLevel.
func (m *MockSource) SetLevel(level float64) {
	m.mu.Lock()
	m.override = level
	m.hasOver = true
	m.mu.Unlock()
}

// ResetLevel returns to the scripted trace.
func (m *MockSource) ResetLevel() {
	m.mu.Lock()
	m.hasOver = false
	m.mu.Unlock()
}

// Stop halts audio generation and closes the stream.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	close(m.stopCh)
	close(m.streamCh)

	m.logger.Debug("mock audio source stopped")

	return nil
}

// Read reads the next audio chunk.
func (m *MockSource) Read(ctx context.Context) (AudioChunk, error) {
	m.mu.Lock()
	ch := m.streamCh
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-ch:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel.
func (m *MockSource) Stream() <-chan AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCh
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Running reports whether the source is capturing.
func (m *MockSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Starts returns how many times the source was started.
func (m *MockSource) Starts() int {
	return int(m.starts.Load())
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		ChunksRead:  m.chunksRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Overruns:    m.overruns.Load(),
		Running:     running,
		Backend:     "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// Flush waits for the simulated playback time of the queued audio.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	buffer   []AudioChunk
	played   []AudioChunk
	clearCh  chan struct{}
	scale    float64
	delay    time.Duration
	flushErr error
	startErr error

	// Stats
	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	starts         atomic.Int64
	clears         atomic.Int64
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithPlaybackDelay makes every Flush take exactly d regardless of length.
func WithPlaybackDelay(d time.Duration) MockSinkOption {
	return func(m *MockSink) {
		m.delay = d
	}
}

// WithPlaybackScale scales simulated playback time; 1.0 is real time.
func WithPlaybackScale(scale float64) MockSinkOption {
	return func(m *MockSink) {
		m.scale = scale
	}
}

// WithFlushError makes Flush fail with err after the simulated playback.
func WithFlushError(err error) MockSinkOption {
	return func(m *MockSink) {
		m.flushErr = err
	}
}

// WithSinkStartError makes Start fail with err.
func WithSinkStartError(err error) MockSinkOption {
	return func(m *MockSink) {
		m.startErr = err
	}
}

// NewMockSink creates a new mock audio sink. By default playback is instant.
func NewMockSink(cfg Config, logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSink{
		cfg:     cfg,
		logger:  logger,
		buffer:  make([]AudioChunk, 0, 16),
		clearCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}

	m.running = true
	m.starts.Add(1)
	return nil
}

// Stop halts audio acceptance.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	return nil
}

// Write accepts an audio chunk.
func (m *MockSink) Write(ctx context.Context, chunk AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.running {
		return io.ErrClosedPipe
	}

	m.buffer = append(m.buffer, chunk)

	m.chunksWritten.Add(1)
	m.samplesWritten.Add(int64(len(chunk.Samples)))

	return nil
}

// Flush simulates waiting for playback of everything written so far.
func (m *MockSink) Flush(ctx context.Context) error {
	m.mu.Lock()
	var total time.Duration
	for _, chunk := range m.buffer {
		total += chunk.Duration()
	}
	wait := time.Duration(float64(total) * m.scale)
	if m.delay > 0 {
		wait = m.delay
	}
	clearCh := m.clearCh
	m.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clearCh:
			return ErrCleared
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-clearCh:
		return ErrCleared
	default:
	}

	if len(m.buffer) > 0 {
		var clip AudioChunk
		for _, chunk := range m.buffer {
			clip.SampleRate = chunk.SampleRate
			clip.Channels = chunk.Channels
			clip.Samples = append(clip.Samples, chunk.Samples...)
		}
		m.played = append(m.played, clip)
	}
	m.buffer = m.buffer[:0]
	return m.flushErr
}

// Clear discards buffered audio and releases a pending Flush.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buffer = m.buffer[:0]
	close(m.clearCh)
	m.clearCh = make(chan struct{})
	m.clears.Add(1)

	return nil
}

// Played returns the clips that finished playing, one per Flush.
func (m *MockSink) Played() []AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AudioChunk(nil), m.played...)
}

// Clears returns how many times Clear was called.
func (m *MockSink) Clears() int {
	return int(m.clears.Load())
}

// Running reports whether the sink is started.
func (m *MockSink) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	buffered := int64(0)
	for _, chunk := range m.buffer {
		buffered += int64(len(chunk.Samples))
	}
	m.mu.Unlock()

	return SinkStats{
		ChunksWritten:   m.chunksWritten.Load(),
		SamplesWritten:  m.samplesWritten.Load(),
		Running:         running,
		Backend:         "mock",
		BufferedSamples: buffered,
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
