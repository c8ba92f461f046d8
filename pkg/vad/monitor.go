package vad

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrMonitorStarted is returned when Start is called on a used monitor.
var ErrMonitorStarted = errors.New("vad: monitor already started")

// Monitor polls a LevelSampler and reports one utterance. It stops polling on
// its own after speech-end; each listening cycle uses a fresh Monitor.
type Monitor struct {
	cfg     Config
	sampler LevelSampler
	det     *Detector
	logger  *slog.Logger
	now     func() time.Time

	onStart func()
	onEnd   func()
	onErr   func(error)

	mu       sync.Mutex
	started  bool
	running  bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithSpeechStart sets the callback fired once when speech begins.
func WithSpeechStart(fn func()) MonitorOption {
	return func(m *Monitor) { m.onStart = fn }
}

// WithSpeechEnd sets the callback fired once when speech ends.
func WithSpeechEnd(fn func()) MonitorOption {
	return func(m *Monitor) { m.onEnd = fn }
}

// WithSamplerError sets the callback fired when the sampler fails. Polling
// stops after the callback.
func WithSamplerError(fn func(error)) MonitorOption {
	return func(m *Monitor) { m.onErr = fn }
}

// WithClock overrides the time source used for the hangover.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor for one utterance against profile.
func NewMonitor(sampler LevelSampler, profile NoiseProfile, cfg Config, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		sampler: sampler,
		det:     NewDetector(profile, cfg.Hangover),
		logger:  cfg.logger().With("component", "vad.monitor"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins polling. A Monitor can be started once.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrMonitorStarted
	}
	m.started = true
	m.running = true

	go m.loop(ctx)
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.done)
	}()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		level, err := m.sampler.Level()
		if err != nil {
			if m.stopped() {
				return
			}
			m.logger.Warn("level sampling failed", "error", err)
			if m.onErr != nil {
				m.onErr(err)
			}
			return
		}

		switch m.det.Step(level, m.now()) {
		case EventSpeechStart:
			if m.stopped() {
				return
			}
			m.logger.Debug("speech started", "level", level, "threshold", m.det.Threshold())
			if m.onStart != nil {
				m.onStart()
			}
		case EventSpeechEnd:
			if m.stopped() {
				return
			}
			m.logger.Debug("speech ended", "level", level)
			if m.onEnd != nil {
				m.onEnd()
			}
			return
		}
	}
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// Stop ends polling without emitting speech-end and waits for the loop to
// exit. No callback fires after Stop returns. It must not be called from a
// monitor callback. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// Running reports whether the monitor is polling.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Done is closed when polling ends. It never closes for a monitor that was
// not started.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}
