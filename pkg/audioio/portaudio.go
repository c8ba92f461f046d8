//go:build portaudio

package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const portaudioAvailable = true

// PortAudioSource captures the default input device through PortAudio.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	stream   *portaudio.Stream
	streamCh chan AudioChunk
	stopCh   chan struct{}
	loopDone chan struct{}

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return &PortAudioSource{
		cfg:      cfg,
		logger:   logger,
		streamCh: make(chan AudioChunk, 64),
	}, nil
}

// Start opens the input stream and begins capture.
func (s *PortAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}

	c := s.cfg.Constraints
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		s.logger.Debug("portaudio does not apply capture constraints",
			"echo_cancellation", c.EchoCancellation,
			"noise_suppression", c.NoiseSuppression,
			"auto_gain_control", c.AutoGainControl,
		)
	}

	in := make([]int16, s.cfg.BufferSize()*s.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(s.cfg.Channels, 0, float64(s.cfg.SampleRate), s.cfg.BufferSize(), in)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open input stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start input stream: %v", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.running = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 64)

	go s.captureLoop(ctx, stream, in, s.stopCh, s.loopDone, s.streamCh)

	s.logger.Info("portaudio source started",
		"sample_rate", s.cfg.SampleRate,
		"channels", s.cfg.Channels,
		"frames", s.cfg.BufferSize(),
	)
	return nil
}

func (s *PortAudioSource) captureLoop(ctx context.Context, stream *portaudio.Stream, in []int16, stopCh, done chan struct{}, out chan AudioChunk) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			go s.Stop()
			return
		case <-stopCh:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			s.overruns.Add(1)
			s.logger.Debug("portaudio read failed", "error", err)
			continue
		}

		samples := make([]int16, len(in))
		copy(samples, in)
		chunk := AudioChunk{Samples: samples, SampleRate: s.cfg.SampleRate, Channels: s.cfg.Channels}

		select {
		case out <- chunk:
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(samples)))
		default:
			s.overruns.Add(1)
		}
	}
}

// Stop halts capture, releases the device and closes the stream channel.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done, stream, out := s.loopDone, s.stream, s.streamCh
	s.stream = nil
	s.mu.Unlock()

	<-done
	close(out)

	var firstErr error
	if err := stream.Stop(); err != nil {
		firstErr = err
	}
	if err := stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	portaudio.Terminate()

	s.logger.Info("portaudio source stopped")
	return firstErr
}

// Stream returns the audio chunk channel.
func (s *PortAudioSource) Stream() <-chan AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCh
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return "portaudio" }

// Close releases resources.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns source statistics.
func (s *PortAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     "portaudio",
	}
}

var _ SourceWithStats = (*PortAudioSource)(nil)

// PortAudioSink plays audio on the default output device.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	stream  *portaudio.Stream
	out     []int16
	pending []int16
	clearCh chan struct{}

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return &PortAudioSink{
		cfg:     cfg,
		logger:  logger,
		clearCh: make(chan struct{}),
	}, nil
}

// Start opens the output stream.
func (s *PortAudioSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: initialize portaudio: %v", ErrDeviceUnavailable, err)
	}

	s.out = make([]int16, s.cfg.BufferSize()*s.cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(0, s.cfg.Channels, float64(s.cfg.SampleRate), s.cfg.BufferSize(), s.out)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: open output stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: start output stream: %v", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.running = true
	s.pending = s.pending[:0]
	return nil
}

// Stop closes the output stream.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.pending = s.pending[:0]

	var firstErr error
	if err := s.stream.Stop(); err != nil {
		firstErr = err
	}
	if err := s.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.stream = nil
	portaudio.Terminate()
	return firstErr
}

// Write queues a chunk for playback.
func (s *PortAudioSink) Write(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.running {
		return io.ErrClosedPipe
	}
	s.pending = append(s.pending, chunk.Samples...)
	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(chunk.Samples)))
	return nil
}

// Flush plays queued audio one device buffer at a time.
func (s *PortAudioSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	clearCh := s.clearCh
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clearCh:
			return ErrCleared
		default:
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return io.ErrClosedPipe
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return nil
		}
		n := copy(s.out, s.pending)
		clear(s.out[n:])
		s.pending = s.pending[n:]
		stream := s.stream
		s.mu.Unlock()

		if err := stream.Write(); err != nil {
			return fmt.Errorf("portaudio write: %w", err)
		}
	}
}

// Clear discards queued audio and releases a pending Flush.
func (s *PortAudioSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = s.pending[:0]
	close(s.clearCh)
	s.clearCh = make(chan struct{})
	return nil
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSink) Name() string { return "portaudio" }

// Close releases resources.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.Stop()
}

// Stats returns sink statistics.
func (s *PortAudioSink) Stats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SinkStats{
		ChunksWritten:   s.chunksWritten.Load(),
		SamplesWritten:  s.samplesWritten.Load(),
		Running:         s.running,
		Backend:         "portaudio",
		BufferedSamples: int64(len(s.pending)),
	}
}

var _ SinkWithStats = (*PortAudioSink)(nil)
