// Package playback plays synthesized replies while keeping the microphone's
// voice activity detection suppressed, so the assistant never hears itself.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/backend"
)

var (
	// ErrInterrupted is returned when playback was cut short by Interrupt or
	// context cancellation.
	ErrInterrupted = errors.New("playback: interrupted")

	// ErrBusy is returned when Play is called while a clip is playing.
	ErrBusy = errors.New("playback: already playing")
)

// PlaybackError reports a device or decoding failure.
type PlaybackError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// Gate serializes playback on one sink.
type Gate struct {
	sink   audioio.Sink
	logger *slog.Logger

	mu          sync.Mutex
	playing     bool
	interrupted bool
	cancel      context.CancelFunc
}

// NewGate creates a gate over sink.
func NewGate(sink audioio.Sink, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sink:   sink,
		logger: logger.With("component", "playback.gate"),
	}
}

// Play calls suppress, then plays speech to completion. It returns
// ErrInterrupted if ctx ends or Interrupt is called first, and a
// *PlaybackError if the clip cannot be decoded or the device fails.
func (g *Gate) Play(ctx context.Context, speech *backend.Speech, suppress func()) error {
	if suppress != nil {
		suppress()
	}

	g.mu.Lock()
	if g.playing {
		g.mu.Unlock()
		return ErrBusy
	}
	if ctx.Err() != nil {
		g.mu.Unlock()
		return ErrInterrupted
	}
	playCtx, cancel := context.WithCancel(ctx)
	g.playing = true
	g.interrupted = false
	g.cancel = cancel
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		g.playing = false
		g.cancel = nil
		g.mu.Unlock()
	}()

	chunk, err := g.prepare(speech)
	if err != nil {
		return &PlaybackError{Op: "decode", Err: err}
	}
	if len(chunk.Samples) == 0 {
		return nil
	}

	if err := g.sink.Start(playCtx); err != nil {
		return &PlaybackError{Op: "start", Err: err}
	}
	defer g.sink.Stop()

	if err := g.sink.Write(playCtx, chunk); err != nil {
		if g.halted(playCtx) {
			return ErrInterrupted
		}
		return &PlaybackError{Op: "write", Err: err}
	}

	g.logger.Debug("playing reply", "duration", chunk.Duration(), "sink", g.sink.Name())

	if err := g.sink.Flush(playCtx); err != nil {
		if g.halted(playCtx) || errors.Is(err, audioio.ErrCleared) {
			g.sink.Clear()
			return ErrInterrupted
		}
		return &PlaybackError{Op: "flush", Err: err}
	}
	if g.halted(playCtx) {
		return ErrInterrupted
	}
	return nil
}

func (g *Gate) halted(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interrupted || ctx.Err() != nil
}

// prepare decodes the clip and converts it to the sink's format.
func (g *Gate) prepare(speech *backend.Speech) (audioio.AudioChunk, error) {
	if speech == nil || len(speech.Audio) == 0 {
		return audioio.AudioChunk{}, nil
	}

	clip, err := audioio.DecodeMedia(speech.Audio, speech.ContentType, speech.SampleRate)
	if err != nil {
		return audioio.AudioChunk{}, err
	}

	cfg := g.sink.Config()
	samples := audioio.DownmixMono(clip.Samples, clip.Channels)
	samples = audioio.Resample(samples, clip.SampleRate, cfg.SampleRate)
	if cfg.Channels > 1 {
		out := make([]int16, len(samples)*cfg.Channels)
		for i, s := range samples {
			for ch := 0; ch < cfg.Channels; ch++ {
				out[i*cfg.Channels+ch] = s
			}
		}
		samples = out
	}

	return audioio.AudioChunk{Samples: samples, SampleRate: cfg.SampleRate, Channels: cfg.Channels}, nil
}

// Interrupt halts the current playback immediately. It is a no-op when
// nothing is playing.
func (g *Gate) Interrupt() {
	g.mu.Lock()
	playing := g.playing
	if playing {
		g.interrupted = true
		g.cancel()
	}
	g.mu.Unlock()

	if playing {
		g.sink.Clear()
		g.logger.Debug("playback interrupted")
	}
}

// Playing reports whether a clip is being played.
func (g *Gate) Playing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.playing
}

// Close releases the sink.
func (g *Gate) Close() error {
	g.Interrupt()
	return g.sink.Close()
}
