// Package capture buffers microphone audio for one utterance at a time and
// assembles it into an upload payload when speech ends.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/audioio"
)

// FormatWAV is the payload format produced by the recorder.
const FormatWAV = "wav"

// ErrNotRecording is returned by Finish when no utterance is being recorded.
var ErrNotRecording = errors.New("capture: not recording")

// Flusher delivers audio already captured but not yet handed to the recorder.
// *audioio.Graph implements it.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Config holds recorder settings.
type Config struct {
	// SampleRate is used when no chunk carries one.
	// Default: 16000
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// MaxDuration caps the buffered audio; later chunks are dropped.
	// Zero means unlimited.
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{SampleRate: 16000}
}

// Utterance is one captured stretch of speech.
type Utterance struct {
	ID         string
	Chunks     []audioio.AudioChunk
	Payload    []byte
	Format     string
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Duration returns the length of the captured audio.
func (u Utterance) Duration() time.Duration {
	var d time.Duration
	for i := range u.Chunks {
		d += u.Chunks[i].Duration()
	}
	return d
}

// Recorder accumulates chunks between Restart and Seal (or Finish).
type Recorder struct {
	cfg     Config
	flusher Flusher
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	active    bool
	sealed    bool
	chunks    []audioio.AudioChunk
	buffered  time.Duration
	dropped   int
	startedAt time.Time
	sealedAt  time.Time
}

// NewRecorder creates a recorder. flusher may be nil when chunks are
// appended synchronously.
func NewRecorder(cfg Config, flusher Flusher) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	return &Recorder{
		cfg:     cfg,
		flusher: flusher,
		logger:  logger.With("component", "capture.recorder"),
		now:     time.Now,
	}
}

// Restart drops any buffered audio and starts a new utterance.
func (r *Recorder) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = nil
	r.buffered = 0
	r.dropped = 0
	r.active = true
	r.sealed = false
	r.startedAt = r.now()
}

// Seal marks the end of the utterance. Audio appended so far is kept for
// Finish; later chunks are ignored. It is a no-op when not recording.
func (r *Recorder) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active && !r.sealed {
		r.sealed = true
		r.sealedAt = r.now()
	}
}

// Append adds a chunk to the current utterance. Chunks arriving while the
// recorder is inactive or sealed are ignored.
func (r *Recorder) Append(chunk audioio.AudioChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active || r.sealed {
		return
	}
	d := chunk.Duration()
	if r.cfg.MaxDuration > 0 && r.buffered+d > r.cfg.MaxDuration {
		r.dropped++
		return
	}
	r.chunks = append(r.chunks, chunk)
	r.buffered += d
}

// Finish stops recording and returns the assembled utterance. An unsealed
// recorder first waits for in-flight audio; a sealed one returns exactly what
// it held at Seal. The buffer is cleared afterwards.
func (r *Recorder) Finish(ctx context.Context) (Utterance, error) {
	r.mu.Lock()
	active, sealed := r.active, r.sealed
	r.mu.Unlock()
	if !active {
		return Utterance{}, ErrNotRecording
	}

	if r.flusher != nil && !sealed {
		if err := r.flusher.Flush(ctx); err != nil {
			return Utterance{}, fmt.Errorf("capture: flush: %w", err)
		}
	}

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return Utterance{}, ErrNotRecording
	}
	r.active = false
	chunks := r.chunks
	dropped := r.dropped
	started := r.startedAt
	ended := r.now()
	if r.sealed {
		ended = r.sealedAt
	}
	r.sealed = false
	r.chunks = nil
	r.buffered = 0
	r.dropped = 0
	r.mu.Unlock()

	utt := Utterance{
		ID:         uuid.NewString(),
		Chunks:     chunks,
		Format:     FormatWAV,
		SampleRate: r.cfg.SampleRate,
		StartedAt:  started,
		EndedAt:    ended,
	}

	var samples []int16
	for _, c := range chunks {
		if c.SampleRate > 0 {
			utt.SampleRate = c.SampleRate
		}
		samples = append(samples, audioio.DownmixMono(c.Samples, c.Channels)...)
	}
	utt.Payload = audioio.EncodeWAV(samples, utt.SampleRate, 1)

	if dropped > 0 {
		r.logger.Warn("utterance truncated", "dropped_chunks", dropped, "max_duration", r.cfg.MaxDuration)
	}
	r.logger.Debug("utterance captured",
		"id", utt.ID,
		"chunks", len(chunks),
		"duration", utt.Duration(),
		"bytes", len(utt.Payload),
	)
	return utt, nil
}

// Discard stops recording and drops buffered audio.
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = false
	r.sealed = false
	r.chunks = nil
	r.buffered = 0
	r.dropped = 0
}

// Active reports whether the recorder is accepting chunks.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active && !r.sealed
}
