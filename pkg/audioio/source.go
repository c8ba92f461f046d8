package audioio

import (
	"context"
	"errors"
	"io"
	"time"
)

// Acquisition errors. A Source returns these (possibly wrapped) from Start.
var (
	// ErrPermissionDenied is returned when the user or OS refused microphone access.
	ErrPermissionDenied = errors.New("audioio: microphone permission denied")

	// ErrDeviceUnavailable is returned when no capture device could be opened.
	ErrDeviceUnavailable = errors.New("audioio: device unavailable")

	// ErrGraphClosed is returned by Level after the graph's source stream ended.
	ErrGraphClosed = errors.New("audioio: audio graph closed")
)

// AudioChunk represents a chunk of audio data.
type AudioChunk struct {
	// Samples contains PCM16 audio samples.
	Samples []int16

	// SampleRate is the sample rate of this chunk.
	SampleRate int

	// Channels is the number of channels in this chunk.
	Channels int
}

// Bytes returns the chunk as little-endian PCM16 bytes.
func (c *AudioChunk) Bytes() []byte {
	return SamplesToBytes(c.Samples)
}

// FromBytes populates the chunk from raw PCM16 bytes.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) {
	c.SampleRate = sampleRate
	c.Channels = channels
	c.Samples = BytesToSamples(data)
}

// Duration returns the playback duration of this chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Level returns the normalized RMS level of the chunk (0.0 to 1.0).
func (c *AudioChunk) Level() float64 {
	return RMS(c.Samples)
}

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start begins audio capture. It fails with ErrPermissionDenied or
	// ErrDeviceUnavailable when the device cannot be acquired.
	Start(ctx context.Context) error

	// Stop halts audio capture and stops all tracks.
	// It is safe to call Stop multiple times.
	Stop() error

	// Stream returns a channel that receives audio chunks.
	// The channel is closed when the source is stopped.
	Stream() <-chan AudioChunk

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	ChunksRead  int64  `json:"chunks_read"`
	SamplesRead int64  `json:"samples_read"`
	Overruns    int64  `json:"overruns"`
	Running     bool   `json:"running"`
	Backend     string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
