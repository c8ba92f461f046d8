package audioio

import (
	"context"
	"errors"
	"io"
)

// ErrCleared is returned by Flush when Clear discarded the queued audio.
var ErrCleared = errors.New("audioio: playback cleared")

// Sink plays audio to a speaker or other output device.
type Sink interface {
	// Start acquires the output device for one playback.
	Start(ctx context.Context) error

	// Stop releases the output device.
	// It is safe to call Stop multiple times.
	Stop() error

	// Write queues an audio chunk for playback.
	Write(ctx context.Context, chunk AudioChunk) error

	// Flush blocks until all queued audio has been played, the context is
	// done, or Clear is called (ErrCleared).
	Flush(ctx context.Context) error

	// Clear discards all queued audio immediately and unblocks Flush.
	Clear() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	ChunksWritten   int64  `json:"chunks_written"`
	SamplesWritten  int64  `json:"samples_written"`
	Running         bool   `json:"running"`
	Backend         string `json:"backend"`
	BufferedSamples int64  `json:"buffered_samples"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
