//go:build !portaudio

package audioio

import (
	"fmt"
	"log/slog"
)

const portaudioAvailable = false

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, fmt.Errorf("%w: portaudio support not compiled in (build with -tags portaudio)", ErrDeviceUnavailable)
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (Sink, error) {
	return nil, fmt.Errorf("%w: portaudio support not compiled in (build with -tags portaudio)", ErrDeviceUnavailable)
}
