package audioio

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendMock
	cfg.BufferDuration = 5 * time.Millisecond
	return cfg
}

func TestMockSource_StartStop(t *testing.T) {
	src := NewMockSource(testConfig(), nil)
	defer src.Close()

	ctx := context.Background()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Starting again should be a no-op
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if src.Starts() != 1 {
		t.Errorf("expected 1 start, got %d", src.Starts())
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Stopping again should be a no-op
	if err := src.Stop(); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
	if src.Running() {
		t.Error("source should not be running after Stop")
	}
}

func TestMockSource_StartError(t *testing.T) {
	src := NewMockSource(testConfig(), nil, WithStartError(ErrPermissionDenied))
	defer src.Close()

	err := src.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if src.Running() {
		t.Error("source should not be running after a failed Start")
	}
}

func TestMockSource_Read(t *testing.T) {
	cfg := testConfig()
	src := NewMockSource(cfg, nil)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	chunk, err := src.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	expectedSamples := cfg.BufferSize() * cfg.Channels
	if len(chunk.Samples) != expectedSamples {
		t.Errorf("expected %d samples, got %d", expectedSamples, len(chunk.Samples))
	}
	if chunk.SampleRate != cfg.SampleRate {
		t.Errorf("expected sample rate %d, got %d", cfg.SampleRate, chunk.SampleRate)
	}
	if chunk.Level() != 0 {
		t.Errorf("expected silence by default, got level %f", chunk.Level())
	}
}

func TestMockSource_Script(t *testing.T) {
	cfg := testConfig()
	src := NewMockSource(cfg, nil, WithScript(
		Segment{Level: 0.01, Duration: 2 * cfg.BufferDuration},
		Segment{Level: 0.3, Duration: 2 * cfg.BufferDuration},
	))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := []float64{0.01, 0.01, 0.3, 0.3, 0.3}
	for i, w := range want {
		chunk, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if got := chunk.Level(); math.Abs(got-w) > 0.001 {
			t.Errorf("chunk %d: expected level %.3f, got %.4f", i, w, got)
		}
	}
}

func TestMockSource_SetLevel(t *testing.T) {
	src := NewMockSource(testConfig(), nil, WithLevel(0.02))
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	src.SetLevel(0.5)
	// Drain anything generated before the override.
	deadline := time.After(500 * time.Millisecond)
	for {
		chunk, err := src.Read(ctx)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if math.Abs(chunk.Level()-0.5) < 0.001 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("override level never observed")
		default:
		}
	}
}

func TestMockSource_Close(t *testing.T) {
	src := NewMockSource(testConfig(), nil)

	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Start after close should fail
	if err := src.Start(ctx); err != io.ErrClosedPipe {
		t.Errorf("expected ErrClosedPipe, got %v", err)
	}

	// Stream channel is closed
	if _, err := src.Read(ctx); err != io.EOF {
		t.Errorf("expected EOF after close, got %v", err)
	}
}

func TestMockSource_Stats(t *testing.T) {
	src := NewMockSource(testConfig(), nil)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := src.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := src.Read(ctx); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
	}

	stats := src.Stats()
	if stats.ChunksRead < 3 {
		t.Errorf("expected at least 3 chunks read, got %d", stats.ChunksRead)
	}
	if !stats.Running {
		t.Error("expected running=true")
	}
	if stats.Backend != "mock" {
		t.Errorf("expected backend=mock, got %s", stats.Backend)
	}
}

func TestMockSink_WriteFlushClear(t *testing.T) {
	cfg := testConfig()
	sink := NewMockSink(cfg, nil)
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	chunk := AudioChunk{Samples: make([]int16, 160), SampleRate: cfg.SampleRate, Channels: 1}
	for i := 0; i < 3; i++ {
		if err := sink.Write(ctx, chunk); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	stats := sink.Stats()
	if stats.ChunksWritten != 3 {
		t.Errorf("expected 3 chunks written, got %d", stats.ChunksWritten)
	}
	if stats.BufferedSamples != 480 {
		t.Errorf("expected 480 buffered samples, got %d", stats.BufferedSamples)
	}

	if err := sink.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	played := sink.Played()
	if len(played) != 1 || len(played[0].Samples) != 480 {
		t.Fatalf("expected one 480-sample clip played, got %+v", played)
	}

	if err := sink.Write(ctx, chunk); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := sink.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if sink.Stats().BufferedSamples != 0 {
		t.Error("expected empty buffer after Clear")
	}
}

func TestMockSink_ClearReleasesFlush(t *testing.T) {
	cfg := testConfig()
	sink := NewMockSink(cfg, nil, WithPlaybackDelay(time.Minute))
	defer sink.Close()

	ctx := context.Background()
	if err := sink.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := sink.Write(ctx, AudioChunk{Samples: make([]int16, 16), SampleRate: cfg.SampleRate, Channels: 1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- sink.Flush(ctx) }()

	time.Sleep(20 * time.Millisecond)
	sink.Clear()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCleared) {
			t.Errorf("expected ErrCleared, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Flush did not return after Clear")
	}
	if len(sink.Played()) != 0 {
		t.Error("cleared audio should not count as played")
	}
}

func TestMockSink_FlushContext(t *testing.T) {
	cfg := testConfig()
	sink := NewMockSink(cfg, nil, WithPlaybackDelay(time.Minute))
	defer sink.Close()

	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sink.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestMockSink_NotRunning(t *testing.T) {
	sink := NewMockSink(testConfig(), nil)
	defer sink.Close()

	err := sink.Write(context.Background(), AudioChunk{Samples: make([]int16, 160)})
	if err != io.ErrClosedPipe {
		t.Errorf("expected ErrClosedPipe, got %v", err)
	}
}

func TestAudioChunk_Bytes(t *testing.T) {
	chunk := AudioChunk{Samples: []int16{0x0102, -2}}

	b := chunk.Bytes()
	want := []byte{0x02, 0x01, 0xFE, 0xFF}
	if len(b) != len(want) {
		t.Fatalf("expected %d bytes, got %d", len(want), len(b))
	}
	for i := range want {
		if b[i] != want[i] {
			t.Errorf("byte %d: expected 0x%02X, got 0x%02X", i, want[i], b[i])
		}
	}
}

func TestAudioChunk_FromBytes(t *testing.T) {
	var chunk AudioChunk
	chunk.FromBytes([]byte{0x02, 0x01, 0xFE, 0xFF}, 16000, 1)

	if chunk.SampleRate != 16000 || chunk.Channels != 1 {
		t.Errorf("unexpected format %d/%d", chunk.SampleRate, chunk.Channels)
	}
	if len(chunk.Samples) != 2 || chunk.Samples[0] != 0x0102 || chunk.Samples[1] != -2 {
		t.Errorf("unexpected samples %v", chunk.Samples)
	}
}

func TestAudioChunk_Duration(t *testing.T) {
	tests := []struct {
		name     string
		chunk    AudioChunk
		expected time.Duration
	}{
		{"20ms mono", AudioChunk{Samples: make([]int16, 320), SampleRate: 16000, Channels: 1}, 20 * time.Millisecond},
		{"10ms stereo", AudioChunk{Samples: make([]int16, 320), SampleRate: 16000, Channels: 2}, 10 * time.Millisecond},
		{"unknown rate", AudioChunk{Samples: make([]int16, 320)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.chunk.Duration(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}
