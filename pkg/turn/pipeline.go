// Package turn runs one conversational turn: transcribe the utterance, ask
// for a reply given the history, and synthesize the reply, all under a single
// context so that stopping the session cancels whichever stage is in flight.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-voiceloop/pkg/backend"
	"github.com/teslashibe/go-voiceloop/pkg/capture"
)

// Hooks observe a turn in progress. Nil hooks are skipped.
type Hooks struct {
	// OnTranscript fires with the non-empty user text before completion.
	OnTranscript func(text string)

	// OnStageDone fires after each successful stage.
	OnStageDone func(stage Stage, took time.Duration)
}

// Result is the outcome of a successful Run.
type Result struct {
	// Empty is set when the transcript was blank; nothing else ran.
	Empty   bool
	Turn    Turn
	Speech  *backend.Speech
	Timings map[Stage]time.Duration
}

// Config holds pipeline settings.
type Config struct {
	// Language is an optional transcription hint.
	Language string `yaml:"language" json:"language"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// Pipeline sequences the three backend stages.
type Pipeline struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline creates a pipeline over b.
func NewPipeline(b backend.Backend, cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		backend: b,
		cfg:     cfg,
		logger:  logger.With("component", "turn.pipeline"),
		now:     time.Now,
	}
}

// Run executes one turn for utt. A blank transcript yields Result.Empty and
// no further calls. history is only read: the caller appends Result.Turn once
// the reply has been played. Cancellation of ctx at any point returns
// ErrCanceled; any other failure is a *StageError.
func (p *Pipeline) Run(ctx context.Context, utt capture.Utterance, history *History, hooks Hooks) (Result, error) {
	res := Result{Timings: make(map[Stage]time.Duration, len(Stages))}
	if ctx.Err() != nil {
		return res, ErrCanceled
	}

	start := p.now()
	tr, err := p.backend.Transcribe(ctx, backend.TranscribeRequest{
		Audio:    utt.Payload,
		Format:   utt.Format,
		Language: p.cfg.Language,
	})
	if err != nil {
		return res, p.fail(ctx, StageTranscribe, err)
	}
	p.stageDone(&res, hooks, StageTranscribe, start)

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		p.logger.Debug("empty transcript", "utterance", utt.ID)
		res.Empty = true
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ErrCanceled
	}
	if hooks.OnTranscript != nil {
		hooks.OnTranscript(text)
	}

	start = p.now()
	comp, err := p.backend.Complete(ctx, backend.CompleteRequest{
		Text:    text,
		History: history.Messages(),
	})
	if err != nil {
		return res, p.fail(ctx, StageComplete, err)
	}
	reply := strings.TrimSpace(comp.Response)
	if reply == "" {
		return res, p.fail(ctx, StageComplete, backend.ErrEmptyResponse)
	}
	p.stageDone(&res, hooks, StageComplete, start)

	start = p.now()
	speech, err := p.backend.Synthesize(ctx, backend.SynthesizeRequest{Text: reply})
	if err != nil {
		return res, p.fail(ctx, StageSynthesize, err)
	}
	if ctx.Err() != nil {
		return res, ErrCanceled
	}
	p.stageDone(&res, hooks, StageSynthesize, start)

	res.Turn = Turn{
		ID:            uuid.NewString(),
		UserText:      text,
		AssistantText: reply,
		Language:      tr.Language,
		Timestamp:     p.now(),
	}
	res.Speech = speech

	p.logger.Info("reply ready",
		"turn", res.Turn.ID,
		"transcribe_ms", res.Timings[StageTranscribe].Milliseconds(),
		"complete_ms", res.Timings[StageComplete].Milliseconds(),
		"synthesize_ms", res.Timings[StageSynthesize].Milliseconds(),
	)
	return res, nil
}

func (p *Pipeline) stageDone(res *Result, hooks Hooks, stage Stage, start time.Time) {
	took := p.now().Sub(start)
	res.Timings[stage] = took
	if hooks.OnStageDone != nil {
		hooks.OnStageDone(stage, took)
	}
}

func (p *Pipeline) fail(ctx context.Context, stage Stage, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		p.logger.Debug("turn canceled", "stage", stage)
		return ErrCanceled
	}
	p.logger.Warn("stage failed", "stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}
