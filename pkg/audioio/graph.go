package audioio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
)

// Graph is the audio-processing graph attached to a live Source. It fans every
// chunk out to connected consumers, in connection order, and then publishes
// its level for meters. A level read by a meter therefore belongs to a chunk
// every consumer has already seen.
type Graph struct {
	src    Source
	logger *slog.Logger

	level  atomic.Uint64 // math.Float64bits of the latest RMS
	closed atomic.Bool

	mu        sync.Mutex
	consumers []consumer
	nextID    int

	flushCh   chan chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewGraph builds a graph over src. Nothing is read until Start.
func NewGraph(src Source, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		src:     src,
		logger:  logger,
		flushCh: make(chan chan struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins pulling chunks from the source stream.
func (g *Graph) Start(ctx context.Context) {
	g.startOnce.Do(func() {
		go g.loop(ctx, g.src.Stream())
	})
}

func (g *Graph) loop(ctx context.Context, stream <-chan AudioChunk) {
	defer func() {
		g.closed.Store(true)
		close(g.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case chunk, ok := <-stream:
			if !ok {
				g.logger.Debug("audio graph source stream ended")
				return
			}
			g.process(chunk)
		case reply := <-g.flushCh:
			g.drain(stream)
			close(reply)
		}
	}
}

// drain processes whatever the source has already buffered.
func (g *Graph) drain(stream <-chan AudioChunk) {
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return
			}
			g.process(chunk)
		default:
			return
		}
	}
}

type consumer struct {
	id int
	fn func(AudioChunk)
}

func (g *Graph) process(chunk AudioChunk) {
	g.mu.Lock()
	consumers := append([]consumer(nil), g.consumers...)
	g.mu.Unlock()

	for _, c := range consumers {
		c.fn(chunk)
	}
	g.level.Store(math.Float64bits(chunk.Level()))
}

// Connect registers a consumer for every subsequent chunk. The returned
// function disconnects it.
func (g *Graph) Connect(fn func(AudioChunk)) (disconnect func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.consumers = append(g.consumers, consumer{id: id, fn: fn})
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		for i, c := range g.consumers {
			if c.id == id {
				g.consumers = append(g.consumers[:i:i], g.consumers[i+1:]...)
				return
			}
		}
	}
}

// Level returns the RMS level of the latest chunk. It fails with
// ErrGraphClosed once the graph has stopped.
func (g *Graph) Level() (float64, error) {
	if g.closed.Load() {
		return 0, ErrGraphClosed
	}
	return math.Float64frombits(g.level.Load()), nil
}

// Flush blocks until every chunk the source had buffered at the time of the
// call has been delivered to consumers.
func (g *Graph) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case g.flushCh <- reply:
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the graph stops processing.
func (g *Graph) Done() <-chan struct{} {
	return g.done
}

// Close disconnects the graph from its source and waits for the loop to exit.
// The source itself is not stopped.
func (g *Graph) Close() error {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.startOnce.Do(func() {
		// Never started; nothing to wait for.
		g.closed.Store(true)
		close(g.done)
	})
	<-g.done

	g.mu.Lock()
	g.consumers = nil
	g.mu.Unlock()
	return nil
}
