// Package web serves the control API and live event stream for a
// conversation session.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-voiceloop/pkg/hub"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
	"github.com/teslashibe/go-voiceloop/pkg/session"
)

// Config holds server settings.
type Config struct {
	// Addr is the listen address.
	// Default: ":8080"
	Addr string `yaml:"addr" json:"addr"`

	// StaticDir serves a dashboard from disk when set.
	StaticDir string `yaml:"static_dir" json:"static_dir"`

	// StartTimeout bounds microphone acquisition and calibration for
	// POST /api/session/start.
	// Default: 10s
	StartTimeout time.Duration `yaml:"start_timeout" json:"start_timeout"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		StartTimeout: 10 * time.Second,
	}
}

// speechNotifier is implemented by conversations that report speech starts.
type speechNotifier interface {
	OnSpeechStart(fn func())
}

// Server is the HTTP front end of a conversation.
type Server struct {
	cfg     Config
	app     *fiber.App
	conv    session.Conversation
	events  *hub.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewServer creates a server for conv and subscribes to its events. m may be
// nil, in which case /metrics is not served.
func NewServer(cfg Config, conv session.Conversation, m *metrics.Metrics) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		conv:    conv,
		events:  hub.New("events", logger),
		metrics: m,
		logger:  logger.With("component", "web.server"),
	}
	s.subscribe()

	app := fiber.New(fiber.Config{
		AppName:               "voiceloop",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Post("/session/start", s.handleStart)
	api.Post("/session/stop", s.handleStop)
	api.Get("/conversation", s.handleConversation)

	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	return s
}

// subscribe forwards conversation callbacks to the event hub.
func (s *Server) subscribe() {
	s.conv.OnStateChange(func(prev, next session.State) {
		s.publish(hub.Event{Type: hub.EventState, Prev: prev.String(), State: next.String()})
	})
	s.conv.OnTranscript(func(t session.Transcript) {
		s.publish(hub.Event{Type: hub.EventTranscript, Role: string(t.Role), Text: t.Text, At: t.At})
	})
	s.conv.OnError(func(err error) {
		s.publish(hub.Event{Type: hub.EventError, Error: err.Error()})
	})
	if sn, ok := s.conv.(speechNotifier); ok {
		sn.OnSpeechStart(func() {
			s.publish(hub.Event{Type: hub.EventSpeech})
		})
	}
}

func (s *Server) publish(ev hub.Event) {
	if err := s.events.BroadcastEvent(ev); err != nil {
		s.logger.Warn("encoding event", "type", ev.Type, "error", err)
	}
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Events returns the event hub.
func (s *Server) Events() *hub.Hub {
	return s.events
}

// Run listens on the configured address and serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.events.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		errCh <- s.app.Listener(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.app.ShutdownWithContext(shutdownCtx)
	}
}

// handleError renders every error as JSON.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
