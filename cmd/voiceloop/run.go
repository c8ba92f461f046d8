package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voiceloop/internal/config"
	"github.com/teslashibe/go-voiceloop/internal/log"
	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/backend"
	"github.com/teslashibe/go-voiceloop/pkg/metrics"
	"github.com/teslashibe/go-voiceloop/pkg/session"
	"github.com/teslashibe/go-voiceloop/pkg/web"
)

var (
	runAddr   string
	runManual bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the conversation loop and the control server",
	Long: `Start the control server and, unless --manual is set, begin a conversation
session immediately. The session can be stopped and restarted through
POST /api/session/stop and /api/session/start.`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "listen address (overrides web.addr)")
	runCmd.Flags().BoolVar(&runManual, "manual", false, "wait for POST /api/session/start instead of starting immediately")
	rootCmd.AddCommand(runCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if runAddr != "" {
		cfg.Web.Addr = runAddr
	}
	if cfg.Web.StartTimeout <= 0 {
		cfg.Web.StartTimeout = web.DefaultConfig().StartTimeout
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	ctrl, err := newController(cfg, m)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	cfg.Web.Logger = log.Component("web")
	srv := web.NewServer(cfg.Web, ctrl, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if !runManual {
		g.Go(func() error {
			startCtx, cancel := context.WithTimeout(gctx, cfg.Web.StartTimeout)
			defer cancel()
			// A failed start leaves the server up so the session can be
			// retried through the API.
			if err := ctrl.Start(startCtx); err != nil {
				logger.Error("session start failed", "error", err)
			}
			return nil
		})
	}

	logger.Info("voiceloop running",
		"addr", cfg.Web.Addr,
		"backend", cfg.Backend.Kind,
		"microphone", cfg.Microphone.Backend,
	)

	err = g.Wait()
	if cerr := ctrl.Close(); cerr != nil {
		logger.Warn("closing speaker", "error", cerr)
	}
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}
	return err
}

// newController assembles the backend, speaker and conversation controller.
func newController(cfg *config.Config, m *metrics.Metrics) (*session.Controller, error) {
	opts := append(cfg.BackendOptions(), backend.WithLogger(log.Component("backend")))
	b, err := backend.New(cfg.Backend.Kind, opts...)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}

	sink, err := audioio.NewSink(cfg.Speaker, log.Component("audioio.sink"))
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}

	cfg.Session.Logger = log.Component("session")
	mic := session.SourceMicrophone(cfg.Microphone, log.Component("audioio.source"))

	ctrl, err := session.NewController(mic, b, sink, cfg.Session, session.WithMetrics(m))
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return ctrl, nil
}
