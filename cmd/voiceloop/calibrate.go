package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-voiceloop/internal/log"
	"github.com/teslashibe/go-voiceloop/pkg/audioio"
	"github.com/teslashibe/go-voiceloop/pkg/vad"
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Measure the microphone noise floor and print the detection threshold",
	Long: `Open the microphone, sample its level for the calibration window and print
the resulting baseline and speech threshold. Stay quiet while it runs.`,
	RunE: runCalibrate,
}

func init() {
	rootCmd.AddCommand(calibrateCmd)
}

func runCalibrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := audioio.NewSource(cfg.Microphone, log.Component("audioio.source"))
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	defer src.Close()

	if err := src.Start(ctx); err != nil {
		return fmt.Errorf("start microphone: %w", err)
	}
	defer src.Stop()

	graph := audioio.NewGraph(src, log.Component("audioio.graph"))
	graph.Start(ctx)
	defer graph.Close()

	vcfg := cfg.Session.VAD
	vcfg.Logger = logger
	logger.Info("calibrating", "window", vcfg.CalibrationWindow, "device", src.Name())

	profile, err := vad.NewCalibrator(vcfg).Calibrate(ctx, graph)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "baseline:  %.4f\n", profile.Baseline)
	fmt.Fprintf(out, "threshold: %.4f (x%.1f)\n", profile.Threshold, vcfg.ThresholdMultiplier)
	fmt.Fprintf(out, "samples:   %d\n", profile.Samples)
	return nil
}
