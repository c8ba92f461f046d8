package vad

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Calibrator measures the ambient noise floor.
type Calibrator struct {
	cfg    Config
	logger *slog.Logger
}

// NewCalibrator creates a calibrator with the given config.
func NewCalibrator(cfg Config) *Calibrator {
	return &Calibrator{
		cfg:    cfg,
		logger: cfg.logger().With("component", "vad.calibrator"),
	}
}

// Calibrate samples the level every SampleInterval for CalibrationWindow and
// returns the mean as the baseline. It returns early only on a sampler error
// or context cancellation.
func (c *Calibrator) Calibrate(ctx context.Context, sampler LevelSampler) (NoiseProfile, error) {
	n := int(c.cfg.CalibrationWindow / c.cfg.SampleInterval)
	levels := make([]float64, 0, n)

	ticker := time.NewTicker(c.cfg.SampleInterval)
	defer ticker.Stop()

	for len(levels) < n {
		select {
		case <-ctx.Done():
			return NoiseProfile{}, ctx.Err()
		case <-ticker.C:
			lvl, err := sampler.Level()
			if err != nil {
				return NoiseProfile{}, fmt.Errorf("vad: calibration sample: %w", err)
			}
			levels = append(levels, lvl)
		}
	}

	profile := NewNoiseProfile(Mean(levels), c.cfg)
	profile.Samples = len(levels)
	profile.CalibratedAt = time.Now()

	c.logger.Info("noise floor calibrated",
		"baseline", profile.Baseline,
		"threshold", profile.Threshold,
		"samples", profile.Samples,
	)
	return profile, nil
}

// Mean returns the arithmetic mean of levels, or 0 for none.
func Mean(levels []float64) float64 {
	if len(levels) == 0 {
		return 0
	}
	var sum float64
	for _, l := range levels {
		sum += l
	}
	return sum / float64(len(levels))
}
