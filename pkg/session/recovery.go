package session

import (
	"time"

	"github.com/teslashibe/go-voiceloop/pkg/metrics"
)

// RecoveryPolicy decides what follows a failed turn: listening resumes after
// Delay, unless MaxConsecutiveFailures failures in a row have exhausted it.
type RecoveryPolicy struct {
	Delay                  time.Duration
	MaxConsecutiveFailures int
}

// NewRecoveryPolicy returns the policy described by cfg.
func NewRecoveryPolicy(cfg Config) RecoveryPolicy {
	return RecoveryPolicy{
		Delay:                  cfg.RecoveryDelay,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
	}
}

// Exhausted reports whether failures consecutive failures end the session.
func (p RecoveryPolicy) Exhausted(failures int) bool {
	return p.MaxConsecutiveFailures > 0 && failures >= p.MaxConsecutiveFailures
}

// Schedule calls resume once Delay has elapsed. Stopping the returned timer
// abandons the recovery.
func (p RecoveryPolicy) Schedule(resume func()) *time.Timer {
	return time.AfterFunc(p.Delay, resume)
}

// resumable reports whether s still holds the audio resources listening
// needs.
func (s *audioSession) resumable() bool {
	return s != nil && s.source != nil && s.graph != nil && s.recorder != nil && s.profile != nil
}

// recover resumes listening after a failed turn if the session is still
// current and still holds its audio resources.
func (c *Controller) recover(gen uint64) {
	c.mu.Lock()
	s := c.currentLocked(gen)
	if !s.resumable() {
		c.mu.Unlock()
		c.metrics.RecordRecovery(metrics.RecoveryAbandoned)
		c.logger.Debug("recovery skipped, session gone")
		return
	}
	c.recovery = nil
	c.lastErr = nil
	c.listenLocked(gen, s)
	c.unlockAndDispatch()

	c.metrics.RecordRecovery(metrics.RecoveryResumed)
	c.logger.Info("recovered, listening again", "session", s.id)
}
