// Package housekeeping periodically removes expired sessions and
// verification codes from an adapter.
package housekeeping

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

// DefaultInterval is used when a non-positive interval is given.
const DefaultInterval = 1 * time.Hour

// Result counts the records removed by one sweep.
type Result struct {
	Sessions int
	Codes    int
}

// Service runs Sweep on a ticker until stopped.
type Service struct {
	Adapter  simpleauth.Adapter
	Logger   *slog.Logger
	Interval time.Duration
	Now      func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a housekeeping service. If interval is 0 or negative it
// defaults to one hour.
func New(adapter simpleauth.Adapter, logger *slog.Logger, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		Adapter:  adapter,
		Logger:   logger,
		Interval: interval,
		Now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background worker. It does not block; call Stop to
// shut it down.
func (s *Service) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop signals the worker and waits for any in-progress sweep to finish.
func (s *Service) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *Service) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Sweep immediately on startup
	_, _ = s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			_, _ = s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep deletes expired sessions and codes once. The two deletions are
// independent: a failure in one does not skip the other, and the first
// error is returned alongside whatever was removed.
func (s *Service) Sweep(ctx context.Context) (Result, error) {
	now := s.Now()
	var (
		res      Result
		firstErr error
	)

	// 1. Expired sessions
	n, err := s.Adapter.Sessions().DeleteExpiredSessions(ctx, now)
	if err != nil {
		s.Logger.Error("failed to delete expired sessions", "error", err)
		firstErr = err
	} else {
		res.Sessions = n
	}

	// 2. Expired verification codes
	n, err = s.Adapter.Codes().DeleteExpiredCodes(ctx, now)
	if err != nil {
		s.Logger.Error("failed to delete expired codes", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else {
		res.Codes = n
	}

	s.Logger.Info("housekeeping sweep completed",
		"sessions_deleted", res.Sessions,
		"codes_deleted", res.Codes,
	)
	return res, firstErr
}
