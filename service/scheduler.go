package service

import (
	"context"
	"fmt"
	"storefront-api/logger"
	"storefront-api/repository"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const refreshPurgeInterval = time.Hour

// Scheduler runs the periodic maintenance jobs of the auth core. The jobs
// are ordinary methods so tests can run them synchronously.
type Scheduler struct {
	cron          *cron.Cron
	blacklist     *TokenBlacklist
	statuses      *UserStatusCache
	tokens        repository.ITokenRepository
	sweepInterval time.Duration
	now           Clock
}

func NewScheduler(blacklist *TokenBlacklist, statuses *UserStatusCache, tokens repository.ITokenRepository, sweepInterval time.Duration, clock Clock) *Scheduler {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Scheduler{
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		blacklist:     blacklist,
		statuses:      statuses,
		tokens:        tokens,
		sweepInterval: sweepInterval,
		now:           clockOrNow(clock),
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(every(s.sweepInterval), s.SweepRevocations); err != nil {
		return fmt.Errorf("register revocation sweep: %w", err)
	}
	if _, err := s.cron.AddFunc(every(refreshPurgeInterval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.PurgeExpiredRefreshTokens(ctx)
	}); err != nil {
		return fmt.Errorf("register refresh token purge: %w", err)
	}

	s.cron.Start()
	logger.Log.WithField("sweep_interval", s.sweepInterval.String()).Info("Auth maintenance jobs started")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Log.Info("Auth maintenance jobs stopped")
}

// SweepRevocations evicts expired blacklist entries and stale regular-tier
// cache entries.
func (s *Scheduler) SweepRevocations() {
	tokens, families := s.blacklist.CleanExpired()
	statuses := s.statuses.CleanExpired()

	logger.Log.WithFields(logrus.Fields{
		"tokens_cleaned":   tokens,
		"families_cleaned": families,
		"statuses_cleaned": statuses,
	}).Debug("Revocation sweep finished")
}

// PurgeExpiredRefreshTokens deletes refresh token rows past their expiry.
func (s *Scheduler) PurgeExpiredRefreshTokens(ctx context.Context) {
	deleted, err := s.tokens.DeleteExpired(ctx, s.now())
	if err != nil {
		logger.Log.WithError(err).Error("Failed to purge expired refresh tokens")
		return
	}
	if deleted > 0 {
		logger.Log.WithField("deleted", deleted).Info("Expired refresh tokens purged")
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
