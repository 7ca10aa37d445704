/*
scheduler.go - Background maintenance jobs

PURPOSE:
  Runs the periodic jobs that keep the ledger tidy:
  - claim expiry:        active claims past expires_at become expired
  - reservation sweep:   checkout reservations abandoned longer than the
                         TTL are released and their coins returned
  - consistency audit:   every account's counter is compared with the sum
                         of its log; divergences are logged and counted

DESIGN:
  - gocron scheduler, one duration job per concern
  - Singleton mode: a slow run is never overlapped by the next tick
  - A zero interval disables the job
  - Each job is also callable directly (admin tooling, tests)

USAGE:
  s, err := NewScheduler(h, cfg.Program.Jobs, cfg.Program.ReservationTTL)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - config/config.go: Jobs intervals
  - checkout/service.go: ReleaseStale
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/ledger"
)

// Scheduler owns the maintenance jobs.
type Scheduler struct {
	Handler        *Handler
	Jobs           config.Jobs
	ReservationTTL time.Duration

	sched gocron.Scheduler
}

// NewScheduler registers the enabled jobs. Nothing runs until Start.
func NewScheduler(h *Handler, jobs config.Jobs, reservationTTL time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	s := &Scheduler{Handler: h, Jobs: jobs, ReservationTTL: reservationTTL, sched: sched}

	for _, job := range []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{"claim-expiry", jobs.ClaimExpiry, s.ExpireClaims},
		{"reservation-sweep", jobs.ReservationSweep, s.ReleaseStale},
		{"consistency-audit", jobs.ConsistencyAudit, s.AuditConsistency},
	} {
		if job.interval <= 0 {
			h.Log.WithField("job", job.name).Info("scheduler: job disabled")
			continue
		}
		if _, err := sched.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(s.runner(job.name, job.run)),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runner(name string, run func(ctx context.Context) error) func() {
	return func() {
		start := time.Now()
		log := s.Handler.Log.WithField("job", name)
		if err := run(context.Background()); err != nil {
			log.WithError(err).Error("scheduler: job failed")
			return
		}
		log.WithField("took", time.Since(start)).Debug("scheduler: job done")
	}
}

// Start begins the scheduler.
func (s *Scheduler) Start() {
	s.sched.Start()
	s.Handler.Log.WithField("jobs", len(s.sched.Jobs())).Info("scheduler: started")
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() error {
	return s.sched.Shutdown()
}

// =============================================================================
// JOBS
// =============================================================================

// ExpireClaims moves expired claims to the expired status.
func (s *Scheduler) ExpireClaims(ctx context.Context) error {
	_, err := s.Handler.Rewards.ExpireClaims(ctx)
	return err
}

// ReleaseStale releases reservations older than ReservationTTL.
func (s *Scheduler) ReleaseStale(ctx context.Context) error {
	_, err := s.Handler.Checkout.ReleaseStale(ctx, s.ReservationTTL)
	return err
}

// AuditConsistency verifies every account. It returns an error listing the
// divergent accounts; the audit itself keeps going past each one.
func (s *Scheduler) AuditConsistency(ctx context.Context) error {
	ids, err := ledger.CallValue(ctx, s.Handler.Ledger.Timeout, "list accounts", func(ctx context.Context) ([]ledger.AccountID, error) {
		return s.Handler.Store.ListAccountIDs(ctx)
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		err := s.Handler.Ledger.VerifyConsistency(ctx, id)
		if err == nil {
			continue
		}
		var div *ledger.DivergenceError
		if errors.As(err, &div) {
			s.Handler.Log.WithField("account_id", id).
				WithField("counter", div.Counter).
				WithField("log_sum", div.LogSum).
				Error("scheduler: balance diverged from log")
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
