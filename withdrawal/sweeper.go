/*
sweeper.go - Background housekeeping for withdrawals

PURPOSE:
  Periodically:
  1. Rejects requests that waited for a human decision longer than TTL.
     The rejection is recorded for the stage the request sits in, under
     actor "system", and reverses the reserve like any other rejection.
  2. Resumes requests stuck in an intermediate state after a failed side
     effect (reversal post or payout notification).
  3. Prunes expired idempotency records, when a Pruner is configured.

DESIGN:
  - One goroutine driven by a ticker, stopped through a channel
  - Each pass is independent; a failure on one request is logged and the
    pass continues

USAGE:
  sweeper := withdrawal.NewSweeper(engine, repo, 72*time.Hour)
  sweeper.Start()
  defer sweeper.Stop()
*/
package withdrawal

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pruner deletes idempotency records that expired before a time.
type Pruner interface {
	PruneIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// SweepReport summarizes one pass.
type SweepReport struct {
	Expired int
	Resumed int
	Pruned  int64
	Failed  int
}

// Sweeper runs expiry and recovery passes in the background.
type Sweeper struct {
	Engine        *Engine
	Repo          Repository
	Pruner        Pruner // optional
	TTL           time.Duration
	CheckInterval time.Duration
	Clock         func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewSweeper(engine *Engine, repo Repository, ttl time.Duration) *Sweeper {
	return &Sweeper{
		Engine:        engine,
		Repo:          repo,
		TTL:           ttl,
		CheckInterval: time.Minute,
		Clock:         func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	log.WithFields(log.Fields{"interval": s.CheckInterval, "ttl": s.TTL}).Info("withdrawal sweeper started")
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	log.Info("withdrawal sweeper stopped")
}

func (s *Sweeper) run(ticker *time.Ticker, stop chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.CheckInterval)
			report := s.Sweep(ctx)
			cancel()
			if report != (SweepReport{}) {
				log.WithFields(log.Fields{
					"expired": report.Expired,
					"resumed": report.Resumed,
					"pruned":  report.Pruned,
					"failed":  report.Failed,
				}).Info("withdrawal sweep finished")
			}
		case <-stop:
			return
		}
	}
}

// Sweep performs one pass and reports what it did.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.Clock()

	if s.TTL > 0 {
		pending, err := s.Repo.ListWithdrawals(ctx, StateRequested, StateStaffApproved)
		if err != nil {
			log.WithError(err).Error("sweeper: list pending withdrawals")
			report.Failed++
		}
		cutoff := now.Add(-s.TTL)
		for _, req := range pending {
			if !req.CreatedAt.Before(cutoff) {
				continue
			}
			role, _ := StageRole(req.State)
			if _, err := s.Engine.Decide(ctx, req.ID, role, Reject, SystemActor); err != nil {
				log.WithFields(log.Fields{"withdrawal": req.ID, "error": err}).Warn("sweeper: expire withdrawal")
				report.Failed++
				continue
			}
			report.Expired++
		}
	}

	stuck, err := s.Repo.ListWithdrawals(ctx, StateStaffRejected, StateAdminRejected, StateAdminApproved)
	if err != nil {
		log.WithError(err).Error("sweeper: list stuck withdrawals")
		report.Failed++
	}
	for _, req := range stuck {
		if _, err := s.Engine.Resume(ctx, req.ID); err != nil {
			log.WithFields(log.Fields{"withdrawal": req.ID, "error": err}).Warn("sweeper: resume withdrawal")
			report.Failed++
			continue
		}
		report.Resumed++
	}

	if s.Pruner != nil {
		n, err := s.Pruner.PruneIdempotency(ctx, now)
		if err != nil {
			log.WithError(err).Error("sweeper: prune idempotency records")
			report.Failed++
		}
		report.Pruned = n
	}

	return report
}
