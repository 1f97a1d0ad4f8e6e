// Package expiry runs the background sweep that settles abandoned work:
// deposit intents that never got a gateway callback, withdrawals stuck in
// flight, and escrow offers nobody funded.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TransactionSweeper settles stale ledger transactions.
type TransactionSweeper interface {
	SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// EscrowSweeper cancels stale unfunded escrows.
type EscrowSweeper interface {
	SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Job periodically sweeps both stores. The owning services hold the actual
// transition logic; the job is only the clock.
type Job struct {
	txns      TransactionSweeper
	escrows   EscrowSweeper
	txnTTL    time.Duration
	escrowTTL time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewJob creates an expiry job.
func NewJob(txns TransactionSweeper, escrows EscrowSweeper, txnTTL, escrowTTL, interval time.Duration, logger *slog.Logger) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Job{
		txns:      txns,
		escrows:   escrows,
		txnTTL:    txnTTL,
		escrowTTL: escrowTTL,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (j *Job) Running() bool {
	return j.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (j *Job) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeSweep(ctx)
		}
	}
}

// Stop signals the job to stop.
func (j *Job) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Job) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in expiry sweep", "panic", fmt.Sprint(r))
		}
	}()
	j.Sweep(ctx)
}

// Sweep runs one pass over both stores. Exposed so operators can trigger it
// on demand.
func (j *Job) Sweep(ctx context.Context) {
	if j.txns != nil && j.txnTTL > 0 {
		n, err := j.txns.SweepStalePending(ctx, j.txnTTL, 100)
		if err != nil {
			j.logger.Warn("transaction sweep failed", "error", err)
		} else if n > 0 {
			j.logger.Info("settled stale transactions", "count", n)
		}
	}

	if j.escrows != nil && j.escrowTTL > 0 {
		n, err := j.escrows.SweepStalePending(ctx, j.escrowTTL, 100)
		if err != nil {
			j.logger.Warn("escrow sweep failed", "error", err)
		} else if n > 0 {
			j.logger.Info("cancelled stale escrows", "count", n)
		}
	}
}
