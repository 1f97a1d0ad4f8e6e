package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vendaro/vendaro/internal/money"
)

// Timer periodically checks for funded escrows past their deadline and
// auto-releases them to the seller.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseExpired(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseExpired(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseExpired(ctx)
}

func (t *Timer) releaseExpired(ctx context.Context) {
	expired, err := t.store.ListExpired(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return
	}

	for _, escrow := range expired {
		err := t.service.AutoRelease(ctx, escrow.ID)
		if errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrInvalidStatus) {
			// A confirmation or dispute won the race. Nothing to do.
			continue
		}
		if err != nil {
			t.logger.Warn("failed to auto-release escrow",
				"escrow_id", escrow.ID,
				"error", err,
			)
			continue
		}
		t.logger.Info("auto-released escrow",
			"escrow_id", escrow.ID,
			"buyer_id", escrow.BuyerID,
			"seller_id", escrow.SellerID,
			"amount", money.Format(escrow.Amount),
			"currency", escrow.Currency,
		)
	}
}
