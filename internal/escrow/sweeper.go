package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/marketescrow/internal/metrics"
	"github.com/mbd888/marketescrow/internal/pagination"
)

const (
	// DefaultSweepInterval is how often the sweeper looks for lapsed escrows.
	DefaultSweepInterval = 60 * time.Second

	sweepPageSize = 500
)

// SweepReport summarises one sweeper pass.
type SweepReport struct {
	Scanned      int `json:"scanned"`
	Cancelled    int `json:"cancelled"`
	AutoReleased int `json:"autoReleased"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Sweeper periodically cancels unpaid escrows and auto-releases confirmed
// ones once their window has lapsed. Several sweepers may run against the
// same store; the version check makes the loser a no-op.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a new escrow sweeper.
func NewSweeper(service *Service, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the sweep interval.
func (w *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Running reports whether the sweeper loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. It is safe to call more than once.
func (w *Sweeper) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.SweepOnce(ctx)
}

// SweepOnce runs a single pass over every timed escrow and reports what it
// did. Candidates are read in pages of sweepPageSize, oldest first.
// Per-transaction failures are logged and counted, never returned.
func (w *Sweeper) SweepOnce(ctx context.Context) SweepReport {
	start := time.Now()
	metrics.SweepRunsTotal.Inc()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var report SweepReport
	var after *pagination.Cursor
	for ctx.Err() == nil {
		page, err := w.service.store.ListByStatus(ctx, []Status{StatusPendingPayment, StatusBuyerConfirmed}, sweepPageSize, after)
		if err != nil {
			w.logger.Warn("failed to list escrows for sweep", "error", err)
			return report
		}
		for _, tx := range page {
			if ctx.Err() != nil {
				break
			}
			w.sweep(ctx, tx, &report)
		}
		if len(page) < sweepPageSize {
			break
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt(), ID: last.ID}
	}
	return report
}

func (w *Sweeper) sweep(ctx context.Context, tx *Transaction, report *SweepReport) {
	report.Scanned++

	action, ok := w.service.due(tx)
	if !ok {
		report.Skipped++
		return
	}

	result, applied, err := w.service.runTimeout(ctx, tx.ID, action)
	if err != nil {
		// Someone else moved it first (buyer paid, dispute raised).
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrTerminal) {
			metrics.SweepTransitionsTotal.WithLabelValues(string(action), "superseded").Inc()
			report.Skipped++
			return
		}
		metrics.SweepTransitionsTotal.WithLabelValues(string(action), "failed").Inc()
		report.Failed++
		w.logger.Warn("escrow sweep transition failed",
			"transaction_id", tx.ID,
			"action", action,
			"error", err,
		)
		return
	}
	if !applied {
		// Another sweeper got there first.
		metrics.SweepTransitionsTotal.WithLabelValues(string(action), "superseded").Inc()
		report.Skipped++
		return
	}

	metrics.SweepTransitionsTotal.WithLabelValues(string(action), "ok").Inc()
	switch result.Status {
	case StatusCancelled:
		report.Cancelled++
	case StatusCompleted:
		report.AutoReleased++
	}
	w.logger.Info("escrow timed out",
		"transaction_id", tx.ID,
		"action", action,
		"status", result.Status,
		"listing_id", result.ListingID,
	)
}
