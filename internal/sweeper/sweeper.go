// Package sweeper re-emits proof-ready events whose dispatch never happened:
// rows that never reached the queue, and rows that were enqueued but whose
// order still has no notification attempts.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"prooflink/internal/domain"
	"prooflink/internal/observability"
	"prooflink/internal/util"
)

type Store interface {
	ListUnenqueuedEvents(ctx context.Context, minAge time.Duration, limit int, now time.Time) ([]domain.OutboxEvent, error)
	ListStalledEvents(ctx context.Context, grace time.Duration, limit int, now time.Time) ([]domain.OutboxEvent, error)
	MarkEventEnqueued(ctx context.Context, eventID string, now time.Time) error
	TouchEventEnqueued(ctx context.Context, eventID string, now time.Time) error
}

type Queue interface {
	EnqueueProofReady(ctx context.Context, orderID, eventID string) error
}

type Sweeper struct {
	Store     Store
	Queue     Queue
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int

	// StalledGrace is how long an enqueued event may sit with zero attempts
	// for its order before it is treated as lost and re-emitted.
	StalledGrace time.Duration
}

// Run sweeps on a fixed interval until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				slog.Error("sweep failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("sweep re-emitted events", "count", n)
			}
		}
	}
}

// SweepOnce re-enqueues one batch of stuck outbox rows and reports how many
// it moved. A row that fails to enqueue stays eligible for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	moved, err := s.sweepUnenqueued(ctx)
	if err != nil {
		return moved, err
	}
	stalled, err := s.sweepStalled(ctx)
	return moved + stalled, err
}

func (s *Sweeper) sweepUnenqueued(ctx context.Context) (int, error) {
	events, err := s.Store.ListUnenqueuedEvents(ctx, s.MinAge, s.BatchSize, util.NowUTC())
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range events {
		if err := s.Queue.EnqueueProofReady(ctx, e.OrderID, e.ID); err != nil {
			slog.Error("sweep enqueue failed", "err", err, "event_id", e.ID, "order_id", e.OrderID)
			continue
		}
		if err := s.Store.MarkEventEnqueued(ctx, e.ID, util.NowUTC()); err != nil {
			// Worst case the next pass enqueues again; the dispatch job is
			// deduplicated by event id and attempts are idempotent to re-read.
			slog.Error("sweep mark enqueued failed", "err", err, "event_id", e.ID)
		}
		observability.SweeperReemits.Inc()
		moved++
	}
	return moved, nil
}

// sweepStalled covers jobs lost after the enqueue: redrive exhausted, queue
// purged, worker crashed before its first ledger write. The enqueued event is
// re-emitted under a fresh event id because the original id may still be
// inside the queue's deduplication window.
func (s *Sweeper) sweepStalled(ctx context.Context) (int, error) {
	events, err := s.Store.ListStalledEvents(ctx, s.StalledGrace, s.BatchSize, util.NowUTC())
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range events {
		if err := s.Queue.EnqueueProofReady(ctx, e.OrderID, util.NewEventID()); err != nil {
			slog.Error("stalled re-emit failed", "err", err, "event_id", e.ID, "order_id", e.OrderID)
			continue
		}
		// Restart the grace clock so the order is not re-emitted every pass
		// while the fresh job is in flight.
		if err := s.Store.TouchEventEnqueued(ctx, e.ID, util.NowUTC()); err != nil {
			slog.Error("stalled touch failed", "err", err, "event_id", e.ID)
		}
		observability.SweeperReemits.Inc()
		moved++
	}
	return moved, nil
}
