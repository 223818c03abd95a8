package compensation

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/domain"
)

// Reverser posts the reversing credit on the origin account.
type Reverser interface {
	PostMovement(ctx context.Context, req accountclient.MovementRequest) error
}

// RetryKey is the idempotency key of reversal attempt n for a transfer key.
func RetryKey(transferKey string, n int) string {
	return fmt.Sprintf("%s-estorno-retry%d", transferKey, n)
}

// Worker sweeps Pending and Processing records with budget left and tries one
// reversal per record per sweep. Records are never deleted.
type Worker struct {
	queue    *Queue
	reverser Reverser
	interval time.Duration
	logger   *zap.Logger
}

func NewWorker(q *Queue, r Reverser, interval time.Duration, logger *zap.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{queue: q, reverser: r, interval: interval, logger: logger.Named("compensation-worker")}
}

func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("worker started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
			if _, _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep makes one pass over the queue.
func (w *Worker) Sweep(ctx context.Context) (resolved, failed int, err error) {
	records, err := w.queue.List(ctx, domain.CompensationPendingStatus, domain.CompensationProcessing)
	if err != nil {
		return 0, 0, errors.Wrap(err, "list compensations")
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if !rec.CanAutoRetry() {
			continue
		}
		switch w.attempt(ctx, rec.ID) {
		case attemptResolved:
			resolved++
		case attemptFailed:
			failed++
		}
	}
	return resolved, failed, nil
}

type attemptOutcome int

const (
	attemptSkipped attemptOutcome = iota
	attemptResolved
	attemptFailed
)

// attempt claims the record, posts the reversal and records the outcome. The
// claim keeps operators from resolving the record while the credit is in
// flight.
func (w *Worker) attempt(ctx context.Context, id string) attemptOutcome {
	log := w.logger.With(zap.String("compensation_id", id))

	rec, ok, err := w.queue.Claim(ctx, id)
	if err != nil {
		log.Error("claim failed", zap.Error(err))
		return attemptFailed
	}
	if !ok {
		log.Debug("record not claimable")
		return attemptSkipped
	}

	n := rec.Attempts + 1
	key := RetryKey(rec.IdempotencyKey, n)
	log = log.With(zap.Int("attempt", n))

	postErr := w.reverser.PostMovement(ctx, accountclient.MovementRequest{
		AccountID:      rec.OriginAccountID,
		IdempotencyKey: key,
		Kind:           domain.Credit,
		Amount:         rec.Amount,
	})

	var (
		updateErr error
		overtaken domain.CompensationStatus
	)
	if postErr == nil {
		_, updateErr = w.queue.mutate(ctx, id, "resolved", func(r *domain.CompensationPending, now time.Time) error {
			r.Attempts = n
			r.LastAttemptAt = &now
			r.History = append(r.History, fmt.Sprintf("[attempt %d %s] reversal applied", n, now.Format(time.RFC3339)))
			if r.Status != domain.CompensationProcessing {
				// The claim lapsed and someone else settled the record.
				overtaken = r.Status
				r.AddNote(fmt.Sprintf("automatic reversal attempt %d was applied after the record moved to %s", n, r.Status), now)
				return nil
			}
			r.Resolve(fmt.Sprintf("automatic reversal succeeded on attempt %d", n), now)
			return nil
		})
	} else {
		_, updateErr = w.queue.mutate(ctx, id, "attempt_failed", func(r *domain.CompensationPending, now time.Time) error {
			if r.Status != domain.CompensationProcessing {
				overtaken = r.Status
				r.History = append(r.History, fmt.Sprintf("[attempt %d %s] %s", n, now.Format(time.RFC3339), postErr.Error()))
				return nil
			}
			r.RecordAttempt(postErr.Error(), now)
			return nil
		})
	}
	if updateErr != nil {
		// Attempts did not advance, so the next claim reuses the same key and
		// the ledger replays instead of crediting twice.
		log.Error("compensation update failed", zap.NamedError("post_error", postErr), zap.Error(updateErr))
		return attemptFailed
	}
	if overtaken != "" {
		log.Error("record changed while the reversal was in flight",
			zap.String("status", string(overtaken)), zap.NamedError("post_error", postErr))
	}

	if postErr != nil {
		log.Warn("reversal attempt failed", zap.Error(postErr))
		return attemptFailed
	}
	log.Info("reversal applied")
	return attemptResolved
}
