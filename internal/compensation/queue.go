// Package compensation keeps the durable queue of transfers whose reversing
// credit could not be applied automatically, and the worker that keeps
// retrying them.
package compensation

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/store"
)

var queueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "compensation_queue_events_total",
	Help: "Compensation queue transitions",
}, []string{"event"})

// Escalation describes a saga whose compensation budget ran out.
type Escalation struct {
	TransferID      string
	IdempotencyKey  string
	OriginAccountID string
	Amount          decimal.Decimal
	Attempts        int
	History         []string
}

// DefaultClaimLease bounds how long a claimed record stays reserved for the
// attempt that claimed it.
const DefaultClaimLease = 5 * time.Minute

var errNotClaimable = errors.New("compensation not claimable")

type Queue struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
	lease  time.Duration
}

func NewQueue(s store.Store, logger *zap.Logger) *Queue {
	return &Queue{store: s, logger: logger.Named("compensation"), now: time.Now, lease: DefaultClaimLease}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

func (q *Queue) WithClaimLease(lease time.Duration) *Queue {
	if lease > 0 {
		q.lease = lease
	}
	return q
}

// Escalate records the failed compensation as EscaladoManual and stages a
// CompensationPending alert in the same commit.
func (q *Queue) Escalate(ctx context.Context, in Escalation) (domain.CompensationPending, error) {
	now := q.now().UTC()
	rec := domain.CompensationPending{
		ID:              domain.NewID(),
		TransferID:      in.TransferID,
		IdempotencyKey:  in.IdempotencyKey,
		OriginAccountID: in.OriginAccountID,
		Amount:          domain.RoundMoney(in.Amount),
		Attempts:        in.Attempts,
		MaxAttempts:     in.Attempts,
		Status:          domain.CompensationEscalated,
		History:         append([]string(nil), in.History...),
		CreatedAt:       now,
		LastAttemptAt:   &now,
	}

	ev, err := outbox.NewEvent(domain.TopicCompensationsPending, outbox.EventCompensationRaised, rec.OriginAccountID,
		domain.CompensationRaised{
			CompensationID:  rec.ID,
			TransferID:      rec.TransferID,
			OriginAccountID: rec.OriginAccountID,
			Amount:          rec.Amount,
			Attempts:        rec.Attempts,
			OccurredAt:      now,
		}, now)
	if err != nil {
		return domain.CompensationPending{}, err
	}

	err = q.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertCompensation(ctx, rec); err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, ev)
	})
	if err != nil {
		return domain.CompensationPending{}, errors.Wrap(err, "persist compensation pending")
	}

	queueOutcomes.WithLabelValues("escalated").Inc()
	q.logger.Error("compensation escalated to manual handling",
		zap.String("compensation_id", rec.ID),
		zap.String("transfer_id", rec.TransferID),
		zap.String("origin_account_id", rec.OriginAccountID),
		zap.String("amount", rec.Amount.StringFixed(domain.MoneyPlaces)),
		zap.Int("attempts", rec.Attempts))
	return rec, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.CompensationPending, error) {
	rec, err := q.store.GetCompensation(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Errorf(domain.CodeNotFound, "compensation %s not found", id)
	}
	return rec, err
}

// List returns records in the given statuses, all when none are given.
func (q *Queue) List(ctx context.Context, statuses ...domain.CompensationStatus) ([]domain.CompensationPending, error) {
	return q.store.ListCompensations(ctx, statuses...)
}

// Resolve closes the record. The operator confirms the reversal (or the
// decision not to reverse) happened outside the automatic path.
func (q *Queue) Resolve(ctx context.Context, id, notes string) (*domain.CompensationPending, error) {
	return q.mutate(ctx, id, "resolved", func(rec *domain.CompensationPending, now time.Time) error {
		if rec.Status == domain.CompensationResolved {
			return domain.Errorf(domain.CodeInvalidValue, "compensation %s is already resolved", id)
		}
		if rec.InFlight(now, q.lease) {
			return inFlight(id)
		}
		rec.Resolve(notes, now)
		return nil
	})
}

func (q *Queue) AddNote(ctx context.Context, id, note string) (*domain.CompensationPending, error) {
	if strings.TrimSpace(note) == "" {
		return nil, domain.Errorf(domain.CodeInvalidValue, "note must not be empty")
	}
	return q.mutate(ctx, id, "noted", func(rec *domain.CompensationPending, now time.Time) error {
		rec.AddNote(note, now)
		return nil
	})
}

// Requeue hands an unresolved record back to the worker with extra attempts.
func (q *Queue) Requeue(ctx context.Context, id string, extra int) (*domain.CompensationPending, error) {
	if extra <= 0 {
		return nil, domain.Errorf(domain.CodeInvalidValue, "extra attempts must be positive")
	}
	return q.mutate(ctx, id, "requeued", func(rec *domain.CompensationPending, now time.Time) error {
		if rec.Status == domain.CompensationResolved {
			return domain.Errorf(domain.CodeInvalidValue, "compensation %s is already resolved", id)
		}
		if rec.InFlight(now, q.lease) {
			return inFlight(id)
		}
		rec.Requeue(extra)
		rec.AddNote("requeued for automatic retry", now)
		return nil
	})
}

// Claim reserves a record for one automatic reversal attempt. It reports false
// when the record is settled, out of budget or held by a live claim.
func (q *Queue) Claim(ctx context.Context, id string) (*domain.CompensationPending, bool, error) {
	rec, err := q.mutate(ctx, id, "claimed", func(rec *domain.CompensationPending, now time.Time) error {
		if !rec.CanAutoRetry() || rec.InFlight(now, q.lease) {
			return errNotClaimable
		}
		rec.Claim(now)
		return nil
	})
	if errors.Is(err, errNotClaimable) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func inFlight(id string) error {
	return domain.Errorf(domain.CodeDuplicateRequest, "compensation %s has a reversal attempt in flight; retry shortly", id)
}

func (q *Queue) mutate(
	ctx context.Context,
	id, event string,
	fn func(rec *domain.CompensationPending, now time.Time) error,
) (*domain.CompensationPending, error) {
	var out *domain.CompensationPending
	err := q.store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.GetCompensation(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Errorf(domain.CodeNotFound, "compensation %s not found", id)
		}
		if err != nil {
			return err
		}
		if err := fn(rec, q.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdateCompensation(ctx, *rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	queueOutcomes.WithLabelValues(event).Inc()
	q.logger.Info("compensation updated", zap.String("compensation_id", id), zap.String("event", event),
		zap.String("status", string(out.Status)))
	return out, nil
}
