// Package ledger appends credit and debit movements to accounts and derives
// balances from them. There is no stored balance: the balance of an account
// is always sum(credits) - sum(debits) over its movements.
package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/idempotency"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/store"
)

var appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_appends_total",
	Help: "Movement commands by kind and outcome",
}, []string{"kind", "outcome"})

// DefaultMaxAttempts bounds how often a command is re-run after a concurrent
// modification.
const DefaultMaxAttempts = 3

// Command asks for one movement. CallerAccountID is the account the request is
// made on behalf of. TargetAccountNumber, when set, addresses another account
// by its public number; only credits may target another account.
type Command struct {
	CallerAccountID     string              `json:"caller_account_id"`
	TargetAccountNumber int64               `json:"target_account_number,omitempty"`
	IdempotencyKey      string              `json:"idempotency_key"`
	Kind                domain.MovementKind `json:"kind"`
	Amount              decimal.Decimal     `json:"amount"`
}

type Result struct {
	Movement domain.Movement `json:"movement"`
	Replayed bool            `json:"replayed"`
}

type Service struct {
	store       store.Store
	keeper      *idempotency.Keeper
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

func NewService(s store.Store, keeper *idempotency.Keeper, logger *zap.Logger) *Service {
	return &Service{
		store:       s,
		keeper:      keeper,
		logger:      logger.Named("ledger"),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// Append validates and records one movement. The idempotency record and a
// MovementRecorded outbox event commit together with the movement. Replaying
// a key returns the stored movement and appends nothing.
func (s *Service) Append(ctx context.Context, cmd Command) (Result, error) {
	cmd.Amount = domain.RoundMoney(cmd.Amount)

	var res Result
	attempt := 0
	op := func() error {
		attempt++
		var err error
		res, err = s.appendOnce(ctx, cmd)
		if err == nil {
			return nil
		}
		if domain.IsRetryable(err) && attempt < s.maxAttempts {
			s.logger.Debug("append conflict, retrying",
				zap.String("idempotency_key", cmd.IdempotencyKey), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(b, ctx))

	outcome := "ok"
	switch {
	case err != nil && domain.IsRetryable(err):
		outcome = "conflict"
		err = domain.Wrap(domain.CodeInternal, err, "movement could not be recorded, try again")
	case err != nil:
		outcome = string(domain.CodeOf(err))
	case res.Replayed:
		outcome = "replayed"
	}
	appendsTotal.WithLabelValues(string(cmd.Kind), outcome).Inc()
	return res, err
}

func (s *Service) appendOnce(ctx context.Context, cmd Command) (Result, error) {
	var res Result
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		replay, err := s.keeper.Begin(ctx, tx, cmd.IdempotencyKey, cmd)
		if err != nil {
			return err
		}
		if replay != nil {
			if err := replay.Err(); err != nil {
				return err
			}
			if err := replay.Decode(&res.Movement); err != nil {
				return err
			}
			res.Replayed = true
			return nil
		}

		target, err := s.resolve(ctx, tx, cmd)
		if err != nil {
			return err
		}

		before, err := tx.Balance(ctx, target.ID)
		if err != nil {
			return err
		}
		if cmd.Kind == domain.Debit && before.LessThan(cmd.Amount) {
			return domain.Errorf(domain.CodeInsufficientBalance, "insufficient balance")
		}

		mv := domain.Movement{
			ID:             domain.NewID(),
			AccountID:      target.ID,
			Kind:           cmd.Kind,
			Amount:         cmd.Amount,
			BalanceBefore:  before,
			IdempotencyKey: cmd.IdempotencyKey,
			CreatedAt:      s.now().UTC(),
		}
		mv.BalanceAfter = domain.RoundMoney(before.Add(mv.Signed()))
		if err := tx.InsertMovement(ctx, mv); err != nil {
			return err
		}

		// A concurrent debit may have landed between the read and the insert.
		after, err := tx.Balance(ctx, target.ID)
		if err != nil {
			return err
		}
		if after.IsNegative() {
			return errors.Mark(
				errors.Newf("balance of %s went negative (%s) after insert", target.ID, after),
				domain.ErrConcurrentModification)
		}

		meta := map[string]string{"account_id": target.ID, "movement_id": mv.ID}
		if err := s.keeper.Succeed(ctx, tx, cmd.IdempotencyKey, cmd, mv, meta); err != nil {
			return err
		}

		ev, err := outbox.NewEvent(domain.TopicMovementsRecorded, outbox.EventMovementRecorded, target.ID,
			domain.MovementRecorded{
				MovementID:   mv.ID,
				AccountID:    mv.AccountID,
				Kind:         mv.Kind,
				Amount:       mv.Amount,
				BalanceAfter: mv.BalanceAfter,
				OccurredAt:   mv.CreatedAt,
			}, mv.CreatedAt)
		if err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, ev); err != nil {
			return err
		}

		res.Movement = mv
		return nil
	})
	return res, err
}

// resolve applies the movement preconditions in order and returns the account
// the movement lands on.
func (s *Service) resolve(ctx context.Context, tx store.Tx, cmd Command) (*domain.Account, error) {
	caller, err := tx.GetAccount(ctx, cmd.CallerAccountID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Errorf(domain.CodeInvalidAccount, "account not found")
	}
	if err != nil {
		return nil, err
	}

	target := caller
	if cmd.TargetAccountNumber != 0 && cmd.TargetAccountNumber != caller.Number {
		target, err = tx.GetAccountByNumber(ctx, cmd.TargetAccountNumber)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Errorf(domain.CodeInvalidAccount, "account %d not found", cmd.TargetAccountNumber)
		}
		if err != nil {
			return nil, err
		}
	}

	if !target.Active {
		return nil, domain.Errorf(domain.CodeInactiveAccount, "account is inactive")
	}
	if !cmd.Kind.Valid() {
		return nil, domain.Errorf(domain.CodeInvalidType, "movement type must be C or D")
	}
	if !cmd.Amount.IsPositive() {
		return nil, domain.Errorf(domain.CodeInvalidValue, "amount must be positive")
	}
	if cmd.Kind == domain.Debit && target.ID != caller.ID {
		return nil, domain.Errorf(domain.CodeInvalidType, "debits are only allowed on the caller's own account")
	}
	return target, nil
}

// Balance derives the account's current balance.
func (s *Service) Balance(ctx context.Context, accountID string) (*domain.Account, decimal.Decimal, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, decimal.Zero, domain.Errorf(domain.CodeInvalidAccount, "account not found")
	}
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !acc.Active {
		return nil, decimal.Zero, domain.Errorf(domain.CodeInactiveAccount, "account is inactive")
	}
	bal, err := s.store.Balance(ctx, accountID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return acc, bal, nil
}

// Movements returns the account's history, newest first.
func (s *Service) Movements(ctx context.Context, accountID string) ([]domain.Movement, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Errorf(domain.CodeInvalidAccount, "account not found")
		}
		return nil, err
	}
	return s.store.ListMovements(ctx, accountID)
}
