package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/compensation"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/idempotency"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/store"
)

var (
	sagaOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_saga_outcomes_total",
		Help: "Transfer sagas by terminal state",
	}, []string{"state"})

	compensationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transfer_compensation_attempts_total",
		Help: "Reversing credit attempts issued by the saga",
	}, []string{"outcome"})
)

// AccountClient is the account service as seen by the saga.
type AccountClient interface {
	ValidateAccount(ctx context.Context, number int64) (bool, error)
	AccountByNumber(ctx context.Context, number int64) (*accountclient.Account, error)
	PostMovement(ctx context.Context, req accountclient.MovementRequest) error
}

// Sub-step key suffixes. Each leg is idempotent on its own key.
const (
	debitSuffix  = "-debito-origem"
	creditSuffix = "-credito-destino"
)

func DebitKey(key string) string  { return key + debitSuffix }
func CreditKey(key string) string { return key + creditSuffix }

// Config tunes the saga.
type Config struct {
	// CompensationAttempts is how many reversing credits are tried before the
	// saga escalates.
	CompensationAttempts int
	// CompensationBackoff is the wait before the first reversal; each later
	// wait doubles.
	CompensationBackoff time.Duration
	// DebitConfirmAttempts is how many times a debit with an unknown outcome
	// is re-sent under its own key before the saga escalates.
	DebitConfirmAttempts int
	// FeeAmount is announced in TransferRealized for the fee service.
	FeeAmount decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		CompensationAttempts: 5,
		CompensationBackoff:  time.Second,
		DebitConfirmAttempts: 3,
		FeeAmount:            decimal.RequireFromString("2.00"),
	}
}

type TransferService struct {
	store  store.Store
	keeper *idempotency.Keeper
	client AccountClient
	queue  *compensation.Queue
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewTransferService(
	s store.Store,
	keeper *idempotency.Keeper,
	client AccountClient,
	queue *compensation.Queue,
	cfg Config,
	logger *zap.Logger,
) *TransferService {
	def := DefaultConfig()
	if cfg.CompensationAttempts <= 0 {
		cfg.CompensationAttempts = def.CompensationAttempts
	}
	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = def.CompensationBackoff
	}
	if cfg.DebitConfirmAttempts <= 0 {
		cfg.DebitConfirmAttempts = def.DebitConfirmAttempts
	}
	return &TransferService{
		store:  s,
		keeper: keeper,
		client: client,
		queue:  queue,
		cfg:    cfg,
		logger: logger.Named("transfer"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithSleeper replaces the wait between leg re-sends. Used by tests.
func (s *TransferService) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *TransferService {
	s.sleep = fn
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transfer runs the saga for req. The returned Result is populated on failure
// too: State tells how far the saga got and CompensationID points at the
// escalation record when one was created.
func (s *TransferService) Transfer(ctx context.Context, req Request) (Result, error) {
	sg := &saga{
		svc:   s,
		req:   req,
		state: StateStarted,
		log: s.logger.With(
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("origin_account_id", req.OriginAccountID),
			zap.Int64("destination_account_number", req.DestinationAccountNumber)),
	}
	res, err := sg.run(ctx)
	if !res.Replayed {
		label := string(res.State)
		if !res.State.Terminal() {
			label = "rejected"
		}
		sagaOutcomes.WithLabelValues(label).Inc()
	}
	return res, err
}

// Get returns a completed transfer. Only the origin or destination account
// may read it.
func (s *TransferService) Get(ctx context.Context, id, accountID string) (*domain.Transfer, error) {
	tr, err := s.store.GetTransfer(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Errorf(domain.CodeNotFound, "transfer %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if accountID != "" && tr.OriginAccountID != accountID && tr.DestinationAccountID != accountID {
		return nil, domain.Errorf(domain.CodeNotFound, "transfer %s not found", id)
	}
	return tr, nil
}

// List returns the account's transfers, newest first.
func (s *TransferService) List(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	return s.store.ListTransfers(ctx, accountID)
}

// saga is one run of the transfer state machine.
type saga struct {
	svc   *TransferService
	req   Request
	state State
	log   *zap.Logger

	transferID  string
	destination *accountclient.Account
	history     []string
}

func (sg *saga) to(next State) {
	if !sg.state.canMoveTo(next) {
		// Programming error: keep the state, make it loud.
		sg.log.DPanic("illegal saga transition", zap.String("from", string(sg.state)), zap.String("to", string(next)))
		return
	}
	sg.log.Debug("saga transition", zap.String("from", string(sg.state)), zap.String("to", string(next)))
	sg.state = next
}

func (sg *saga) result() Result {
	return Result{State: sg.state}
}

func (sg *saga) run(ctx context.Context) (Result, error) {
	s := sg.svc
	req := sg.req
	req.Amount = domain.RoundMoney(req.Amount)
	sg.req = req

	replay, err := s.keeper.Begin(ctx, s.store, req.IdempotencyKey, req)
	if err != nil {
		return sg.result(), err
	}
	if replay != nil {
		return sg.replay(replay)
	}
	sg.transferID = domain.NewID()

	if err := sg.validate(ctx); err != nil {
		if !domain.IsValidation(err) {
			sg.log.Warn("destination lookup failed", zap.Error(err))
		}
		sg.release(ctx)
		return sg.result(), err
	}

	// Once the debit is sent money may have moved, even if the reply is lost.
	// From here the saga must reach a terminal state without the caller.
	ctx = context.WithoutCancel(ctx)

	if err := sg.debit(ctx); err != nil {
		if sg.state == StateDebitUncertain {
			return sg.escalate(ctx, err, 0)
		}
		sg.release(ctx)
		return sg.result(), err
	}

	creditErr := sg.credit(ctx)
	if creditErr == nil {
		return sg.complete(ctx)
	}
	return sg.compensate(ctx, creditErr)
}

func (sg *saga) replay(r *idempotency.Replay) (Result, error) {
	var res Result
	if err := r.Err(); err != nil {
		res.State = stateForCode(domain.CodeOf(err))
		res.Replayed = true
		return res, err
	}
	if err := r.Decode(&res); err != nil {
		return sg.result(), err
	}
	res.Replayed = true
	sg.log.Info("transfer replayed", zap.String("transfer_id", res.Transfer.ID))
	return res, nil
}

func (sg *saga) release(ctx context.Context) {
	if err := sg.svc.keeper.Release(context.WithoutCancel(ctx), sg.svc.store, sg.req.IdempotencyKey); err != nil {
		sg.log.Warn("idempotency release failed", zap.Error(err))
	}
}

func (sg *saga) validate(ctx context.Context) error {
	req := sg.req
	if !req.Amount.IsPositive() {
		return domain.Errorf(domain.CodeInvalidValue, "amount must be positive")
	}
	if req.OriginAccountID == "" {
		return domain.Errorf(domain.CodeInvalidAccount, "origin account is required")
	}

	ok, err := sg.svc.client.ValidateAccount(ctx, req.DestinationAccountNumber)
	if err != nil {
		return errors.Wrap(err, "validate destination")
	}
	if !ok {
		return domain.Errorf(domain.CodeInvalidAccount, "destination account not found or inactive")
	}

	dest, err := sg.svc.client.AccountByNumber(ctx, req.DestinationAccountNumber)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Errorf(domain.CodeInvalidAccount, "destination account not found")
	}
	if err != nil {
		return errors.Wrap(err, "resolve destination")
	}
	if !dest.Active {
		return domain.Errorf(domain.CodeInactiveAccount, "destination account is inactive")
	}
	if dest.ID == req.OriginAccountID {
		return domain.Errorf(domain.CodeInvalidAccount, "cannot transfer to the same account")
	}
	sg.destination = dest
	return nil
}

// unsettled reports whether err leaves the outcome of a leg unknown: a
// transport failure, or the account service still holding the leg key.
func unsettled(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeInternal, domain.CodeDuplicateRequest:
		return true
	}
	return false
}

// debit posts the origin debit. A coded rejection means nothing moved. Any
// other failure is re-sent under the same key until the account service
// applies or replays it, or rejects it.
func (sg *saga) debit(ctx context.Context) error {
	s := sg.svc
	sg.to(StateDebitPending)
	req := accountclient.MovementRequest{
		AccountID:      sg.req.OriginAccountID,
		IdempotencyKey: DebitKey(sg.req.IdempotencyKey),
		Kind:           domain.Debit,
		Amount:         sg.req.Amount,
		Credential:     sg.req.Credential,
	}

	err := s.client.PostMovement(ctx, req)
	sched := sg.schedule()
	for n := 1; err != nil && unsettled(err) && n <= s.cfg.DebitConfirmAttempts; n++ {
		wait := sched.NextBackOff()
		sg.note("debit outcome unknown: %v", err)
		sg.log.Warn("debit outcome unknown, re-sending", zap.Int("attempt", n), zap.Duration("wait", wait), zap.Error(err))
		if serr := s.sleep(ctx, wait); serr != nil {
			break
		}
		err = s.client.PostMovement(ctx, req)
	}

	switch {
	case err == nil:
		sg.to(StateDebitOk)
		return nil
	case unsettled(err):
		sg.to(StateDebitUncertain)
		sg.note("debit outcome still unknown: %v; verify the origin ledger before requeueing the reversal", err)
		sg.log.Error("debit outcome unknown after re-sends", zap.Error(err))
		return err
	default:
		sg.to(StateDebitFailed)
		sg.log.Info("debit leg failed", zap.Error(err))
		return errors.Wrap(err, "debit origin")
	}
}

func (sg *saga) credit(ctx context.Context) error {
	sg.to(StateCreditPending)
	err := sg.svc.client.PostMovement(ctx, accountclient.MovementRequest{
		AccountID:      sg.req.OriginAccountID,
		AccountNumber:  sg.destination.Number,
		IdempotencyKey: CreditKey(sg.req.IdempotencyKey),
		Kind:           domain.Credit,
		Amount:         sg.req.Amount,
		Credential:     sg.req.Credential,
	})
	if err != nil {
		sg.to(StateCreditFailed)
		sg.log.Warn("credit leg failed, compensating", zap.Error(err))
		sg.note("credit destination failed: %v", err)
		return err
	}
	return nil
}

func (sg *saga) note(format string, args ...any) {
	sg.history = append(sg.history,
		fmt.Sprintf("[%s] %s", sg.svc.now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...)))
}

// schedule yields the wait before each re-send: the base, then doubling.
func (sg *saga) schedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sg.svc.cfg.CompensationBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = sg.svc.cfg.CompensationBackoff << uint(sg.svc.cfg.CompensationAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (sg *saga) compensate(ctx context.Context, creditErr error) (Result, error) {
	s := sg.svc
	sg.to(StateCompensating)
	sched := sg.schedule()

	for n := 1; n <= s.cfg.CompensationAttempts; n++ {
		wait := sched.NextBackOff()
		if err := s.sleep(ctx, wait); err != nil {
			sg.note("attempt %d: wait interrupted: %v", n, err)
			break
		}
		err := s.client.PostMovement(ctx, accountclient.MovementRequest{
			AccountID:      sg.req.OriginAccountID,
			IdempotencyKey: compensation.RetryKey(sg.req.IdempotencyKey, n),
			Kind:           domain.Credit,
			Amount:         sg.req.Amount,
			Credential:     sg.req.Credential,
		})
		if err == nil {
			compensationAttempts.WithLabelValues("ok").Inc()
			sg.to(StateCompensated)
			sg.log.Info("compensation applied", zap.Int("attempt", n))
			failure := domain.Wrap(domain.CodeTransferFailed, creditErr,
				"transfer failed; the debited amount was returned to the origin account")
			sg.settleFailure(ctx, failure)
			return sg.result(), failure
		}
		compensationAttempts.WithLabelValues("failed").Inc()
		sg.note("attempt %d after %s: %v", n, wait, err)
		sg.log.Warn("compensation attempt failed", zap.Int("attempt", n), zap.Duration("waited", wait), zap.Error(err))
	}

	sg.to(StateCompensationExhausted)
	return sg.escalate(ctx, creditErr, s.cfg.CompensationAttempts)
}

// escalate hands the saga to operators through a CompensationPending record.
// With zero attempts the worker leaves the record alone until an operator
// requeues it.
func (sg *saga) escalate(ctx context.Context, cause error, attempts int) (Result, error) {
	s := sg.svc
	res := sg.result()
	rec, err := s.queue.Escalate(ctx, compensation.Escalation{
		TransferID:      sg.transferID,
		IdempotencyKey:  sg.req.IdempotencyKey,
		OriginAccountID: sg.req.OriginAccountID,
		Amount:          sg.req.Amount,
		Attempts:        attempts,
		History:         sg.history,
	})
	if err != nil {
		// The origin may stay debited with no durable record: surface it loudly.
		sg.log.Error("compensation escalation could not be persisted",
			zap.String("transfer_id", sg.transferID),
			zap.String("state", string(sg.state)),
			zap.String("amount", sg.req.Amount.StringFixed(domain.MoneyPlaces)),
			zap.Strings("history", sg.history),
			zap.Error(err))
		failure := domain.Wrap(domain.CodeCompensationPending, err,
			"transfer failed and the reversal is pending manual resolution")
		return res, failure
	}
	res.CompensationID = rec.ID
	failure := domain.Wrap(domain.CodeCompensationPending, cause,
		fmt.Sprintf("transfer failed and the reversal is pending manual resolution (compensation %s)", rec.ID))
	sg.settleFailure(ctx, failure)
	return res, failure
}

func (sg *saga) settleFailure(ctx context.Context, failure error) {
	meta := map[string]string{"transfer_id": sg.transferID, "state": string(sg.state)}
	if err := sg.svc.keeper.Fail(ctx, sg.svc.store, sg.req.IdempotencyKey, sg.req, failure, meta); err != nil {
		sg.log.Error("idempotency failure record not stored", zap.Error(err))
	}
}

// complete persists the transfer, the idempotency result and the
// TransferRealized event in one local commit.
func (sg *saga) complete(ctx context.Context) (Result, error) {
	s := sg.svc
	sg.to(StateCompleted)
	now := s.now().UTC()
	res := Result{
		State: StateCompleted,
		Transfer: domain.Transfer{
			ID:                       sg.transferID,
			IdempotencyKey:           sg.req.IdempotencyKey,
			OriginAccountID:          sg.req.OriginAccountID,
			DestinationAccountID:     sg.destination.ID,
			DestinationAccountNumber: sg.destination.Number,
			Amount:                   sg.req.Amount,
			CreatedAt:                now,
		},
	}

	ev, err := outbox.NewEvent(domain.TopicTransfersRealized, outbox.EventTransferRealized, res.Transfer.OriginAccountID,
		domain.TransferRealized{
			TransferID:           res.Transfer.ID,
			OriginAccountID:      res.Transfer.OriginAccountID,
			DestinationAccountID: res.Transfer.DestinationAccountID,
			Amount:               res.Transfer.Amount,
			FeeAmount:            s.cfg.FeeAmount,
			OccurredAt:           now,
		}, now)
	if err != nil {
		sg.log.Error("transfer event not built", zap.Error(err))
	}

	meta := map[string]string{"transfer_id": res.Transfer.ID, "state": string(StateCompleted)}
	settle := func(tx store.Tx) error {
		if err := s.keeper.Succeed(ctx, tx, sg.req.IdempotencyKey, sg.req, res, meta); err != nil {
			return err
		}
		if ev.ID == "" {
			return nil
		}
		return tx.EnqueueOutbox(ctx, ev)
	}
	persist := func() error {
		return s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.InsertTransfer(ctx, res.Transfer); err != nil {
				return err
			}
			return settle(tx)
		})
	}
	// Without the transfer row the key and the event still have to land, so a
	// retry replays and the fee is charged.
	outcomeOnly := func() error {
		return s.store.WithTx(ctx, settle)
	}

	if err := backoff.Retry(persist, persistBackoff()); err != nil {
		sg.log.Error("transfer completed but not persisted",
			zap.String("transfer_id", res.Transfer.ID), zap.Error(err))
		if err := backoff.Retry(outcomeOnly, persistBackoff()); err != nil {
			// Both legs are applied; a retry of the key is refused until it expires.
			sg.log.Error("transfer outcome not recorded",
				zap.String("transfer_id", res.Transfer.ID), zap.Error(err))
		}
	}
	sg.log.Info("transfer completed", zap.String("transfer_id", res.Transfer.ID))
	return res, nil
}

func persistBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	return backoff.WithMaxRetries(b, 4)
}
