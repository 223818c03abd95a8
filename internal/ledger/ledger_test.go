package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/idempotency"
	"github.com/punchamoorthee/transferops/internal/ledger"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newLedger(t testing.TB, s store.Store) *ledger.Service {
	t.Helper()
	return ledger.NewService(s, idempotency.NewKeeper(idempotency.DefaultTTL), zap.NewNop())
}

func openAccount(t testing.TB, s store.Store, l *ledger.Service, opening string) *domain.Account {
	t.Helper()
	ctx := context.Background()
	acc := &domain.Account{ID: domain.NewID(), Name: "test", Active: true}
	require.NoError(t, s.CreateAccount(ctx, acc))
	if opening != "" {
		_, err := l.Append(ctx, ledger.Command{
			CallerAccountID: acc.ID,
			IdempotencyKey:  "opening-" + acc.ID,
			Kind:            domain.Credit,
			Amount:          domain.MustMoney(opening),
		})
		require.NoError(t, err)
	}
	return acc
}

func balanceOf(t testing.TB, l *ledger.Service, id string) string {
	t.Helper()
	_, bal, err := l.Balance(context.Background(), id)
	require.NoError(t, err)
	return bal.StringFixed(domain.MoneyPlaces)
}

// =============================================================================
// MOVEMENTS
// =============================================================================

func TestAppend_DebitWithinBalance(t *testing.T) {
	// GIVEN: an account holding 100.00
	// WHEN: 50.00 is debited
	// THEN: one movement records 100.00 -> 50.00
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "100.00")

	res, err := l.Append(context.Background(), ledger.Command{
		CallerAccountID: acc.ID,
		IdempotencyKey:  "debit-1",
		Kind:            domain.Debit,
		Amount:          domain.MustMoney("50.00"),
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "100.00", res.Movement.BalanceBefore.StringFixed(2))
	assert.Equal(t, "50.00", res.Movement.BalanceAfter.StringFixed(2))
	assert.Equal(t, "50.00", balanceOf(t, l, acc.ID))

	movements, err := l.Movements(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, res.Movement.ID, movements[0].ID, "newest first")
}

func TestAppend_DebitAboveBalanceRejected(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "100.00")

	_, err := l.Append(context.Background(), ledger.Command{
		CallerAccountID: acc.ID,
		IdempotencyKey:  "debit-1",
		Kind:            domain.Debit,
		Amount:          domain.MustMoney("150.00"),
	})
	assert.Equal(t, domain.CodeInsufficientBalance, domain.CodeOf(err))
	assert.Equal(t, "100.00", balanceOf(t, l, acc.ID))

	movements, err := l.Movements(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1, "only the opening credit")

	// A rejected command leaves its key free.
	_, err = s.GetIdempotency(context.Background(), "debit-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppend_SameKeyCreditsOnce(t *testing.T) {
	// GIVEN: the same key submitted twice for a 20.00 credit
	// THEN: one movement exists and the second call is a replay
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "")
	cmd := ledger.Command{
		CallerAccountID: acc.ID,
		IdempotencyKey:  "credit-1",
		Kind:            domain.Credit,
		Amount:          domain.MustMoney("20.00"),
	}

	first, err := l.Append(context.Background(), cmd)
	require.NoError(t, err)
	second, err := l.Append(context.Background(), cmd)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Movement.ID, second.Movement.ID)
	assert.Equal(t, "20.00", balanceOf(t, l, acc.ID))

	movements, err := l.Movements(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestAppend_SameKeyDifferentAmountMismatch(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "")
	cmd := ledger.Command{CallerAccountID: acc.ID, IdempotencyKey: "k", Kind: domain.Credit, Amount: domain.MustMoney("20.00")}

	_, err := l.Append(context.Background(), cmd)
	require.NoError(t, err)

	cmd.Amount = domain.MustMoney("21.00")
	_, err = l.Append(context.Background(), cmd)
	assert.Equal(t, domain.CodeIdempotencyMismatch, domain.CodeOf(err))
}

func TestAppend_AmountRoundedToCents(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "")

	res, err := l.Append(context.Background(), ledger.Command{
		CallerAccountID: acc.ID, IdempotencyKey: "k", Kind: domain.Credit, Amount: decimal.RequireFromString("10.005"),
	})
	require.NoError(t, err)
	assert.Equal(t, "10.01", res.Movement.Amount.StringFixed(2))
}

func TestAppend_CreditToAnotherAccountByNumber(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	caller := openAccount(t, s, l, "")
	target := openAccount(t, s, l, "")

	res, err := l.Append(context.Background(), ledger.Command{
		CallerAccountID:     caller.ID,
		TargetAccountNumber: target.Number,
		IdempotencyKey:      "k",
		Kind:                domain.Credit,
		Amount:              domain.MustMoney("5.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, target.ID, res.Movement.AccountID)
	assert.Equal(t, "5.00", balanceOf(t, l, target.ID))
	assert.Equal(t, "0.00", balanceOf(t, l, caller.ID))
}

func TestAppend_EnqueuesMovementRecorded(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "12.50")

	events := s.OutboxEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.TopicMovementsRecorded, events[0].Topic)
	assert.Equal(t, outbox.EventMovementRecorded, events[0].EventType)
	assert.Equal(t, acc.ID, events[0].PartitionKey)
	assert.False(t, events[0].Processed)
}

func TestAppend_ValidationOrder(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "10.00")
	other := openAccount(t, s, l, "")
	inactive := openAccount(t, s, l, "")
	require.NoError(t, s.SetAccountActive(context.Background(), inactive.ID, false))

	cases := []struct {
		name string
		cmd  ledger.Command
		want domain.Code
	}{
		{"unknown caller", ledger.Command{CallerAccountID: "nope", Kind: "X", Amount: decimal.Zero}, domain.CodeInvalidAccount},
		{"unknown target", ledger.Command{CallerAccountID: acc.ID, TargetAccountNumber: 9999, Kind: "X"}, domain.CodeInvalidAccount},
		{"inactive before type", ledger.Command{CallerAccountID: inactive.ID, Kind: "X", Amount: decimal.Zero}, domain.CodeInactiveAccount},
		{"type before amount", ledger.Command{CallerAccountID: acc.ID, Kind: "X", Amount: decimal.Zero}, domain.CodeInvalidType},
		{"zero amount", ledger.Command{CallerAccountID: acc.ID, Kind: domain.Credit, Amount: decimal.Zero}, domain.CodeInvalidValue},
		{"negative amount", ledger.Command{CallerAccountID: acc.ID, Kind: domain.Credit, Amount: domain.MustMoney("-1")}, domain.CodeInvalidValue},
		{"debit elsewhere", ledger.Command{CallerAccountID: acc.ID, TargetAccountNumber: other.Number, Kind: domain.Debit, Amount: domain.MustMoney("1")}, domain.CodeInvalidType},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.cmd.IdempotencyKey = fmt.Sprintf("case-%d", i)
			_, err := l.Append(context.Background(), tc.cmd)
			assert.Equal(t, tc.want, domain.CodeOf(err))
		})
	}
}

func TestBalance_InactiveAccount(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "")
	require.NoError(t, s.SetAccountActive(context.Background(), acc.ID, false))

	_, _, err := l.Balance(context.Background(), acc.ID)
	assert.Equal(t, domain.CodeInactiveAccount, domain.CodeOf(err))

	_, _, err = l.Balance(context.Background(), "missing")
	assert.Equal(t, domain.CodeInvalidAccount, domain.CodeOf(err))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// racyStore lands a rival debit right after the first few debits it sees, as
// if another writer committed between the balance read and the insert.
type racyStore struct {
	store.Store
	mu    sync.Mutex
	races int
}

func (r *racyStore) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return r.Store.WithTx(ctx, func(tx store.Tx) error {
		return fn(&racyTx{Tx: tx, parent: r})
	})
}

func (r *racyStore) race() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.races == 0 {
		return false
	}
	r.races--
	return true
}

type racyTx struct {
	store.Tx
	parent *racyStore
}

func (t *racyTx) InsertMovement(ctx context.Context, mv domain.Movement) error {
	if err := t.Tx.InsertMovement(ctx, mv); err != nil {
		return err
	}
	if mv.Kind != domain.Debit || !t.parent.race() {
		return nil
	}
	rival := mv
	rival.ID = domain.NewID()
	rival.IdempotencyKey = "rival-" + mv.ID
	return t.Tx.InsertMovement(ctx, rival)
}

func TestAppend_NegativeAfterInsertIsRetried(t *testing.T) {
	mem := store.NewMemory()
	s := &racyStore{Store: mem}
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "100.00")

	s.races = 1
	res, err := l.Append(context.Background(), ledger.Command{
		CallerAccountID: acc.ID, IdempotencyKey: "debit", Kind: domain.Debit, Amount: domain.MustMoney("60.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, "40.00", res.Movement.BalanceAfter.StringFixed(2))
	assert.Equal(t, "40.00", balanceOf(t, l, acc.ID), "the losing attempt was rolled back")
}

func TestAppend_PersistentConflictGivesUp(t *testing.T) {
	mem := store.NewMemory()
	s := &racyStore{Store: mem}
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "100.00")

	s.races = ledger.DefaultMaxAttempts
	_, err := l.Append(context.Background(), ledger.Command{
		CallerAccountID: acc.ID, IdempotencyKey: "debit", Kind: domain.Debit, Amount: domain.MustMoney("60.00"),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))
	assert.Equal(t, "100.00", balanceOf(t, l, acc.ID))

	_, err = mem.GetIdempotency(context.Background(), "debit")
	assert.ErrorIs(t, err, domain.ErrNotFound, "the key is free for a retry")
}

func TestAppend_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := store.NewMemory()
	l := newLedger(t, s)
	acc := openAccount(t, s, l, "100.00")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), ledger.Command{
				CallerAccountID: acc.ID,
				IdempotencyKey:  fmt.Sprintf("debit-%d", i),
				Kind:            domain.Debit,
				Amount:          domain.MustMoney("30.00"),
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.Equal(t, domain.CodeInsufficientBalance, domain.CodeOf(err))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, "10.00", balanceOf(t, l, acc.ID))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestAppend_BalanceIsDerivedAndNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	// Each op is cents: positive credits, negative debits, zero skipped.
	properties.Property("balance equals accepted credits minus debits", prop.ForAll(
		func(ops []int) bool {
			s := store.NewMemory()
			l := newLedger(t, s)
			acc := openAccount(t, s, l, "")

			model := decimal.Zero
			for i, op := range ops {
				if op == 0 {
					continue
				}
				kind := domain.Credit
				amount := decimal.New(int64(op), -2)
				if op < 0 {
					kind = domain.Debit
					amount = amount.Neg()
				}
				_, err := l.Append(context.Background(), ledger.Command{
					CallerAccountID: acc.ID,
					IdempotencyKey:  fmt.Sprintf("op-%d", i),
					Kind:            kind,
					Amount:          amount,
				})
				switch {
				case err == nil && kind == domain.Credit:
					model = model.Add(amount)
				case err == nil:
					if model.LessThan(amount) {
						return false
					}
					model = model.Sub(amount)
				case domain.CodeOf(err) != domain.CodeInsufficientBalance || !model.LessThan(amount):
					return false
				}
			}

			movements, err := l.Movements(context.Background(), acc.ID)
			if err != nil {
				return false
			}
			_, bal, err := l.Balance(context.Background(), acc.ID)
			return err == nil && !bal.IsNegative() && bal.Equal(model) && domain.Balance(movements).Equal(bal)
		},
		gen.SliceOf(gen.IntRange(-5000, 5000)),
	))

	properties.TestingRun(t)
}
