package store_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/idempotency"
	"github.com/punchamoorthee/transferops/internal/ledger"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/store"
)

// These tests run against a real database named by TEST_DB_SOURCE, a
// postgres:// URL. Each test migrates into its own schema and drops it after.
const testDBEnv = "TEST_DB_SOURCE"

func openPostgres(t *testing.T, schema store.Schema) *store.Postgres {
	t.Helper()
	dsn := os.Getenv(testDBEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDBEnv)
	}
	ctx := context.Background()

	name := fmt.Sprintf("test_%s_%s", schema, strings.ReplaceAll(domain.NewID(), "-", ""))
	admin, err := store.NewPostgres(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Pool().Exec(ctx, "CREATE SCHEMA "+name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Pool().Exec(context.Background(), "DROP SCHEMA "+name+" CASCADE")
		admin.Close()
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", name)
	u.RawQuery = q.Encode()

	db, err := store.NewPostgres(ctx, u.String())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(ctx, schema))
	return db
}

// =============================================================================
// LEDGER
// =============================================================================

func TestPostgres_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	// GIVEN: an account holding 100.00
	// WHEN: ten debits of 30.00 race, each retried while the store reports a
	// conflict
	// THEN: exactly three land and the balance ends at 10.00
	db := openPostgres(t, store.SchemaAccounts)
	ctx := context.Background()
	svc := ledger.NewService(db, idempotency.NewKeeper(time.Hour), zap.NewNop())

	acc := &domain.Account{ID: domain.NewID(), Name: "holder", PasswordHash: "x", Active: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, db.CreateAccount(ctx, acc))
	_, err := svc.Append(ctx, ledger.Command{
		CallerAccountID: acc.ID, IdempotencyKey: "open", Kind: domain.Credit, Amount: domain.MustMoney("100.00"),
	})
	require.NoError(t, err)

	const debits = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < debits; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := ledger.Command{
				CallerAccountID: acc.ID,
				IdempotencyKey:  fmt.Sprintf("debit-%d", i),
				Kind:            domain.Debit,
				Amount:          domain.MustMoney("30.00"),
			}
			var err error
			for try := 0; try < 50; try++ {
				if _, err = svc.Append(ctx, cmd); domain.CodeOf(err) != domain.CodeInternal {
					break
				}
			}
			mu.Lock()
			defer mu.Unlock()
			switch domain.CodeOf(err) {
			case "":
				accepted++
			case domain.CodeInsufficientBalance:
				rejected++
			default:
				t.Errorf("debit %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, debits-3, rejected)

	bal, err := db.Balance(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", bal.StringFixed(domain.MoneyPlaces))

	movements, err := db.ListMovements(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, movements, 4)
	for _, m := range movements {
		assert.False(t, m.BalanceAfter.IsNegative())
	}
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestPostgres_ReserveIdempotency(t *testing.T) {
	db := openPostgres(t, store.SchemaAccounts)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := domain.IdempotencyRecord{
		Key: "key-1", RequestHash: "h", Status: domain.IdempotencyPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}

	ok, err := db.ReserveIdempotency(ctx, rec, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.ReserveIdempotency(ctx, rec, now)
	require.NoError(t, err)
	assert.False(t, ok, "a live record keeps the key")

	later := now.Add(2 * time.Hour)
	rec.RequestHash = "h2"
	rec.ExpiresAt = later.Add(time.Hour)
	ok, err = db.ReserveIdempotency(ctx, rec, later)
	require.NoError(t, err)
	assert.True(t, ok, "an expired record is taken over")

	got, err := db.GetIdempotency(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.RequestHash)
}

// =============================================================================
// OUTBOX
// =============================================================================

func TestPostgres_OutboxRetryCeiling(t *testing.T) {
	// GIVEN: one event that fails three times under a ceiling of three
	// THEN: it is no longer fetched and is counted as stuck
	db := openPostgres(t, store.SchemaAccounts)
	ctx := context.Background()
	const maxRetries = 3

	stuck, err := outbox.NewEvent(domain.TopicTransfersRealized, outbox.EventTransferRealized, "acc-1",
		map[string]string{"transfer_id": "t-1"}, time.Now().UTC())
	require.NoError(t, err)
	fresh, err := outbox.NewEvent(domain.TopicTransfersRealized, outbox.EventTransferRealized, "acc-2",
		map[string]string{"transfer_id": "t-2"}, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, db.EnqueueOutbox(ctx, stuck))
	require.NoError(t, db.EnqueueOutbox(ctx, fresh))

	for i := 1; i <= maxRetries; i++ {
		n, err := db.RecordOutboxFailure(ctx, stuck.ID, "broker unavailable")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	pending, err := db.FetchUnprocessed(ctx, 10, maxRetries)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)

	n, err := db.CountStuck(ctx, maxRetries)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.MarkProcessed(ctx, fresh.ID, time.Now().UTC()))
	assert.ErrorIs(t, db.MarkProcessed(ctx, fresh.ID, time.Now().UTC()), domain.ErrNotFound)
	_, err = db.RecordOutboxFailure(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// COMPENSATION
// =============================================================================

func TestPostgres_CompensationRoundTrip(t *testing.T) {
	db := openPostgres(t, store.SchemaTransfers)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := domain.CompensationPending{
		ID:              domain.NewID(),
		TransferID:      "t-1",
		IdempotencyKey:  "tx-1",
		OriginAccountID: "acc-1",
		Amount:          domain.MustMoney("30.00"),
		MaxAttempts:     0,
		Status:          domain.CompensationEscalated,
		CreatedAt:       now,
	}
	require.NoError(t, db.InsertCompensation(ctx, rec))

	err := db.WithTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetCompensation(ctx, rec.ID)
		if err != nil {
			return err
		}
		got.Requeue(1)
		got.Claim(now)
		return tx.UpdateCompensation(ctx, *got)
	})
	require.NoError(t, err)

	got, err := db.GetCompensation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompensationProcessing, got.Status)
	assert.Equal(t, 1, got.MaxAttempts)
	assert.Empty(t, got.History)
	assert.Equal(t, "30.00", got.Amount.StringFixed(domain.MoneyPlaces))
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, got.InFlight(now.Add(time.Second), time.Minute))

	open, err := db.ListCompensations(ctx, domain.CompensationPendingStatus, domain.CompensationProcessing)
	require.NoError(t, err)
	require.Len(t, open, 1)
	none, err := db.ListCompensations(ctx, domain.CompensationResolved)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = db.GetCompensation(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
