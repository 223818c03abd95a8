package fees_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/fees"
)

func newTestStore(t *testing.T) *fees.Store {
	t.Helper()
	s, err := fees.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type debiter struct {
	mu    sync.Mutex
	err   error
	calls []accountclient.MovementRequest
}

func (d *debiter) PostMovement(_ context.Context, req accountclient.MovementRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, req)
	return d.err
}

func realized(id string) domain.TransferRealized {
	return domain.TransferRealized{
		TransferID:      id,
		OriginAccountID: "acc-1",
		Amount:          domain.MustMoney("30.00"),
		FeeAmount:       domain.MustMoney("2.00"),
		OccurredAt:      time.Now().UTC(),
	}
}

// =============================================================================
// STORE
// =============================================================================

func TestStore_RecordIsOncePerTransfer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	charged, err := s.Charged(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, charged)

	fee := fees.Fee{ID: "f-1", TransferID: "t-1", AccountID: "acc-1", Amount: domain.MustMoney("2"), CreatedAt: time.Now()}
	require.NoError(t, s.Record(ctx, fee))
	fee.ID = "f-2"
	require.NoError(t, s.Record(ctx, fee))

	charged, err = s.Charged(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, charged)

	list, err := s.List(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "f-1", list[0].ID)
	assert.Equal(t, "2.00", list[0].Amount.StringFixed(2))
}

// =============================================================================
// CHARGER
// =============================================================================

func TestCharge_DebitsOriginOnce(t *testing.T) {
	s := newTestStore(t)
	d := &debiter{}
	c := fees.NewCharger(s, d, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Charge(ctx, realized("t-1")))
	require.NoError(t, c.Charge(ctx, realized("t-1")))

	require.Len(t, d.calls, 1)
	call := d.calls[0]
	assert.Equal(t, "acc-1", call.AccountID)
	assert.Equal(t, domain.Debit, call.Kind)
	assert.Equal(t, fees.FeeKey("t-1"), call.IdempotencyKey)
	assert.Equal(t, "2.00", call.Amount.StringFixed(2))

	list, err := s.List(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCharge_TransportErrorIsRetried(t *testing.T) {
	s := newTestStore(t)
	d := &debiter{err: errors.New("connection refused")}
	c := fees.NewCharger(s, d, zap.NewNop())
	ctx := context.Background()

	require.Error(t, c.Charge(ctx, realized("t-1")))
	charged, err := s.Charged(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, charged)

	// Redelivery reuses the same debit key.
	d.err = nil
	require.NoError(t, c.Charge(ctx, realized("t-1")))
	require.Len(t, d.calls, 2)
	assert.Equal(t, d.calls[0].IdempotencyKey, d.calls[1].IdempotencyKey)
}

func TestCharge_RejectionIsDropped(t *testing.T) {
	s := newTestStore(t)
	d := &debiter{err: domain.Errorf(domain.CodeInsufficientBalance, "insufficient balance")}
	c := fees.NewCharger(s, d, zap.NewNop())

	require.NoError(t, c.Charge(context.Background(), realized("t-1")))
	charged, err := s.Charged(context.Background(), "t-1")
	require.NoError(t, err)
	assert.False(t, charged)
}

func TestCharge_NoFeeConfigured(t *testing.T) {
	d := &debiter{}
	c := fees.NewCharger(newTestStore(t), d, zap.NewNop())
	ev := realized("t-1")
	ev.FeeAmount = domain.MustMoney("0")

	require.NoError(t, c.Charge(context.Background(), ev))
	assert.Empty(t, d.calls)
}

func TestHandleMessage(t *testing.T) {
	d := &debiter{}
	c := fees.NewCharger(newTestStore(t), d, zap.NewNop())

	body, err := json.Marshal(realized("t-9"))
	require.NoError(t, err)
	require.NoError(t, c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: body}))
	require.Len(t, d.calls, 1)

	// Malformed payloads are skipped, not retried forever.
	require.NoError(t, c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{")}))
	assert.Len(t, d.calls, 1)
}
