package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/store"
)

// flakyPublisher fails the first n publishes of every event.
type flakyPublisher struct {
	mu        sync.Mutex
	failFirst int
	attempts  map[string]int
	delivered []string
	headers   []map[string]string
}

func newFlakyPublisher(failFirst int) *flakyPublisher {
	return &flakyPublisher{failFirst: failFirst, attempts: map[string]int{}}
}

func (p *flakyPublisher) Publish(_ context.Context, _, _ string, _ []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := headers["event_id"]
	p.attempts[id]++
	if p.attempts[id] <= p.failFirst {
		return errors.New("broker unavailable")
	}
	p.delivered = append(p.delivered, id)
	p.headers = append(p.headers, headers)
	return nil
}

func stage(t *testing.T, s *store.Memory, at time.Time) domain.OutboxEvent {
	t.Helper()
	ev, err := NewEvent(domain.TopicTransfersRealized, EventTransferRealized, "acc-1",
		domain.TransferRealized{TransferID: "t-1", Amount: domain.MustMoney("30.00")}, at)
	require.NoError(t, err)
	require.NoError(t, s.EnqueueOutbox(context.Background(), ev))
	return ev
}

func newTestRelay(s *store.Memory, pub Publisher, now time.Time) *Relay {
	r := NewRelay(s, pub, Config{MaxRetries: 5}, zap.NewNop())
	r.now = func() time.Time { return now }
	return r
}

func TestProcessBatch_RetriesUntilDelivered(t *testing.T) {
	// GIVEN: publish fails three times, then succeeds
	// THEN: the fourth pass delivers it once, with retry_count 3
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	ev := stage(t, s, now)
	pub := newFlakyPublisher(3)
	r := newTestRelay(s, pub, now)

	for pass := 1; pass <= 3; pass++ {
		published, failed, err := r.ProcessBatch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, published, "pass %d", pass)
		assert.Equal(t, 1, failed, "pass %d", pass)
	}
	published, failed, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, 0, failed)

	events := s.OutboxEvents()
	require.Len(t, events, 1)
	assert.True(t, events[0].Processed)
	assert.Equal(t, 3, events[0].RetryCount)
	assert.Equal(t, "broker unavailable", events[0].LastError)
	require.NotNil(t, events[0].ProcessedAt)

	// A further pass publishes nothing.
	published, _, err = r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, published)
	assert.Equal(t, []string{ev.ID}, pub.delivered)
	assert.Equal(t, EventTransferRealized, pub.headers[0]["event_type"])
}

func TestProcessBatch_StopsAtRetryCeiling(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	stage(t, s, now)
	pub := newFlakyPublisher(100)
	r := newTestRelay(s, pub, now)

	for i := 0; i < 8; i++ {
		_, _, err := r.ProcessBatch(context.Background())
		require.NoError(t, err)
	}

	events := s.OutboxEvents()
	require.Len(t, events, 1)
	assert.False(t, events[0].Processed)
	assert.Equal(t, 5, events[0].RetryCount)

	stuck, err := s.CountStuck(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)
}

func TestProcessBatch_OldestFirstWithinBatch(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	newer := stage(t, s, now)
	older := stage(t, s, now.Add(-time.Minute))
	pub := newFlakyPublisher(0)
	r := NewRelay(s, pub, Config{BatchSize: 1}, zap.NewNop())

	published, _, err := r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Equal(t, []string{older.ID}, pub.delivered)

	_, _, err = r.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID, newer.ID}, pub.delivered)
}

func TestPurge_RemovesOldProcessedAndExpiredKeys(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s := store.NewMemory()
	ctx := context.Background()

	old := stage(t, s, now.Add(-10*24*time.Hour))
	require.NoError(t, s.MarkProcessed(ctx, old.ID, now.Add(-8*24*time.Hour)))
	recent := stage(t, s, now.Add(-time.Hour))
	require.NoError(t, s.MarkProcessed(ctx, recent.ID, now.Add(-time.Hour)))
	pending := stage(t, s, now.Add(-30*24*time.Hour))

	require.NoError(t, s.PutIdempotency(ctx, domain.IdempotencyRecord{Key: "gone", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.PutIdempotency(ctx, domain.IdempotencyRecord{Key: "live", ExpiresAt: now.Add(time.Hour)}))

	r := newTestRelay(s, newFlakyPublisher(0), now)
	require.NoError(t, r.Purge(ctx))

	var ids []string
	for _, ev := range s.OutboxEvents() {
		ids = append(ids, ev.ID)
	}
	assert.ElementsMatch(t, []string{recent.ID, pending.ID}, ids)

	_, err := s.GetIdempotency(ctx, "gone")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetIdempotency(ctx, "live")
	assert.NoError(t, err)
}

func TestRun_FirstPassIsImmediate(t *testing.T) {
	s := store.NewMemory()
	stage(t, s, time.Now())
	pub := newFlakyPublisher(0)
	r := NewRelay(s, pub, Config{Interval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.delivered) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
