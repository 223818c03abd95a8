package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

// Memory is an in-process Store used by tests and local runs. Transactions
// are serialized and rolled back by restoring a snapshot.
type Memory struct {
	memTx

	mu   sync.Mutex
	data *memData
}

type memData struct {
	accounts     map[string]domain.Account
	numbers      map[int64]string
	nextNumber   int64
	movements    map[string][]domain.Movement
	idempotency  map[string]domain.IdempotencyRecord
	transfers    map[string]domain.Transfer
	transferSeq  []string
	compensation map[string]domain.CompensationPending
	compSeq      []string
	outbox       map[string]domain.OutboxEvent
	outboxSeq    []string
}

func NewMemory() *Memory {
	m := &Memory{data: &memData{
		accounts:     make(map[string]domain.Account),
		numbers:      make(map[int64]string),
		movements:    make(map[string][]domain.Movement),
		idempotency:  make(map[string]domain.IdempotencyRecord),
		transfers:    make(map[string]domain.Transfer),
		compensation: make(map[string]domain.CompensationPending),
		outbox:       make(map[string]domain.OutboxEvent),
	}}
	m.memTx = memTx{m: m}
	return m
}

func (m *Memory) Close() {}

// WithTx executes fn against a snapshot-protected view.
func (m *Memory) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memTx{m: m, inTx: true}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (d *memData) clone() *memData {
	c := &memData{
		accounts:     make(map[string]domain.Account, len(d.accounts)),
		numbers:      make(map[int64]string, len(d.numbers)),
		nextNumber:   d.nextNumber,
		movements:    make(map[string][]domain.Movement, len(d.movements)),
		idempotency:  make(map[string]domain.IdempotencyRecord, len(d.idempotency)),
		transfers:    make(map[string]domain.Transfer, len(d.transfers)),
		transferSeq:  append([]string(nil), d.transferSeq...),
		compensation: make(map[string]domain.CompensationPending, len(d.compensation)),
		compSeq:      append([]string(nil), d.compSeq...),
		outbox:       make(map[string]domain.OutboxEvent, len(d.outbox)),
		outboxSeq:    append([]string(nil), d.outboxSeq...),
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.numbers {
		c.numbers[k] = v
	}
	for k, v := range d.movements {
		c.movements[k] = append([]domain.Movement(nil), v...)
	}
	for k, v := range d.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range d.transfers {
		c.transfers[k] = v
	}
	for k, v := range d.compensation {
		v.History = append([]string(nil), v.History...)
		c.compensation[k] = v
	}
	for k, v := range d.outbox {
		c.outbox[k] = v
	}
	return c
}

// memTx implements Tx. Outside WithTx every call takes the store lock itself.
type memTx struct {
	m    *Memory
	inTx bool
}

func (t *memTx) enter() func() {
	if t.inTx {
		return func() {}
	}
	t.m.mu.Lock()
	return t.m.mu.Unlock
}

func (t *memTx) CreateAccount(_ context.Context, acc *domain.Account) error {
	defer t.enter()()
	d := t.m.data
	if _, ok := d.accounts[acc.ID]; ok {
		return errors.Newf("account %s already exists", acc.ID)
	}
	d.nextNumber++
	acc.Number = d.nextNumber
	d.accounts[acc.ID] = *acc
	d.numbers[acc.Number] = acc.ID
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id string) (*domain.Account, error) {
	defer t.enter()()
	acc, ok := t.m.data.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &acc, nil
}

func (t *memTx) GetAccountByNumber(_ context.Context, number int64) (*domain.Account, error) {
	defer t.enter()()
	id, ok := t.m.data.numbers[number]
	if !ok {
		return nil, domain.ErrNotFound
	}
	acc := t.m.data.accounts[id]
	return &acc, nil
}

func (t *memTx) SetAccountActive(_ context.Context, id string, active bool) error {
	defer t.enter()()
	acc, ok := t.m.data.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	acc.Active = active
	t.m.data.accounts[id] = acc
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, mv domain.Movement) error {
	defer t.enter()()
	d := t.m.data
	d.movements[mv.AccountID] = append(d.movements[mv.AccountID], mv)
	return nil
}

func (t *memTx) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	defer t.enter()()
	return domain.Balance(t.m.data.movements[accountID]), nil
}

func (t *memTx) ListMovements(_ context.Context, accountID string) ([]domain.Movement, error) {
	defer t.enter()()
	src := t.m.data.movements[accountID]
	out := make([]domain.Movement, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

func (t *memTx) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	defer t.enter()()
	rec, ok := t.m.data.idempotency[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &rec, nil
}

func (t *memTx) PutIdempotency(_ context.Context, rec domain.IdempotencyRecord) error {
	defer t.enter()()
	t.m.data.idempotency[rec.Key] = rec
	return nil
}

func (t *memTx) ReserveIdempotency(_ context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error) {
	defer t.enter()()
	if cur, ok := t.m.data.idempotency[rec.Key]; ok && !cur.Expired(now) {
		return false, nil
	}
	t.m.data.idempotency[rec.Key] = rec
	return true, nil
}

func (t *memTx) DeleteIdempotency(_ context.Context, key string) error {
	defer t.enter()()
	delete(t.m.data.idempotency, key)
	return nil
}

func (t *memTx) PurgeExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	defer t.enter()()
	var n int64
	for k, rec := range t.m.data.idempotency {
		if rec.Expired(now) {
			delete(t.m.data.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertTransfer(_ context.Context, tr domain.Transfer) error {
	defer t.enter()()
	d := t.m.data
	if _, ok := d.transfers[tr.ID]; ok {
		return errors.Newf("transfer %s already exists", tr.ID)
	}
	d.transfers[tr.ID] = tr
	d.transferSeq = append(d.transferSeq, tr.ID)
	return nil
}

func (t *memTx) GetTransfer(_ context.Context, id string) (*domain.Transfer, error) {
	defer t.enter()()
	tr, ok := t.m.data.transfers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &tr, nil
}

func (t *memTx) ListTransfers(_ context.Context, accountID string) ([]domain.Transfer, error) {
	defer t.enter()()
	d := t.m.data
	var out []domain.Transfer
	for i := len(d.transferSeq) - 1; i >= 0; i-- {
		tr := d.transfers[d.transferSeq[i]]
		if tr.OriginAccountID == accountID || tr.DestinationAccountID == accountID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (t *memTx) InsertCompensation(_ context.Context, c domain.CompensationPending) error {
	defer t.enter()()
	d := t.m.data
	if _, ok := d.compensation[c.ID]; ok {
		return errors.Newf("compensation %s already exists", c.ID)
	}
	c.History = append([]string(nil), c.History...)
	d.compensation[c.ID] = c
	d.compSeq = append(d.compSeq, c.ID)
	return nil
}

func (t *memTx) UpdateCompensation(_ context.Context, c domain.CompensationPending) error {
	defer t.enter()()
	if _, ok := t.m.data.compensation[c.ID]; !ok {
		return domain.ErrNotFound
	}
	c.History = append([]string(nil), c.History...)
	t.m.data.compensation[c.ID] = c
	return nil
}

func (t *memTx) GetCompensation(_ context.Context, id string) (*domain.CompensationPending, error) {
	defer t.enter()()
	c, ok := t.m.data.compensation[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c.History = append([]string(nil), c.History...)
	return &c, nil
}

func (t *memTx) ListCompensations(_ context.Context, statuses ...domain.CompensationStatus) ([]domain.CompensationPending, error) {
	defer t.enter()()
	d := t.m.data
	var out []domain.CompensationPending
	for _, id := range d.compSeq {
		c := d.compensation[id]
		if len(statuses) > 0 && !hasStatus(statuses, c.Status) {
			continue
		}
		c.History = append([]string(nil), c.History...)
		out = append(out, c)
	}
	return out, nil
}

func hasStatus(statuses []domain.CompensationStatus, s domain.CompensationStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (t *memTx) EnqueueOutbox(_ context.Context, ev domain.OutboxEvent) error {
	defer t.enter()()
	d := t.m.data
	if _, ok := d.outbox[ev.ID]; ok {
		return errors.Newf("outbox event %s already exists", ev.ID)
	}
	d.outbox[ev.ID] = ev
	d.outboxSeq = append(d.outboxSeq, ev.ID)
	return nil
}

func (t *memTx) FetchUnprocessed(_ context.Context, limit, maxRetries int) ([]domain.OutboxEvent, error) {
	defer t.enter()()
	d := t.m.data
	var out []domain.OutboxEvent
	for _, id := range d.outboxSeq {
		ev := d.outbox[id]
		if ev.Processed || ev.RetryCount >= maxRetries {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkProcessed(_ context.Context, id string, at time.Time) error {
	defer t.enter()()
	ev, ok := t.m.data.outbox[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Processed = true
	ev.ProcessedAt = &at
	t.m.data.outbox[id] = ev
	return nil
}

func (t *memTx) RecordOutboxFailure(_ context.Context, id, lastError string) (int, error) {
	defer t.enter()()
	ev, ok := t.m.data.outbox[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	ev.RetryCount++
	ev.LastError = lastError
	t.m.data.outbox[id] = ev
	return ev.RetryCount, nil
}

func (t *memTx) CountStuck(_ context.Context, maxRetries int) (int, error) {
	defer t.enter()()
	n := 0
	for _, ev := range t.m.data.outbox {
		if !ev.Processed && ev.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (t *memTx) PurgeProcessed(_ context.Context, before time.Time) (int64, error) {
	defer t.enter()()
	d := t.m.data
	var n int64
	kept := d.outboxSeq[:0]
	for _, id := range d.outboxSeq {
		ev := d.outbox[id]
		if ev.Processed && ev.ProcessedAt != nil && ev.ProcessedAt.Before(before) {
			delete(d.outbox, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	d.outboxSeq = kept
	return n, nil
}

// OutboxEvents returns every staged event in insertion order. Test helper.
func (m *Memory) OutboxEvents() []domain.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(m.data.outboxSeq))
	for _, id := range m.data.outboxSeq {
		out = append(out, m.data.outbox[id])
	}
	return out
}
