package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pgTx
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse database config")
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to ping database")
	}

	return &Postgres{pgTx: pgTx{q: pool}, pool: pool}, nil
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() {
	p.pool.Close()
}

// WithTx runs fn in a serializable transaction. Serialization failures,
// deadlocks and unique violations come back marked as
// domain.ErrConcurrentModification.
func (p *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classify(errors.Wrap(err, "tx begin failed"))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(&pgTx{q: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(errors.Wrap(err, "tx commit failed"))
	}
	return nil
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return errors.Mark(err, domain.ErrConcurrentModification)
		}
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func money(d decimal.Decimal) string {
	return d.StringFixed(domain.MoneyPlaces)
}

func parseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "scan amount %q", s)
	}
	return d, nil
}

// pgTx implements Tx over a pool (autocommit) or an open transaction.
type pgTx struct {
	q querier
}

// --- accounts ---

func (t *pgTx) CreateAccount(ctx context.Context, acc *domain.Account) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO accounts (id, name, password_hash, active, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING number`,
		acc.ID, acc.Name, acc.PasswordHash, acc.Active, acc.CreatedAt,
	).Scan(&acc.Number)
	if err != nil {
		return classify(errors.Wrap(err, "account insert failed"))
	}
	return nil
}

const accountColumns = `id, number, name, password_hash, active, created_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.Number, &a.Name, &a.PasswordHash, &a.Active, &a.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(t.q.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id))
}

func (t *pgTx) GetAccountByNumber(ctx context.Context, number int64) (*domain.Account, error) {
	return scanAccount(t.q.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE number = $1", number))
}

func (t *pgTx) SetAccountActive(ctx context.Context, id string, active bool) error {
	tag, err := t.q.Exec(ctx, "UPDATE accounts SET active = $1 WHERE id = $2", active, id)
	if err != nil {
		return errors.Wrap(err, "account update failed")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// --- movements ---

func (t *pgTx) InsertMovement(ctx context.Context, m domain.Movement) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO movements (id, account_id, kind, amount, balance_before, balance_after, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8)`,
		m.ID, m.AccountID, string(m.Kind), money(m.Amount), money(m.BalanceBefore), money(m.BalanceAfter),
		m.IdempotencyKey, m.CreatedAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "movement insert failed"))
	}
	return nil
}

func (t *pgTx) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var total string
	err := t.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN kind = 'C' THEN amount ELSE -amount END), 0)::text
		 FROM movements WHERE account_id = $1`,
		accountID,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, classify(errors.Wrap(err, "balance query failed"))
	}
	d, err := parseMoney(total)
	if err != nil {
		return decimal.Zero, err
	}
	return domain.RoundMoney(d), nil
}

func (t *pgTx) ListMovements(ctx context.Context, accountID string) ([]domain.Movement, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, account_id, kind, amount::text, balance_before::text, balance_after::text, idempotency_key, created_at
		 FROM movements WHERE account_id = $1 ORDER BY created_at DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "movement query failed")
	}
	defer rows.Close()

	var out []domain.Movement
	for rows.Next() {
		var (
			m                     domain.Movement
			kind                  string
			amount, before, after string
		)
		if err := rows.Scan(&m.ID, &m.AccountID, &kind, &amount, &before, &after, &m.IdempotencyKey, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "movement scan failed")
		}
		m.Kind = domain.MovementKind(kind)
		if m.Amount, err = parseMoney(amount); err != nil {
			return nil, err
		}
		if m.BalanceBefore, err = parseMoney(before); err != nil {
			return nil, err
		}
		if m.BalanceAfter, err = parseMoney(after); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- idempotency ---

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		r                         domain.IdempotencyRecord
		status                    string
		request, result, metadata []byte
	)
	err := t.q.QueryRow(ctx,
		`SELECT key, request, request_hash, result, result_hash, status, metadata, created_at, expires_at
		 FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&r.Key, &request, &r.RequestHash, &result, &r.ResultHash, &status, &metadata, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Request, r.Result, r.Metadata = request, result, metadata
	r.Status = domain.IdempotencyStatus(status)
	return &r, nil
}

func (t *pgTx) PutIdempotency(ctx context.Context, r domain.IdempotencyRecord) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request, request_hash, result, result_hash, status, metadata, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (key) DO UPDATE SET
		   request = EXCLUDED.request, request_hash = EXCLUDED.request_hash,
		   result = EXCLUDED.result, result_hash = EXCLUDED.result_hash,
		   status = EXCLUDED.status, metadata = EXCLUDED.metadata,
		   created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		r.Key, nullJSON(r.Request), r.RequestHash, nullJSON(r.Result), r.ResultHash, string(r.Status),
		nullJSON(r.Metadata), r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "idempotency upsert failed"))
	}
	return nil
}

// ReserveIdempotency inserts rec, or takes over an expired row, in a single
// statement so two callers racing on a key cannot both win.
func (t *pgTx) ReserveIdempotency(ctx context.Context, r domain.IdempotencyRecord, now time.Time) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request, request_hash, result, result_hash, status, metadata, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (key) DO UPDATE SET
		   request = EXCLUDED.request, request_hash = EXCLUDED.request_hash,
		   result = EXCLUDED.result, result_hash = EXCLUDED.result_hash,
		   status = EXCLUDED.status, metadata = EXCLUDED.metadata,
		   created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		 WHERE idempotency_keys.expires_at <= $10`,
		r.Key, nullJSON(r.Request), r.RequestHash, nullJSON(r.Result), r.ResultHash, string(r.Status),
		nullJSON(r.Metadata), r.CreatedAt, r.ExpiresAt, now,
	)
	if err != nil {
		return false, classify(errors.Wrap(err, "idempotency reservation failed"))
	}
	return tag.RowsAffected() == 1, nil
}

func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (t *pgTx) DeleteIdempotency(ctx context.Context, key string) error {
	if _, err := t.q.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1", key); err != nil {
		return errors.Wrap(err, "idempotency delete failed")
	}
	return nil
}

func (t *pgTx) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx, "DELETE FROM idempotency_keys WHERE expires_at <= $1", now)
	if err != nil {
		return 0, errors.Wrap(err, "idempotency purge failed")
	}
	return tag.RowsAffected(), nil
}

// --- transfers ---

func (t *pgTx) InsertTransfer(ctx context.Context, tr domain.Transfer) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transfers (id, idempotency_key, origin_account_id, destination_account_id, destination_account_number, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)`,
		tr.ID, tr.IdempotencyKey, tr.OriginAccountID, tr.DestinationAccountID, tr.DestinationAccountNumber,
		money(tr.Amount), tr.CreatedAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "transfer insert failed"))
	}
	return nil
}

const transferColumns = `id, idempotency_key, origin_account_id, destination_account_id, destination_account_number, amount::text, created_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var tr domain.Transfer
	var amount string
	if err := row.Scan(&tr.ID, &tr.IdempotencyKey, &tr.OriginAccountID, &tr.DestinationAccountID,
		&tr.DestinationAccountNumber, &amount, &tr.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	var err error
	if tr.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return scanTransfer(t.q.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
}

func (t *pgTx) ListTransfers(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	rows, err := t.q.Query(ctx,
		"SELECT "+transferColumns+` FROM transfers
		 WHERE origin_account_id = $1 OR destination_account_id = $1
		 ORDER BY created_at DESC, id DESC`,
		accountID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "transfer query failed")
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, errors.Wrap(err, "transfer scan failed")
		}
		out = append(out, *tr)
	}
	return out, rows.Err()
}

// --- compensation ---

func (t *pgTx) InsertCompensation(ctx context.Context, c domain.CompensationPending) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO compensation_pending
		   (id, transfer_id, idempotency_key, origin_account_id, amount, attempts, max_attempts, status,
		    history, operator_notes, created_at, last_attempt_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID, c.TransferID, c.IdempotencyKey, c.OriginAccountID, money(c.Amount), c.Attempts, c.MaxAttempts,
		string(c.Status), history(c.History), c.OperatorNotes, c.CreatedAt, c.LastAttemptAt, c.ResolvedAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "compensation insert failed"))
	}
	return nil
}

func (t *pgTx) UpdateCompensation(ctx context.Context, c domain.CompensationPending) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE compensation_pending SET attempts = $2, max_attempts = $3, status = $4, history = $5,
		   operator_notes = $6, last_attempt_at = $7, resolved_at = $8
		 WHERE id = $1`,
		c.ID, c.Attempts, c.MaxAttempts, string(c.Status), history(c.History), c.OperatorNotes, c.LastAttemptAt, c.ResolvedAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "compensation update failed"))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// history keeps a nil slice from being sent as NULL.
func history(h []string) []string {
	if h == nil {
		return []string{}
	}
	return h
}

const compensationColumns = `id, transfer_id, idempotency_key, origin_account_id, amount::text, attempts, max_attempts,
	status, history, operator_notes, created_at, last_attempt_at, resolved_at`

func scanCompensation(row pgx.Row) (*domain.CompensationPending, error) {
	var (
		c              domain.CompensationPending
		amount, status string
	)
	if err := row.Scan(&c.ID, &c.TransferID, &c.IdempotencyKey, &c.OriginAccountID, &amount, &c.Attempts,
		&c.MaxAttempts, &status, &c.History, &c.OperatorNotes, &c.CreatedAt, &c.LastAttemptAt, &c.ResolvedAt); err != nil {
		return nil, notFound(err)
	}
	c.Status = domain.CompensationStatus(status)
	var err error
	if c.Amount, err = parseMoney(amount); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) GetCompensation(ctx context.Context, id string) (*domain.CompensationPending, error) {
	return scanCompensation(t.q.QueryRow(ctx, "SELECT "+compensationColumns+" FROM compensation_pending WHERE id = $1", id))
}

func (t *pgTx) ListCompensations(ctx context.Context, statuses ...domain.CompensationStatus) ([]domain.CompensationPending, error) {
	filter := make([]string, 0, len(statuses))
	for _, s := range statuses {
		filter = append(filter, string(s))
	}
	rows, err := t.q.Query(ctx,
		"SELECT "+compensationColumns+` FROM compensation_pending
		 WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		 ORDER BY created_at, id`,
		filter,
	)
	if err != nil {
		return nil, errors.Wrap(err, "compensation query failed")
	}
	defer rows.Close()

	var out []domain.CompensationPending
	for rows.Next() {
		c, err := scanCompensation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "compensation scan failed")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// --- outbox ---

func (t *pgTx) EnqueueOutbox(ctx context.Context, ev domain.OutboxEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO outbox_events (id, topic, event_type, payload, partition_key, created_at, retry_count)
		 VALUES ($1, $2, $3, $4, $5, $6, 0)`,
		ev.ID, ev.Topic, ev.EventType, []byte(ev.Payload), ev.PartitionKey, ev.CreatedAt,
	)
	if err != nil {
		return classify(errors.Wrap(err, "outbox insert failed"))
	}
	return nil
}

func (t *pgTx) FetchUnprocessed(ctx context.Context, limit, maxRetries int) ([]domain.OutboxEvent, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, topic, event_type, payload, partition_key, created_at, processed_at, retry_count, last_error
		 FROM outbox_events
		 WHERE processed_at IS NULL AND retry_count < $2
		 ORDER BY created_at, id
		 LIMIT $1`,
		limit, maxRetries,
	)
	if err != nil {
		return nil, errors.Wrap(err, "outbox query failed")
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var (
			id, topic, eventType, partitionKey, lastError string
			payload                                       []byte
			createdAt                                     time.Time
			processedAt                                   *time.Time
			retryCount                                    int
		)
		if err := rows.Scan(&id, &topic, &eventType, &payload, &partitionKey, &createdAt, &processedAt, &retryCount, &lastError); err != nil {
			return nil, errors.Wrap(err, "outbox scan failed")
		}
		out = append(out, domain.RestoreOutboxEvent(id, topic, eventType, payload, partitionKey, createdAt, processedAt, retryCount, lastError))
	}
	return out, rows.Err()
}

func (t *pgTx) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE outbox_events SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL", id, at)
	if err != nil {
		return errors.Wrap(err, "outbox update failed")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *pgTx) RecordOutboxFailure(ctx context.Context, id, lastError string) (int, error) {
	var count int
	err := t.q.QueryRow(ctx,
		`UPDATE outbox_events SET retry_count = retry_count + 1, last_error = $2
		 WHERE id = $1 RETURNING retry_count`,
		id, lastError,
	).Scan(&count)
	if err != nil {
		return 0, notFound(err)
	}
	return count, nil
}

func (t *pgTx) CountStuck(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		"SELECT count(*) FROM outbox_events WHERE processed_at IS NULL AND retry_count >= $1", maxRetries,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "outbox count failed")
	}
	return n, nil
}

func (t *pgTx) PurgeProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx,
		"DELETE FROM outbox_events WHERE processed_at IS NOT NULL AND processed_at < $1", before)
	if err != nil {
		return 0, errors.Wrap(err, "outbox purge failed")
	}
	return tag.RowsAffected(), nil
}
