package fees

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

// Fee is one charge, at most one per transfer.
type Fee struct {
	ID         string          `json:"id"`
	TransferID string          `json:"transfer_id"`
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store keeps charged fees in SQLite. Use ":memory:" for tests.
type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS fees (
		id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fees_account ON fees(account_id, created_at);
	`)
	return err
}

// Charged reports whether a fee was already recorded for transferID.
func (s *Store) Charged(ctx context.Context, transferID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM fees WHERE transfer_id = ?", transferID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "fee lookup failed")
	}
	return n > 0, nil
}

// Record inserts f. Recording the same transfer twice is a no-op.
func (s *Store) Record(ctx context.Context, f Fee) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fees (id, transfer_id, account_id, amount, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(transfer_id) DO NOTHING`,
		f.ID, f.TransferID, f.AccountID, f.Amount.StringFixed(domain.MoneyPlaces), f.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "fee insert failed")
	}
	return nil
}

// List returns the account's fees, newest first.
func (s *Store) List(ctx context.Context, accountID string) ([]Fee, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transfer_id, account_id, amount, created_at FROM fees
		 WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "fee query failed")
	}
	defer rows.Close()

	var out []Fee
	for rows.Next() {
		var (
			f                 Fee
			amount, createdAt string
		)
		if err := rows.Scan(&f.ID, &f.TransferID, &f.AccountID, &amount, &createdAt); err != nil {
			return nil, errors.Wrap(err, "fee scan failed")
		}
		if f.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.Wrapf(err, "fee %s amount", f.ID)
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, errors.Wrapf(err, "fee %s timestamp", f.ID)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
