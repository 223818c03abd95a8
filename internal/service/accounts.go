package service

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/outbox"
	"github.com/punchamoorthee/transferops/internal/store"
)

const minPasswordLength = 6

// AccountService owns registration, login and deactivation.
type AccountService struct {
	store  store.Store
	auth   *auth.Authenticator
	logger *zap.Logger
	now    func() time.Time
}

func NewAccountService(s store.Store, a *auth.Authenticator, logger *zap.Logger) *AccountService {
	return &AccountService{store: s, auth: a, logger: logger.Named("accounts"), now: time.Now}
}

// Register creates an active account and stages AccountCreated with it.
func (s *AccountService) Register(ctx context.Context, name, password string) (*domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Errorf(domain.CodeInvalidValue, "name is required")
	}
	if len(password) < minPasswordLength {
		return nil, domain.Errorf(domain.CodeInvalidValue, "password must have at least %d characters", minPasswordLength)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}

	acc := &domain.Account{
		ID:           domain.NewID(),
		Name:         name,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, acc); err != nil {
			return err
		}
		ev, err := outbox.NewEvent(domain.TopicAccountsCreated, outbox.EventAccountCreated, acc.ID,
			domain.AccountCreated{AccountID: acc.ID, Number: acc.Number, OccurredAt: acc.CreatedAt}, acc.CreatedAt)
		if err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, ev)
	})
	if err != nil {
		return nil, errors.Wrap(err, "register account")
	}
	s.logger.Info("account registered", zap.String("account_id", acc.ID), zap.Int64("number", acc.Number))
	return acc, nil
}

// Login verifies the password of account number and issues a bearer token.
func (s *AccountService) Login(ctx context.Context, number int64, password string) (string, time.Time, error) {
	acc, err := s.store.GetAccountByNumber(ctx, number)
	if errors.Is(err, domain.ErrNotFound) {
		return "", time.Time{}, domain.Errorf(domain.CodeUnauthorized, "invalid account number or password")
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if !auth.CheckPassword(acc.PasswordHash, password) {
		return "", time.Time{}, domain.Errorf(domain.CodeUnauthorized, "invalid account number or password")
	}
	return s.auth.Issue(acc.ID)
}

// Deactivate flips the account to inactive after re-checking the password.
// Deactivating an inactive account is a no-op.
func (s *AccountService) Deactivate(ctx context.Context, accountID, password string) error {
	acc, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Errorf(domain.CodeInvalidAccount, "account not found")
	}
	if err != nil {
		return err
	}
	if !auth.CheckPassword(acc.PasswordHash, password) {
		return domain.Errorf(domain.CodeUnauthorized, "invalid password")
	}
	if !acc.Active {
		return nil
	}
	if err := s.store.SetAccountActive(ctx, accountID, false); err != nil {
		return errors.Wrap(err, "deactivate account")
	}
	s.logger.Info("account deactivated", zap.String("account_id", accountID))
	return nil
}

// Validate reports whether number names an existing, active account.
func (s *AccountService) Validate(ctx context.Context, number int64) (bool, error) {
	acc, err := s.store.GetAccountByNumber(ctx, number)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acc.Active, nil
}

// Lookup returns the public view of account number.
func (s *AccountService) Lookup(ctx context.Context, number int64) (*accountclient.Account, error) {
	acc, err := s.store.GetAccountByNumber(ctx, number)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Errorf(domain.CodeNotFound, "account %d not found", number)
	}
	if err != nil {
		return nil, err
	}
	return &accountclient.Account{ID: acc.ID, Number: acc.Number, Active: acc.Active}, nil
}
