package accountclient_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/transferops/internal/accountclient"
	"github.com/punchamoorthee/transferops/internal/domain"
)

func newServer(t *testing.T, h http.HandlerFunc) *accountclient.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return accountclient.New(srv.URL+"/", "svc-key", time.Second)
}

func TestValidateAccount(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "svc-key", r.Header.Get(accountclient.ServiceKeyHeader))
		switch r.URL.Path {
		case "/api/v1/accounts/validate/1":
			w.WriteHeader(http.StatusOK)
		case "/api/v1/accounts/validate/2":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	ok, err := c.ValidateAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ValidateAccount(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.ValidateAccount(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))
}

func TestAccountByNumber(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/accounts/number/7" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(accountclient.Account{ID: "acc-7", Number: 7, Active: true})
	})

	acc, err := c.AccountByNumber(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "acc-7", acc.ID)
	assert.True(t, acc.Active)

	_, err = c.AccountByNumber(context.Background(), 8)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostMovement_SendsKeysAndBody(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/accounts/acc-1/movements", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get(accountclient.IdempotencyKeyHeader))
		assert.Equal(t, "svc-key", r.Header.Get(accountclient.ServiceKeyHeader))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"account_number":9,"type":"C","amount":"30.00"}`, string(body))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.PostMovement(context.Background(), accountclient.MovementRequest{
		AccountID:      "acc-1",
		AccountNumber:  9,
		IdempotencyKey: "k-1",
		Kind:           domain.Credit,
		Amount:         domain.MustMoney("30"),
		Credential:     "user-token",
	})
	require.NoError(t, err)
}

func TestPostMovement_RemoteRejectionKeepsCode(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":"INSUFFICIENT_BALANCE","error":"insufficient balance"}`))
	})

	err := c.PostMovement(context.Background(), accountclient.MovementRequest{
		AccountID: "acc-1", IdempotencyKey: "k", Kind: domain.Debit, Amount: domain.MustMoney("1"),
	})
	assert.Equal(t, domain.CodeInsufficientBalance, domain.CodeOf(err))
	assert.Equal(t, "insufficient balance", domain.DetailOf(err))
}

func TestPostMovement_ServerErrorIsUntagged(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"INSUFFICIENT_BALANCE"}`))
	})

	err := c.PostMovement(context.Background(), accountclient.MovementRequest{
		AccountID: "acc-1", IdempotencyKey: "k", Kind: domain.Credit, Amount: domain.MustMoney("1"),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInternal, domain.CodeOf(err))
}
