package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/domain"
)

func escalated() domain.CompensationPending {
	return domain.CompensationPending{
		ID:              "comp-1",
		TransferID:      "tr-1",
		OriginAccountID: "acc-1",
		Amount:          domain.MustMoney("30"),
		Attempts:        5,
		MaxAttempts:     5,
		Status:          domain.CompensationEscalated,
		History:         []string{"credit destination failed", "attempt 1 failed"},
		OperatorNotes:   "2026-01-02 10:00:00 - called the bank",
		CreatedAt:       time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
	}
}

func textPrinter(buf *bytes.Buffer) printer {
	return printer{w: buf, json: func() bool { return false }}
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, textPrinter(&buf).table([]domain.CompensationPending{escalated()}))

	out := buf.String()
	for _, want := range []string{"STATUS", "ATTEMPTS", "comp-1", "30.00", "EscaladoManual", "5/5", "2026-01-02 09:00:00", "(1 record)"} {
		assert.Contains(t, out, want)
	}
}

func TestPrinter_EmptyTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, textPrinter(&buf).table(nil))
	assert.Equal(t, "No compensation records.\n", buf.String())
}

func TestPrinter_Record(t *testing.T) {
	var buf bytes.Buffer
	rec := escalated()
	require.NoError(t, textPrinter(&buf).record(&rec))

	out := buf.String()
	for _, want := range []string{"comp-1", "acc-1", "HISTORY", "credit destination failed", "called the bank"} {
		assert.Contains(t, out, want)
	}
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := printer{w: &buf, json: func() bool { return true }}
	require.NoError(t, p.table([]domain.CompensationPending{escalated()}))

	var got []domain.CompensationPending
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "comp-1", got[0].ID)
}

func TestAdminClient_SendsServiceKeyAndFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "svc", r.Header.Get(auth.ServiceKeyHeader))
		assert.Equal(t, adminPath, r.URL.Path)
		assert.Equal(t, "Pending,EscaladoManual", r.URL.Query().Get("status"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]domain.CompensationPending{escalated()})
	}))
	defer srv.Close()

	recs, err := newAdminClient(srv.URL, "svc").list(context.Background(), []string{"Pending", "EscaladoManual"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "comp-1", recs[0].ID)
}

func TestAdminClient_CodedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"DUPLICATE_REQUEST","error":"a reversal is in flight"}`))
	}))
	defer srv.Close()

	_, err := newAdminClient(srv.URL, "svc").resolve(context.Background(), "comp-1", "done")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DUPLICATE_REQUEST")
}
