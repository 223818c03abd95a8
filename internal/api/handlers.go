package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/models"
)

const maxBodyBytes = 1 << 20

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transferops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "transferops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts and times requests under a fixed endpoint label.
func instrument(method, endpoint string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(rec.status)).Inc()
	}
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authenticated rejects requests without a valid token or service key.
func authenticated(a *auth.Authenticator, fn principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(r)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, domain.CodeUnauthorized, domain.DetailOf(err))
			return
		}
		fn(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
	}
}

func (h *base) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// base carries what every handler set shares.
type base struct {
	auth   *auth.Authenticator
	logger *zap.Logger
}

// statusFor maps a machine code to its HTTP status.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidValue, domain.CodeInvalidType, domain.CodeInvalidAccount, domain.CodeInactiveAccount:
		return http.StatusBadRequest
	case domain.CodeInsufficientBalance, domain.CodeIdempotencyMismatch, domain.CodeTransferFailed:
		return http.StatusUnprocessableEntity
	case domain.CodeDuplicateRequest:
		return http.StatusConflict
	case domain.CodeCompensationPending:
		return http.StatusBadGateway
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondWithDomainError writes err as a coded error body. Internal errors are
// logged and replaced by a generic message.
func (h *base) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	if code == domain.CodeInternal {
		h.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondWithError(w, statusFor(code), code, domain.DetailOf(err))
}

// decodeBody reads a JSON body into v.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return domain.Wrap(domain.CodeInvalidValue, err, "stream read error")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.Wrap(domain.CodeInvalidValue, errors.WithStack(err), "malformed JSON body")
	}
	return nil
}

func idempotencyKey(r *http.Request) (string, error) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", domain.Errorf(domain.CodeInvalidValue, "missing Idempotency-Key header")
	}
	return key, nil
}

func respondWithError(w http.ResponseWriter, status int, code domain.Code, message string) {
	respondWithJSON(w, status, models.ErrorResponse{Code: code, Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
