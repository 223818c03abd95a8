package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/compensation"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/models"
	"github.com/punchamoorthee/transferops/internal/service"
)

// TransferHandler serves the transfer service and the operator endpoints of
// the compensation queue.
type TransferHandler struct {
	base
	transfers *service.TransferService
	queue     *compensation.Queue
}

func NewTransferHandler(svc *service.TransferService, q *compensation.Queue, a *auth.Authenticator, logger *zap.Logger) *TransferHandler {
	return &TransferHandler{
		base:      base{auth: a, logger: logger.Named("api")},
		transfers: svc,
		queue:     q,
	}
}

func (h *TransferHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/transfers",
		instrument("POST", "/transfers", authenticated(h.auth, h.CreateTransferHandler))).Methods(http.MethodPost)
	v1.HandleFunc("/transfers",
		instrument("GET", "/transfers", authenticated(h.auth, h.ListTransfersHandler))).Methods(http.MethodGet)
	v1.HandleFunc("/transfers/{id}",
		instrument("GET", "/transfers/{id}", authenticated(h.auth, h.GetTransferHandler))).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin/compensations").Subrouter()
	admin.HandleFunc("",
		instrument("GET", "/admin/compensations", authenticated(h.auth, h.operator(h.ListCompensationsHandler)))).Methods(http.MethodGet)
	admin.HandleFunc("/{id}",
		instrument("GET", "/admin/compensations/{id}", authenticated(h.auth, h.operator(h.GetCompensationHandler)))).Methods(http.MethodGet)
	admin.HandleFunc("/{id}/resolve",
		instrument("POST", "/admin/compensations/{id}/resolve", authenticated(h.auth, h.operator(h.ResolveHandler)))).Methods(http.MethodPost)
	admin.HandleFunc("/{id}/notes",
		instrument("POST", "/admin/compensations/{id}/notes", authenticated(h.auth, h.operator(h.NoteHandler)))).Methods(http.MethodPost)
	admin.HandleFunc("/{id}/requeue",
		instrument("POST", "/admin/compensations/{id}/requeue", authenticated(h.auth, h.operator(h.RequeueHandler)))).Methods(http.MethodPost)
}

func (h *TransferHandler) CreateTransferHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if p.AccountID == "" {
		respondWithError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "a user token is required")
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	var req models.TransferRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	res, err := h.transfers.Transfer(r.Context(), service.Request{
		IdempotencyKey:           key,
		OriginAccountID:          p.AccountID,
		DestinationAccountNumber: req.DestinationAccountNumber,
		Amount:                   req.Amount,
		Credential:               p.Token,
	})
	if err != nil {
		code := domain.CodeOf(err)
		if code == domain.CodeInternal {
			h.logger.Error("transfer failed", zap.String("idempotency_key", key), zap.Error(err))
		}
		respondWithJSON(w, statusFor(code), models.ErrorResponse{
			Code:           code,
			Error:          domain.DetailOf(err),
			CompensationID: res.CompensationID,
		})
		return
	}

	body := models.TransferResponse{Transfer: res.Transfer, State: string(res.State), Replayed: res.Replayed}
	if res.Replayed {
		respondWithJSON(w, http.StatusOK, body)
		return
	}
	w.Header().Set("Location", "/api/v1/transfers/"+res.Transfer.ID)
	respondWithJSON(w, http.StatusCreated, body)
}

func (h *TransferHandler) GetTransferHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	accountID := p.AccountID
	if p.Service {
		accountID = ""
	}
	transfer, err := h.transfers.Get(r.Context(), mux.Vars(r)["id"], accountID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfer)
}

func (h *TransferHandler) ListTransfersHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	accountID := p.AccountID
	if p.Service && r.URL.Query().Get("account_id") != "" {
		accountID = r.URL.Query().Get("account_id")
	}
	if accountID == "" {
		respondWithError(w, http.StatusBadRequest, domain.CodeInvalidAccount, "account_id is required")
		return
	}
	transfers, err := h.transfers.List(r.Context(), accountID)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	respondWithJSON(w, http.StatusOK, transfers)
}

// operator restricts fn to service-key callers.
func (h *TransferHandler) operator(fn principalHandler) principalHandler {
	return func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		if !p.Service {
			respondWithError(w, http.StatusForbidden, domain.CodeForbidden, "operator access requires the service key")
			return
		}
		fn(w, r, p)
	}
}

func (h *TransferHandler) ListCompensationsHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var statuses []domain.CompensationStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.CompensationStatus(strings.TrimSpace(s)))
		}
	}
	records, err := h.queue.List(r.Context(), statuses...)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.CompensationPending{}
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (h *TransferHandler) GetCompensationHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	rec, err := h.queue.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *TransferHandler) ResolveHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req models.ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	rec, err := h.queue.Resolve(r.Context(), mux.Vars(r)["id"], req.Notes)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *TransferHandler) NoteHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req models.NoteRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	rec, err := h.queue.AddNote(r.Context(), mux.Vars(r)["id"], req.Note)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *TransferHandler) RequeueHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req models.RequeueRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	rec, err := h.queue.Requeue(r.Context(), mux.Vars(r)["id"], req.ExtraAttempts)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}
