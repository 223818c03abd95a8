package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/ledger"
	"github.com/punchamoorthee/transferops/internal/models"
	"github.com/punchamoorthee/transferops/internal/service"
)

// AccountHandler serves the account service: registration, login, balance,
// movements and the lookups used by peer services.
type AccountHandler struct {
	base
	accounts *service.AccountService
	ledger   *ledger.Service
}

func NewAccountHandler(accounts *service.AccountService, l *ledger.Service, a *auth.Authenticator, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		base:     base{auth: a, logger: logger.Named("api")},
		accounts: accounts,
		ledger:   l,
	}
}

func (h *AccountHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/accounts", instrument("POST", "/accounts", h.RegisterHandler)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/login", instrument("POST", "/auth/login", h.LoginHandler)).Methods(http.MethodPost)

	// Lookups go first so "validate" and "number" never match {id}.
	v1.HandleFunc("/accounts/validate/{number:[0-9]+}",
		instrument("GET", "/accounts/validate/{number}", authenticated(h.auth, h.ValidateHandler))).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/number/{number:[0-9]+}",
		instrument("GET", "/accounts/number/{number}", authenticated(h.auth, h.LookupHandler))).Methods(http.MethodGet)

	v1.HandleFunc("/accounts/{id}/balance",
		instrument("GET", "/accounts/{id}/balance", authenticated(h.auth, h.BalanceHandler))).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/movements",
		instrument("GET", "/accounts/{id}/movements", authenticated(h.auth, h.ListMovementsHandler))).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/movements",
		instrument("POST", "/accounts/{id}/movements", authenticated(h.auth, h.CreateMovementHandler))).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}/deactivate",
		instrument("POST", "/accounts/{id}/deactivate", authenticated(h.auth, h.DeactivateHandler))).Methods(http.MethodPost)
}

func (h *AccountHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	acc, err := h.accounts.Register(r.Context(), req.Name, req.Password)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.ID+"/balance")
	respondWithJSON(w, http.StatusCreated, models.AccountFrom(acc))
}

func (h *AccountHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	token, exp, err := h.accounts.Login(r.Context(), req.Number, req.Password)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.LoginResponse{Token: token, ExpiresAt: exp})
}

func (h *AccountHandler) ValidateHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	number, _ := strconv.ParseInt(mux.Vars(r)["number"], 10, 64)
	ok, err := h.accounts.Validate(r.Context(), number)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if !ok {
		respondWithError(w, http.StatusNotFound, domain.CodeInvalidAccount, "account not found or inactive")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *AccountHandler) LookupHandler(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	number, _ := strconv.ParseInt(mux.Vars(r)["number"], 10, 64)
	acc, err := h.accounts.Lookup(r.Context(), number)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *AccountHandler) BalanceHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := mux.Vars(r)["id"]
	if !p.CanActOn(id) {
		respondWithError(w, http.StatusForbidden, domain.CodeForbidden, "not allowed to read this account")
		return
	}
	acc, bal, err := h.ledger.Balance(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.BalanceResponse{
		AccountID: acc.ID,
		Number:    acc.Number,
		Name:      acc.Name,
		Balance:   bal,
		QueriedAt: time.Now().UTC(),
	})
}

func (h *AccountHandler) ListMovementsHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := mux.Vars(r)["id"]
	if !p.CanActOn(id) {
		respondWithError(w, http.StatusForbidden, domain.CodeForbidden, "not allowed to read this account")
		return
	}
	movements, err := h.ledger.Movements(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if movements == nil {
		movements = []domain.Movement{}
	}
	respondWithJSON(w, http.StatusOK, movements)
}

// CreateMovementHandler appends one movement on the path account. A user may
// only act on their own account; the service key may act on any.
func (h *AccountHandler) CreateMovementHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := mux.Vars(r)["id"]
	if !p.CanActOn(id) {
		respondWithError(w, http.StatusForbidden, domain.CodeForbidden, "not allowed to move funds on this account")
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	var req models.MovementRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	res, err := h.ledger.Append(r.Context(), ledger.Command{
		CallerAccountID:     id,
		TargetAccountNumber: req.AccountNumber,
		IdempotencyKey:      key,
		Kind:                req.Type,
		Amount:              req.Amount,
	})
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, models.MovementResponse{Movement: res.Movement, Replayed: res.Replayed})
}

func (h *AccountHandler) DeactivateHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := mux.Vars(r)["id"]
	if p.AccountID != id {
		respondWithError(w, http.StatusForbidden, domain.CodeForbidden, "only the owner may deactivate an account")
		return
	}
	var req models.DeactivateRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if err := h.accounts.Deactivate(r.Context(), id, req.Password); err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
