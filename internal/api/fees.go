package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/auth"
	"github.com/punchamoorthee/transferops/internal/domain"
	"github.com/punchamoorthee/transferops/internal/fees"
)

// FeeHandler exposes the fees charged to an account.
type FeeHandler struct {
	base
	fees *fees.Store
}

func NewFeeHandler(s *fees.Store, a *auth.Authenticator, logger *zap.Logger) *FeeHandler {
	return &FeeHandler{base: base{auth: a, logger: logger.Named("api")}, fees: s}
}

func (h *FeeHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/fees/{accountId}",
		instrument("GET", "/fees/{accountId}", authenticated(h.auth, h.ListFeesHandler))).Methods(http.MethodGet)
}

func (h *FeeHandler) ListFeesHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := mux.Vars(r)["accountId"]
	if !p.CanActOn(id) {
		respondWithError(w, http.StatusForbidden, domain.CodeForbidden, "not allowed to read this account")
		return
	}
	list, err := h.fees.List(r.Context(), id)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []fees.Fee{}
	}
	respondWithJSON(w, http.StatusOK, list)
}
