package settlement

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
)

// Handler exposes settlement and bank account endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the settlement routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/settlements", func(r chi.Router) {
		r.Get("/{id}", h.get)
		r.Post("/{id}/cancel", h.cancel)
	})

	r.Route("/bank-accounts", func(r chi.Router) {
		r.Post("/", h.addAccount)
		r.Post("/{id}/verify", h.verifyAccount)
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	st, err := h.service.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, st)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	st, err := h.service.Cancel(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			api.NotFound(w, "settlement not found")
			return
		}
		// State machine rejection: only pending settlements cancel.
		api.Conflict(w, err.Error())
		return
	}
	api.WriteData(w, http.StatusOK, st)
}

func (h *Handler) addAccount(w http.ResponseWriter, r *http.Request) {
	var req AddBankAccountRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	account, err := h.service.AddBankAccount(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, account)
}

func (h *Handler) verifyAccount(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	account, err := h.service.VerifyBankAccount(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, account)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "resource not found")
	case errors.Is(err, database.ErrAlreadyExists):
		api.Conflict(w, "resource already exists")
	default:
		h.logger.Error("request failed", "error", err)
		api.InternalError(w, "internal error")
	}
}
