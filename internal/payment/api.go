package payment

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/payment/domain"
)

// Handler exposes transaction and payment method endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the payment routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Post("/payments", h.submitPayment)
		r.Post("/payouts", h.submitPayout)
		r.Get("/{id}", h.getTransaction)
		r.Get("/", h.listTransactions)
		r.Post("/{id}/retry", h.retryTransaction)
		r.Post("/{id}/refund", h.refundTransaction)
		r.Post("/{id}/reconcile", h.reconcileTransaction)
	})

	r.Route("/payment-methods", func(r chi.Router) {
		r.Post("/", h.addMethod)
		r.Get("/", h.listMethods)
		r.Post("/{id}/verify", h.verifyMethod)
		r.Post("/{id}/default", h.setDefaultMethod)
		r.Delete("/{id}", h.removeMethod)
	})
}

func (h *Handler) submitPayment(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.service.SubmitPayment)
}

func (h *Handler) submitPayout(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, h.service.SubmitPayout)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error)) {
	var req SubmitRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	resp, err := fn(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if resp.Status == domain.StatusFailed {
		status = http.StatusUnprocessableEntity
	}
	api.WriteData(w, status, resp)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	txn, err := h.service.GetTransaction(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = middleware.GetUserID(r.Context())
	}
	if userID == "" {
		api.BadRequest(w, "user_id is required")
		return
	}

	params := api.GetPaginationParams(r, 20, 100)
	txns, err := h.service.ListTransactions(r.Context(), tenantID, userID, params.Limit, params.Offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WritePaginated(w, txns, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: len(txns) == params.Limit,
	})
}

func (h *Handler) retryTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	resp, err := h.service.Retry(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, ErrNotRetryable) {
			api.WriteError(w, http.StatusConflict, api.ErrCodeNotRetryable, "transaction cannot be retried")
			return
		}
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, resp)
}

func (h *Handler) refundTransaction(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	tenantID := middleware.GetTenantID(r.Context())
	resp, err := h.service.Refund(r.Context(), tenantID, chi.URLParam(r, "id"), &req)
	if err != nil {
		if errors.Is(err, ErrRefundExceeds) {
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
			return
		}
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, resp)
}

func (h *Handler) reconcileTransaction(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	txn, err := h.service.Reconcile(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, txn)
}

func (h *Handler) addMethod(w http.ResponseWriter, r *http.Request) {
	var req AddMethodRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	method, err := h.service.AddMethod(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, method)
}

func (h *Handler) listMethods(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = middleware.GetUserID(r.Context())
	}
	if userID == "" {
		api.BadRequest(w, "user_id is required")
		return
	}

	methods, err := h.service.ListMethods(r.Context(), tenantID, userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, methods)
}

func (h *Handler) verifyMethod(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	method, err := h.service.VerifyMethod(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, method)
}

func (h *Handler) setDefaultMethod(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	method, err := h.service.SetDefaultMethod(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, method)
}

func (h *Handler) removeMethod(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if err := h.service.RemoveMethod(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		api.NotFound(w, "resource not found")
	case errors.Is(err, database.ErrAlreadyExists):
		api.Conflict(w, "resource already exists")
	case errors.Is(err, ErrMethodNotVerified):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		api.InternalError(w, "internal error")
	}
}
