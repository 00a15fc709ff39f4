package webhook

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
)

// maxPayloadBytes bounds webhook bodies. Providers send small JSON documents;
// anything larger is hostile.
const maxPayloadBytes = 1 << 20

// Handler exposes the webhook ingestion endpoint.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new webhook handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes mounts the webhook routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/{gateway}", h.receive)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		signature = r.Header.Get("X-Webhook-Signature")
	}

	result, err := h.service.Ingest(r.Context(), gatewayName, payload, signature, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownGateway):
			api.WriteError(w, http.StatusNotFound, api.ErrCodeUnknownGateway, "unknown gateway")
		case errors.Is(err, ErrInvalidSignature):
			api.WriteError(w, http.StatusForbidden, api.ErrCodeSignature, "signature verification failed")
		case errors.Is(err, ErrMalformedPayload):
			api.BadRequest(w, "malformed payload")
		default:
			h.logger.Error("webhook ingestion failed", "gateway", gatewayName, "error", err)
			api.InternalError(w, "internal error")
		}
		return
	}

	// Always 200 once persisted; processing failures are replayed internally
	// rather than provoking provider redelivery storms.
	api.WriteData(w, http.StatusOK, result)
}
