package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/platform/httpx"
	"github.com/paylane/checkout/internal/services"
)

// Notification envelopes are small; the cap guards against runaway
// bodies only.
const maxWebhookRequestBody = 64 * 1024

// WebhookHandlers receives asynchronous status notifications from the
// payment gateway.
type WebhookHandlers struct {
	payments services.PaymentService
	validate *validator.Validate
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{
		payments: payments,
		validate: validator.New(),
	}
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhooks/gateway", h.gatewayNotification)
}

// The notification envelope is thin: a transaction reference, the new
// status, and optionally the amount and display id. Capture and refund
// events are the exception; their amounts must come from the gateway's
// full transaction record, which the payment service fetches by
// reference.
type gatewayNotificationRequest struct {
	Reference     string `json:"reference" validate:"required_without=TransactionID"`
	TransactionID string `json:"transaction_id" validate:"required_without=Reference"`
	NewStatus     string `json:"new_status" validate:"required"`
	Amount        *int64 `json:"amount"`
	DisplayID     string `json:"display_id"`
}

type gatewayNotificationResponse struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	PreviousStatus string `json:"previous_status,omitempty"`
	CurrentStatus  string `json:"current_status"`
	Changed        bool   `json:"changed"`
}

type orderCreationErrorResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type transitionErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (h *WebhookHandlers) gatewayNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	if len(body) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return
	}

	var req gatewayNotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "new_status and a reference or transaction_id are required", http.StatusBadRequest))
		return
	}

	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		reference = strings.TrimSpace(req.TransactionID)
	}
	status := strings.ToLower(strings.TrimSpace(req.NewStatus))

	cmd := services.PaymentNotificationCommand{
		Reference: reference,
		Request:   services.RequestContext{AsyncNotification: true},
	}
	if !statusNeedsFullRecord(status) {
		record := &domain.TransactionRecord{
			Reference: reference,
			Status:    status,
			DisplayID: strings.TrimSpace(req.DisplayID),
		}
		if req.Amount != nil {
			record.GrandTotal = *req.Amount
		}
		if err := record.Validate(); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_transaction", err.Error(), http.StatusBadRequest))
			return
		}
		cmd.Record = record
	}

	result, err := h.payments.RecordNotification(ctx, cmd)
	if err != nil {
		h.writeNotificationError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, gatewayNotificationResponse{
		OrderID:        result.Order.ID,
		OrderNumber:    result.Order.Number,
		PreviousStatus: result.PreviousStatus,
		CurrentStatus:  result.CurrentStatus,
		Changed:        result.Changed,
	})
}

// statusNeedsFullRecord reports whether a notification represents a
// capture or refund. Those carry amounts only the full transaction
// record knows, so they are fetched instead of trusted from the thin
// envelope.
func statusNeedsFullRecord(status string) bool {
	return status == domain.TransactionCompleted || status == domain.TransactionRefund
}

// writeNotificationError maps service failures onto the response shapes
// the gateway's notification dispatcher understands. Creation failures
// keep their numeric codes so the gateway can surface them to support
// staff.
func (h *WebhookHandlers) writeNotificationError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	var creationErr *services.OrderCreationError
	if errors.As(err, &creationErr) {
		writeJSONResponse(w, http.StatusUnprocessableEntity, orderCreationErrorResponse{
			Code:    creationErr.Code,
			Message: creationErr.Message,
			Data:    creationErr.Data,
		})
		return
	}

	var transitionErr *services.TransitionError
	if errors.As(err, &transitionErr) {
		writeJSONResponse(w, http.StatusConflict, transitionErrorResponse{
			Code:    "illegal_transition",
			Message: transitionErr.Error(),
			From:    transitionErr.From,
			To:      transitionErr.To,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrTransactionInvalid), errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transaction", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no order or snapshot for reference", http.StatusNotFound))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("notification_conflict", "concurrent update; retry the notification", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "dependency unavailable; retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("notification_error", "failed to process notification", http.StatusInternalServerError))
	}
}
