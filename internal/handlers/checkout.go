package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/platform/httpx"
	"github.com/paylane/checkout/internal/services"
)

const maxCheckoutRequestBody = 8 * 1024

// CheckoutHandlers exposes the storefront-facing checkout endpoints:
// cart payload previews and snapshot creation.
type CheckoutHandlers struct {
	snapshots services.SnapshotService
}

// NewCheckoutHandlers constructs the checkout handlers.
func NewCheckoutHandlers(snapshots services.SnapshotService) *CheckoutHandlers {
	return &CheckoutHandlers{snapshots: snapshots}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout/payload", h.buildPayload)
	r.Post("/checkout/snapshots", h.createSnapshot)
}

type buildPayloadRequest struct {
	SessionID string           `json:"session_id"`
	Mode      string           `json:"mode"`
	Shipping  *domain.Shipment `json:"shipping,omitempty"`
	TaxAmount *int64           `json:"tax_amount,omitempty"`
}

type buildPayloadResponse struct {
	Payload         domain.CartPayload `json:"payload"`
	RecomputedTotal int64              `json:"recomputed_total"`
}

type createSnapshotRequest struct {
	SessionID string `json:"session_id"`
}

type createSnapshotResponse struct {
	SnapshotID  string             `json:"snapshot_id"`
	OrderNumber string             `json:"order_number"`
	DisplayID   string             `json:"display_id"`
	Token       string             `json:"token"`
	Reference   string             `json:"reference,omitempty"`
	Payload     domain.CartPayload `json:"payload"`
}

func (h *CheckoutHandlers) buildPayload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.snapshots == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req buildPayloadRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session_id is required", http.StatusBadRequest))
		return
	}

	mode := services.PayloadMode(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = services.PayloadModeFull
	}
	if mode != services.PayloadModeSubtotal && mode != services.PayloadModeFull {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "mode must be subtotal or full", http.StatusBadRequest))
		return
	}

	cmd := services.BuildCartPayloadCommand{
		SessionID:     sessionID,
		Mode:          mode,
		AdHocShipping: req.Shipping,
		AdHocTax:      req.TaxAmount,
	}

	result, err := h.snapshots.BuildCartPayload(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildPayloadResponse{
		Payload:         result.Payload,
		RecomputedTotal: result.RecomputedTotal,
	})
}

func (h *CheckoutHandlers) createSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.snapshots == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createSnapshotRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.snapshots.CreateSnapshot(ctx, services.CreateSnapshotCommand{SessionID: sessionID})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, createSnapshotResponse{
		SnapshotID:  result.Snapshot.ID,
		OrderNumber: result.Snapshot.ReservedOrderNumber,
		DisplayID:   result.Payload.DisplayID,
		Token:       result.Token.Token,
		Reference:   result.Token.Reference,
		Payload:     result.Payload,
	})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "cart session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "cart has changed; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

// decodeRequest reads a bounded JSON body into dst and writes the error
// response itself when decoding fails.
func decodeRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if len(body) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}
