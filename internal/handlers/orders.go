package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/paylane/checkout/internal/gateway"
	"github.com/paylane/checkout/internal/platform/auth"
	"github.com/paylane/checkout/internal/platform/httpx"
	"github.com/paylane/checkout/internal/services"
)

// OrderHandlers exposes back-office order operations: resolving deferred
// payment reviews and reconciling persisted totals against the gateway.
type OrderHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
	fixer    services.PriceFixerService
}

// NewOrderHandlers constructs the order handlers guarded by operator
// authentication.
func NewOrderHandlers(authn *auth.Authenticator, payments services.PaymentService, fixer services.PriceFixerService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		payments: payments,
		fixer:    fixer,
	}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(auth.RoleOperator, auth.RoleAdmin))
	}
	group.Post("/orders/{orderID}/review", h.reviewDeferred)
	group.Post("/orders/{orderID}/fix-prices", h.fixPrices)
}

type reviewDeferredRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

type reviewDeferredResponse struct {
	OrderID        string `json:"order_id"`
	OrderNumber    string `json:"order_number"`
	PreviousStatus string `json:"previous_status"`
	CurrentStatus  string `json:"current_status"`
}

type fixPricesRequest struct {
	Override bool `json:"override"`
}

type fixPricesResponse struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	Adjusted      bool   `json:"adjusted"`
	ItemsAdjusted bool   `json:"items_adjusted"`
	PreviousTotal int64  `json:"previous_total"`
	NewTotal      int64  `json:"new_total"`
}

func (h *OrderHandlers) reviewDeferred(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req reviewDeferredRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}

	decision := gateway.ReviewDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	if decision != gateway.ReviewApprove && decision != gateway.ReviewReject {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "decision must be approve or reject", http.StatusBadRequest))
		return
	}

	cmd := services.ReviewDeferredCommand{
		OrderID:  orderID,
		Decision: decision,
		Comment:  strings.TrimSpace(req.Comment),
		Request:  backOfficeRequest(ctx),
	}

	result, err := h.payments.ReviewDeferred(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, reviewDeferredResponse{
		OrderID:        result.Order.ID,
		OrderNumber:    result.Order.Number,
		PreviousStatus: result.PreviousStatus,
		CurrentStatus:  result.CurrentStatus,
	})
}

func (h *OrderHandlers) fixPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fixer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fixer_unavailable", "price fixer unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req fixPricesRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}

	cmd := services.FixOrderPricesCommand{
		OrderID:  orderID,
		Override: req.Override,
		Request:  backOfficeRequest(ctx),
	}

	result, err := h.fixer.FixOrderPrices(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, fixPricesResponse{
		OrderID:       result.Order.ID,
		OrderNumber:   result.Order.Number,
		Adjusted:      result.Adjusted,
		ItemsAdjusted: result.ItemsAdjusted,
		PreviousTotal: result.PreviousTotal,
		NewTotal:      result.NewTotal,
	})
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
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
	case errors.Is(err, services.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrIllegalTransition):
		httpx.WriteError(ctx, w, httpx.NewError("illegal_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "concurrent update; retry", http.StatusConflict))
	case errors.Is(err, services.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment gateway unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

// backOfficeRequest builds the request context for operator-initiated
// calls, carrying the authenticated subject as the actor.
func backOfficeRequest(ctx context.Context) services.RequestContext {
	req := services.RequestContext{BackOffice: true}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		req.ActorID = identity.Subject
	}
	return req
}
