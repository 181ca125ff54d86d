package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/paylane/checkout/internal/platform/httpx"
	"github.com/paylane/checkout/internal/services"
)

// DiscountHandlers exposes the coupon application endpoint used by the
// storefront during checkout.
type DiscountHandlers struct {
	discounts services.DiscountService
}

// NewDiscountHandlers constructs the discount handlers.
func NewDiscountHandlers(discounts services.DiscountService) *DiscountHandlers {
	return &DiscountHandlers{discounts: discounts}
}

// Routes registers discount endpoints under the provided router.
func (h *DiscountHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/discounts/apply", h.applyCoupon)
}

type applyCouponRequest struct {
	Code           string `json:"code"`
	OrderReference string `json:"order_reference"`
	DisplayID      string `json:"display_id"`
}

type applyCouponResponse struct {
	Code           string                     `json:"code"`
	DiscountAmount int64                      `json:"discount_amount"`
	Description    string                     `json:"description,omitempty"`
	DiscountType   string                     `json:"discount_type,omitempty"`
	Totals         services.CartTotalsSummary `json:"totals"`
}

type couponErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (h *DiscountHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.discounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("discounts_unavailable", "discount service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req applyCouponRequest
	if !decodeRequest(ctx, w, r, &req) {
		return
	}

	code := strings.TrimSpace(req.Code)
	if code == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
		return
	}

	cmd := services.ApplyCouponCommand{
		Code:           code,
		OrderReference: strings.TrimSpace(req.OrderReference),
		DisplayID:      strings.TrimSpace(req.DisplayID),
	}

	result, err := h.discounts.ApplyCoupon(ctx, cmd)
	if err != nil {
		var couponErr *services.CouponError
		if errors.As(err, &couponErr) {
			writeJSONResponse(w, couponErr.HTTPStatus, couponErrorResponse{
				Code:    couponErr.Code,
				Message: couponErr.Message,
			})
			return
		}
		switch {
		case errors.Is(err, services.ErrInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "referenced cart or order not found", http.StatusNotFound))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("discount_error", "failed to apply coupon", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, applyCouponResponse{
		Code:           result.Code,
		DiscountAmount: result.DiscountAmount,
		Description:    result.Description,
		DiscountType:   result.DiscountType,
		Totals:         result.Totals,
	})
}
