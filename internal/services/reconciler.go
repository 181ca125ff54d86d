package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/paylane/checkout/internal/domain"
)

const reconcilerMeterScope = "github.com/paylane/checkout/internal/services"

// reconciler cross-validates the gateway's transaction record against
// locally recomputed totals. A delta within tolerance is accepted (and
// corrected at commit time); anything beyond it rejects the order.
type reconciler struct {
	tolerance int64
	hooks     []OrderHook
	logger    Logger
	warnings  metric.Int64Counter
}

func newReconciler(tolerance int64, hooks []OrderHook, logger Logger) *reconciler {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := otel.Meter(reconcilerMeterScope)
	warnings, err := meter.Int64Counter(
		"checkout.reconciliation.warnings",
		metric.WithDescription("totals deltas accepted within tolerance"),
	)
	if err != nil {
		warnings = nil
	}
	return &reconciler{
		tolerance: tolerance,
		hooks:     hooks,
		logger:    logger,
		warnings:  warnings,
	}
}

// validateItems checks every external item against the matching local
// line. An item passes when the external total equals either the row
// total with discount or the plain unit price times quantity.
func (r *reconciler) validateItems(record domain.TransactionRecord, items []domain.LineItem) error {
	local := make(map[string]domain.LineItem, len(items))
	for _, item := range items {
		local[item.Reference] = item
	}

	for _, external := range record.Items {
		line, found := local[external.Reference]
		if !found {
			return NewOrderCreationError(OrderErrItemPriceUpdated, nil, "item %s is not present in the cart", external.Reference).
				WithData(map[string]any{"reason": "cart item missing", "product_id": external.Reference})
		}
		if r.skipItem(line) {
			continue
		}
		recomputed := line.UnitPrice * line.Quantity
		if external.TotalAmount == line.RowTotalWithDiscount || external.TotalAmount == recomputed {
			continue
		}
		return NewOrderCreationError(OrderErrItemPriceUpdated, nil, "price of item %s changed", external.Reference).
			WithData(map[string]any{
				"reason":     "price mismatch",
				"product_id": external.Reference,
				"old_value":  external.TotalAmount,
				"new_value":  recomputed,
			})
	}
	return nil
}

// validateAggregates compares the tax, discount and shipping totals.
// skipSubChecks suppresses the discount and shipping comparisons when a
// percentage rule applied before shipping makes them incomparable with
// the gateway's fixed-discount-first model; the grand-total check then
// governs alone.
func (r *reconciler) validateAggregates(ctx context.Context, record domain.TransactionRecord, local domain.Totals, skipSubChecks bool) error {
	if err := r.checkAggregate(ctx, "tax", record.TaxAmount, local.Tax); err != nil {
		return err
	}
	if skipSubChecks {
		return nil
	}
	if err := r.checkAggregate(ctx, "discount", record.DiscountAmount, local.Discount); err != nil {
		return err
	}
	return r.checkAggregate(ctx, "shipping", record.ShippingAmount, local.Shipping)
}

func (r *reconciler) checkAggregate(ctx context.Context, field string, external, local int64) error {
	delta := absInt64(external - local)
	if delta == 0 {
		return nil
	}
	if delta > r.tolerance {
		return NewOrderCreationError(OrderErrItemPriceUpdated, nil, "%s total mismatch: gateway %d, local %d", field, external, local).
			WithData(map[string]any{
				"reason":    field + " mismatch",
				"old_value": external,
				"new_value": local,
			})
	}
	r.warn(ctx, field, delta)
	return nil
}

// finalGrandTotalCheck is the last gate before commit. Within tolerance
// it returns the delta the caller applies to tax and grand total; beyond
// it the whole order creation fails.
func (r *reconciler) finalGrandTotalCheck(ctx context.Context, external, local int64) (int64, error) {
	delta := external - local
	if absInt64(delta) > r.tolerance {
		return 0, NewOrderCreationError(OrderErrItemPriceUpdated, nil, "grand total mismatch: gateway %d, local %d", external, local).
			WithData(map[string]any{
				"reason":    "grand total mismatch",
				"old_value": external,
				"new_value": local,
			})
	}
	if delta != 0 {
		r.warn(ctx, "grand_total", absInt64(delta))
	}
	return delta, nil
}

func (r *reconciler) skipItem(item domain.LineItem) bool {
	for _, hook := range r.hooks {
		if hook != nil && hook.SkipItemValidation(item) {
			return true
		}
	}
	return false
}

func (r *reconciler) warn(ctx context.Context, field string, delta int64) {
	r.logger(ctx, "reconciliation.delta_within_tolerance", map[string]any{
		"field": field,
		"delta": delta,
	})
	if r.warnings != nil {
		r.warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("field", field)))
	}
}
