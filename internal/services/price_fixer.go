package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/gateway"
	"github.com/paylane/checkout/internal/repositories"
)

// PriceFixerConfig gates how far the fixer may move persisted totals.
type PriceFixerConfig struct {
	// ToleranceMinorUnits is the largest delta the fixer corrects
	// without an explicit operator override.
	ToleranceMinorUnits int64
	// AllowTotalsOverride permits corrections beyond the tolerance when
	// the command also sets Override.
	AllowTotalsOverride bool
}

// FixOrderPricesCommand identifies the order to re-sync with the
// gateway. Override acknowledges a delta beyond the tolerance.
type FixOrderPricesCommand struct {
	OrderID  string
	Override bool
	Request  RequestContext
}

// FixOrderPricesResult reports what the fixer did.
type FixOrderPricesResult struct {
	Order         Order
	Adjusted      bool
	ItemsAdjusted bool
	PreviousTotal int64
	NewTotal      int64
}

// PriceFixerServiceDeps bundles collaborators for the fixer.
type PriceFixerServiceDeps struct {
	Orders  repositories.OrderRepository
	Gateway gateway.Client
	Monitor Monitor
	Config  PriceFixerConfig
	Clock   func() time.Time
	Logger  Logger
}

type priceFixerService struct {
	orders  repositories.OrderRepository
	gateway gateway.Client
	monitor Monitor
	cfg     PriceFixerConfig
	clock   func() time.Time
	logger  Logger
}

// NewPriceFixerService wires dependencies into a PriceFixerService.
func NewPriceFixerService(deps PriceFixerServiceDeps) (PriceFixerService, error) {
	if deps.Orders == nil {
		return nil, errors.New("price fixer service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("price fixer service: gateway client is required")
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = noopMonitor{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &priceFixerService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		monitor: monitor,
		cfg:     deps.Config,
		clock:   func() time.Time { return clock().UTC() },
		logger:  logger,
	}, nil
}

// FixOrderPrices re-reads the transaction from the gateway and, when the
// persisted totals disagree, overwrites them with the gateway's figures.
// The gateway settled what the shopper actually paid, so its record wins
// over whatever the order stored at creation time.
func (s *priceFixerService) FixOrderPrices(ctx context.Context, cmd FixOrderPricesCommand) (FixOrderPricesResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return FixOrderPricesResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return FixOrderPricesResult{}, translateRepositoryError(err)
	}

	record, err := s.gateway.FetchTransaction(ctx, order.Payment.Reference)
	if err != nil {
		return FixOrderPricesResult{}, fmt.Errorf("%w: fetch transaction: %v", ErrUnavailable, err)
	}

	previous := order.Totals.GrandTotal
	delta := record.GrandTotal - previous
	if delta == 0 {
		return FixOrderPricesResult{
			Order:         order,
			PreviousTotal: previous,
			NewTotal:      previous,
		}, nil
	}

	if absInt64(delta) > s.cfg.ToleranceMinorUnits {
		if !cmd.Override || !s.cfg.AllowTotalsOverride {
			return FixOrderPricesResult{}, fmt.Errorf(
				"%w: delta %d exceeds tolerance %d and no override was granted",
				ErrConflict, delta, s.cfg.ToleranceMinorUnits,
			)
		}
		s.monitor.ReportAnomaly(ctx, "order.price_fix_override", map[string]any{
			"orderId": order.ID,
			"delta":   delta,
		})
	}

	now := s.clock()
	itemsAdjusted := s.fixItemPrices(&order, record)

	order.Totals.Tax = record.TaxAmount
	order.Totals.Discount = record.DiscountAmount
	order.Totals.Shipping = record.ShippingAmount
	order.Totals.GrandTotal = record.GrandTotal
	order.Totals.Subtotal = record.GrandTotal + record.DiscountAmount - record.TaxAmount - record.ShippingAmount
	order.UpdatedAt = now
	order.History = append(order.History, domain.StatusComment{
		Message:   fmt.Sprintf("forcing the price from %d to %d", previous, record.GrandTotal),
		CreatedAt: now,
	})

	if err := s.orders.Update(ctx, order); err != nil {
		return FixOrderPricesResult{}, translateRepositoryError(err)
	}

	s.logger(ctx, "order.prices_fixed", map[string]any{
		"orderId":       order.ID,
		"previousTotal": previous,
		"newTotal":      record.GrandTotal,
		"itemsAdjusted": itemsAdjusted,
	})

	return FixOrderPricesResult{
		Order:         order,
		Adjusted:      true,
		ItemsAdjusted: itemsAdjusted,
		PreviousTotal: previous,
		NewTotal:      record.GrandTotal,
	}, nil
}

// fixItemPrices overwrites per-line prices from the gateway record. It
// requires the two item sets to agree on SKUs and quantities, and every
// SKU to appear exactly once on each side; duplicated SKUs make the
// line-by-line mapping ambiguous, so only the totals are corrected.
func (s *priceFixerService) fixItemPrices(order *domain.Order, record domain.TransactionRecord) bool {
	external := make(map[string]domain.TransactionItem, len(record.Items))
	for _, item := range record.Items {
		if _, dup := external[item.SKU]; dup {
			return false
		}
		external[item.SKU] = item
	}

	if len(external) != len(order.Items) {
		return false
	}

	seen := make(map[string]bool, len(order.Items))
	for _, item := range order.Items {
		if seen[item.SKU] {
			return false
		}
		seen[item.SKU] = true
		remote, ok := external[item.SKU]
		if !ok || remote.Quantity != item.Quantity {
			return false
		}
	}

	for i := range order.Items {
		remote := external[order.Items[i].SKU]
		order.Items[i].UnitPrice = remote.UnitPrice
		order.Items[i].TotalPrice = remote.TotalAmount
		order.Items[i].RowTotalWithDiscount = remote.TotalAmount
	}
	return true
}

var _ PriceFixerService = (*priceFixerService)(nil)
