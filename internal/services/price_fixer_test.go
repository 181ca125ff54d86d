package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
)

type fixerFixture struct {
	now time.Time

	orders  *stubOrderRepository
	gateway *stubGatewayClient

	storedOrder *domain.Order
}

func newFixerFixture() *fixerFixture {
	now := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	order := domain.Order{
		ID:       "ord-1",
		Number:   "PL-2026-000042",
		Currency: "EUR",
		Status:   domain.OrderStateProcessing,
		Items: []domain.LineItem{
			{Reference: "prod-1", SKU: "SKU-1", UnitPrice: 1500, Quantity: 2, TotalPrice: 3000, RowTotalWithDiscount: 3000},
			{Reference: "prod-2", SKU: "SKU-2", UnitPrice: 500, Quantity: 1, TotalPrice: 500, RowTotalWithDiscount: 500},
		},
		Totals:  domain.Totals{Subtotal: 3500, Tax: 450, Shipping: 600, GrandTotal: 4550},
		Payment: domain.Payment{Reference: "txn-123", Status: domain.TransactionCompleted},
	}

	f := &fixerFixture{now: now, storedOrder: &order, gateway: &stubGatewayClient{}}
	f.orders = &stubOrderRepository{
		findFunc: func(context.Context, string) (domain.Order, error) {
			return *f.storedOrder, nil
		},
		updateFunc: func(_ context.Context, o domain.Order) error {
			*f.storedOrder = o
			return nil
		},
	}
	f.gateway.fetchFunc = func(context.Context, string) (domain.TransactionRecord, error) {
		return testRecord(), nil
	}
	return f
}

func (f *fixerFixture) service(t *testing.T, cfg PriceFixerConfig) PriceFixerService {
	t.Helper()
	service, err := NewPriceFixerService(PriceFixerServiceDeps{
		Orders:  f.orders,
		Gateway: f.gateway,
		Config:  cfg,
		Clock:   fixedClock(f.now),
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}
	return service
}

func TestFixOrderPricesNoDeltaIsNoOp(t *testing.T) {
	f := newFixerFixture()

	result, err := f.service(t, PriceFixerConfig{ToleranceMinorUnits: 100}).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Adjusted {
		t.Fatalf("expected no adjustment for matching totals")
	}
	if len(f.storedOrder.History) != 0 {
		t.Fatalf("expected no history entry, got %#v", f.storedOrder.History)
	}
}

func TestFixOrderPricesOverwritesTotalsAndItems(t *testing.T) {
	f := newFixerFixture()
	f.gateway.fetchFunc = func(context.Context, string) (domain.TransactionRecord, error) {
		record := testRecord()
		record.Items[0].UnitPrice = 1450
		record.Items[0].TotalAmount = 2900
		record.TaxAmount = 440
		record.GrandTotal = 4440
		return record, nil
	}

	result, err := f.service(t, PriceFixerConfig{ToleranceMinorUnits: 200}).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Adjusted || !result.ItemsAdjusted {
		t.Fatalf("expected totals and items adjusted, got %#v", result)
	}
	if result.PreviousTotal != 4550 || result.NewTotal != 4440 {
		t.Fatalf("unexpected totals %d -> %d", result.PreviousTotal, result.NewTotal)
	}
	if f.storedOrder.Totals.GrandTotal != 4440 || f.storedOrder.Totals.Tax != 440 {
		t.Fatalf("unexpected stored totals %#v", f.storedOrder.Totals)
	}
	if f.storedOrder.Items[0].UnitPrice != 1450 || f.storedOrder.Items[0].TotalPrice != 2900 {
		t.Fatalf("unexpected stored items %#v", f.storedOrder.Items)
	}

	if len(f.storedOrder.History) != 1 {
		t.Fatalf("expected one history entry, got %#v", f.storedOrder.History)
	}
	if !strings.Contains(f.storedOrder.History[0].Message, "forcing the price from 4550 to 4440") {
		t.Fatalf("unexpected comment %q", f.storedOrder.History[0].Message)
	}
}

func TestFixOrderPricesBeyondToleranceNeedsOverride(t *testing.T) {
	f := newFixerFixture()
	f.gateway.fetchFunc = func(context.Context, string) (domain.TransactionRecord, error) {
		record := testRecord()
		record.GrandTotal = 9000
		return record, nil
	}

	cfg := PriceFixerConfig{ToleranceMinorUnits: 100, AllowTotalsOverride: true}

	_, err := f.service(t, cfg).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict without override, got %v", err)
	}

	result, err := f.service(t, cfg).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1", Override: true})
	if err != nil {
		t.Fatalf("unexpected error with override: %v", err)
	}
	if result.NewTotal != 9000 {
		t.Fatalf("expected overridden total 9000, got %d", result.NewTotal)
	}
}

func TestFixOrderPricesOverrideDisabledByConfig(t *testing.T) {
	f := newFixerFixture()
	f.gateway.fetchFunc = func(context.Context, string) (domain.TransactionRecord, error) {
		record := testRecord()
		record.GrandTotal = 9000
		return record, nil
	}

	_, err := f.service(t, PriceFixerConfig{ToleranceMinorUnits: 100}).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1", Override: true})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict when config forbids overrides, got %v", err)
	}
}

func TestFixOrderPricesDuplicateSKUsSkipItemFix(t *testing.T) {
	f := newFixerFixture()
	f.storedOrder.Items = []domain.LineItem{
		{Reference: "prod-1", SKU: "SKU-1", UnitPrice: 1500, Quantity: 1, TotalPrice: 1500},
		{Reference: "prod-1b", SKU: "SKU-1", UnitPrice: 1500, Quantity: 1, TotalPrice: 1500},
		{Reference: "prod-2", SKU: "SKU-2", UnitPrice: 500, Quantity: 1, TotalPrice: 500},
	}
	f.gateway.fetchFunc = func(context.Context, string) (domain.TransactionRecord, error) {
		record := testRecord()
		record.GrandTotal = 4500
		return record, nil
	}

	result, err := f.service(t, PriceFixerConfig{ToleranceMinorUnits: 100}).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Adjusted {
		t.Fatalf("expected totals adjusted")
	}
	if result.ItemsAdjusted {
		t.Fatalf("expected ambiguous items left untouched")
	}
	if f.storedOrder.Items[0].UnitPrice != 1500 {
		t.Fatalf("expected item prices untouched, got %#v", f.storedOrder.Items[0])
	}
}

func TestFixOrderPricesQuantityMismatchSkipsItemFix(t *testing.T) {
	f := newFixerFixture()
	f.gateway.fetchFunc = func(context.Context, string) (domain.TransactionRecord, error) {
		record := testRecord()
		record.Items[0].Quantity = 3
		record.GrandTotal = 4500
		return record, nil
	}

	result, err := f.service(t, PriceFixerConfig{ToleranceMinorUnits: 100}).FixOrderPrices(context.Background(), FixOrderPricesCommand{OrderID: "ord-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ItemsAdjusted {
		t.Fatalf("expected quantity mismatch to skip the item fix")
	}
}
