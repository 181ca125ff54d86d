package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
)

func testRecord() domain.TransactionRecord {
	return domain.TransactionRecord{
		Reference: "txn-123",
		DisplayID: "PL-2026-000042|snp-1",
		Status:    domain.TransactionAuthorized,
		Currency:  "EUR",
		Items: []domain.TransactionItem{
			{Reference: "prod-1", SKU: "SKU-1", UnitPrice: 1500, TotalAmount: 3000, Quantity: 2},
			{Reference: "prod-2", SKU: "SKU-2", UnitPrice: 500, TotalAmount: 500, Quantity: 1},
		},
		TaxAmount:      450,
		ShippingAmount: 600,
		GrandTotal:     4550,
		CustomerEmail:  "shopper@example.com",
	}
}

func testFrozenSnapshot(now time.Time) domain.Snapshot {
	return domain.Snapshot{
		ID:                  "snp-1",
		SessionID:           "sess-1",
		ReservedOrderNumber: "PL-2026-000042",
		Email:               "shopper@example.com",
		Currency:            "EUR",
		Items: []domain.LineItem{
			{Reference: "prod-1", SKU: "SKU-1", UnitPrice: 1500, Quantity: 2, RowTotalWithDiscount: 3000},
			{Reference: "prod-2", SKU: "SKU-2", UnitPrice: 500, Quantity: 1, RowTotalWithDiscount: 500},
		},
		ShippingMethod: &domain.ShippingSelection{
			Reference:    "dhl_standard",
			Carrier:      "dhl",
			CarrierTitle: "DHL",
			MethodTitle:  "Standard",
			Cost:         600,
		},
		Totals:    domain.Totals{Subtotal: 3500, Tax: 450, Shipping: 600, GrandTotal: 4550},
		CreatedAt: now.Add(-time.Hour),
	}
}

type orderFixture struct {
	now time.Time

	sessions  *stubSessionRepository
	snapshots *stubSnapshotRepository
	orders    *stubOrderRepository
	discounts *stubDiscountRepository
	inventory *stubInventoryRepository
	counters  *stubCounterRepository
	gateway   *stubGatewayClient
	monitor   *stubMonitor
	events    *stubEventPublisher

	storedSession  *domain.Session
	storedSnapshot *domain.Snapshot
	insertedOrders []domain.Order
	updatedOrders  []domain.Order
	activeLog      []bool
}

func newOrderFixture() *orderFixture {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	session := testSession()
	snapshot := testFrozenSnapshot(now)
	session.ReservedOrderNumber = snapshot.ReservedOrderNumber

	f := &orderFixture{
		now:            now,
		storedSession:  &session,
		storedSnapshot: &snapshot,
		monitor:        &stubMonitor{},
		events:         &stubEventPublisher{},
	}

	f.sessions = &stubSessionRepository{
		findFunc: func(context.Context, string) (domain.Session, error) {
			return *f.storedSession, nil
		},
		updateFunc: func(_ context.Context, s domain.Session) error {
			*f.storedSession = s
			return nil
		},
		setActiveFunc: func(_ context.Context, _ string, active bool, _ time.Time) error {
			f.storedSession.Active = active
			f.activeLog = append(f.activeLog, active)
			return nil
		},
	}
	f.snapshots = &stubSnapshotRepository{
		findFunc: func(context.Context, string) (domain.Snapshot, error) {
			return *f.storedSnapshot, nil
		},
		updateFunc: func(_ context.Context, s domain.Snapshot) error {
			*f.storedSnapshot = s
			return nil
		},
	}
	f.orders = &stubOrderRepository{
		insertFunc: func(_ context.Context, order domain.Order) error {
			f.insertedOrders = append(f.insertedOrders, order)
			return nil
		},
		updateFunc: func(_ context.Context, order domain.Order) error {
			f.updatedOrders = append(f.updatedOrders, order)
			return nil
		},
	}
	f.discounts = &stubDiscountRepository{}
	f.inventory = &stubInventoryRepository{}
	f.counters = &stubCounterRepository{}
	f.gateway = &stubGatewayClient{}
	return f
}

func (f *orderFixture) service(t *testing.T, cfg OrderCreationConfig) OrderCreationService {
	t.Helper()
	service, err := NewOrderCreationService(OrderCreationServiceDeps{
		Sessions:    f.sessions,
		Snapshots:   f.snapshots,
		Orders:      f.orders,
		Discounts:   f.discounts,
		Inventory:   f.inventory,
		Counters:    f.counters,
		Gateway:     f.gateway,
		Events:      f.events,
		Monitor:     f.monitor,
		Config:      cfg,
		Clock:       fixedClock(f.now),
		IDGenerator: sequentialIDs("ord"),
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}
	return service
}

func assertOrderError(t *testing.T, err error, code int) *OrderCreationError {
	t.Helper()
	var orderErr *OrderCreationError
	if !errors.As(err, &orderErr) {
		t.Fatalf("expected order creation error, got %v", err)
	}
	if orderErr.Code != code {
		t.Fatalf("expected code %d, got %d (%s)", code, orderErr.Code, orderErr.Message)
	}
	return orderErr
}

func TestCreateOrderSuccess(t *testing.T) {
	f := newOrderFixture()

	var completeAuthorizeTotal int64
	f.gateway.completeAuthorizeFunc = func(_ context.Context, reference string, displayID string, grandTotal int64) error {
		if reference != "txn-123" {
			t.Fatalf("unexpected reference %q", reference)
		}
		completeAuthorizeTotal = grandTotal
		return nil
	}

	record := testRecord()
	result, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Created {
		t.Fatalf("expected a newly created order")
	}
	order := result.Order
	if order.Number != "PL-2026-000042" {
		t.Fatalf("expected reserved number kept, got %q", order.Number)
	}
	if order.Totals.GrandTotal != 4550 || order.Totals.Tax != 450 {
		t.Fatalf("unexpected totals %#v", order.Totals)
	}
	if order.Payment.Reference != "txn-123" || order.Payment.Status != domain.TransactionPending {
		t.Fatalf("unexpected payment sub-record %#v", order.Payment)
	}
	if order.ExportEligibleAt != nil {
		t.Fatalf("expected export eligibility withheld until payment confirmation")
	}

	if len(f.activeLog) != 1 || f.activeLog[0] != false {
		t.Fatalf("expected one deactivation and no reactivation, got %v", f.activeLog)
	}
	if f.storedSession.Active {
		t.Fatalf("expected session left deactivated")
	}
	if completeAuthorizeTotal != 4550 {
		t.Fatalf("expected authorization confirmed for 4550, got %d", completeAuthorizeTotal)
	}
	if len(f.insertedOrders) != 1 {
		t.Fatalf("expected exactly one insert, got %d", len(f.insertedOrders))
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != "order.created" {
		t.Fatalf("expected order.created event, got %#v", f.events.events)
	}
}

func TestCreateOrderIdempotentByReference(t *testing.T) {
	f := newOrderFixture()
	existing := domain.Order{ID: "ord-existing", Number: "PL-2026-000042", SnapshotID: "snp-1"}
	f.orders.findByReferenceFunc = func(context.Context, string) (domain.Order, error) {
		return existing, nil
	}

	record := testRecord()
	result, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created || result.Order.ID != "ord-existing" {
		t.Fatalf("expected the existing order returned, got %#v", result)
	}
	if len(f.insertedOrders) != 0 {
		t.Fatalf("expected no insert")
	}
	if len(f.monitor.anomalies) != 1 || f.monitor.anomalies[0] != "order.duplicate_creation_attempt" {
		t.Fatalf("expected duplicate-attempt anomaly, got %v", f.monitor.anomalies)
	}
}

func TestCreateOrderIdempotentByNumberSameSnapshot(t *testing.T) {
	f := newOrderFixture()
	existing := domain.Order{ID: "ord-existing", Number: "PL-2026-000042", SnapshotID: "snp-1"}
	f.orders.findByNumberFunc = func(context.Context, string) (domain.Order, error) {
		return existing, nil
	}

	record := testRecord()
	result, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created || result.Order.ID != "ord-existing" {
		t.Fatalf("expected the existing order returned, got %#v", result)
	}
	if len(f.monitor.anomalies) != 1 || f.monitor.anomalies[0] != "order.idempotent_replay" {
		t.Fatalf("expected replay anomaly, got %v", f.monitor.anomalies)
	}
}

func TestCreateOrderRegeneratesCollidingNumber(t *testing.T) {
	f := newOrderFixture()
	// The reserved number was consumed by an order built from another,
	// abandoned snapshot.
	f.orders.findByNumberFunc = func(_ context.Context, number string) (domain.Order, error) {
		if number == "PL-2026-000042" {
			return domain.Order{ID: "ord-other", Number: number, SnapshotID: "snp-other"}, nil
		}
		return domain.Order{}, notFoundErr("order %s not found", number)
	}
	f.counters.nextFunc = func(context.Context, string, int64) (int64, error) { return 77, nil }

	record := testRecord()
	result, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a new order")
	}
	if result.Order.Number != "PL-2026-000077" {
		t.Fatalf("expected regenerated number, got %q", result.Order.Number)
	}
	if f.storedSnapshot.ReservedOrderNumber != "PL-2026-000077" {
		t.Fatalf("expected snapshot reservation updated, got %q", f.storedSnapshot.ReservedOrderNumber)
	}
}

func TestCreateOrderNumberRegenerationRunsInOneTransaction(t *testing.T) {
	f := newOrderFixture()
	f.orders.findByNumberFunc = func(_ context.Context, number string) (domain.Order, error) {
		if number == "PL-2026-000042" {
			return domain.Order{ID: "ord-other", Number: number, SnapshotID: "snp-other"}, nil
		}
		return domain.Order{}, notFoundErr("order %s not found", number)
	}
	f.counters.nextFunc = func(context.Context, string, int64) (int64, error) { return 77, nil }

	unit := &stubUnitOfWork{}
	service, err := NewOrderCreationService(OrderCreationServiceDeps{
		Sessions:    f.sessions,
		Snapshots:   f.snapshots,
		Orders:      f.orders,
		Discounts:   f.discounts,
		Inventory:   f.inventory,
		Counters:    f.counters,
		Gateway:     f.gateway,
		UnitOfWork:  unit,
		Clock:       fixedClock(f.now),
		IDGenerator: sequentialIDs("ord"),
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	record := testRecord()
	result, err := service.CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Order.Number != "PL-2026-000077" {
		t.Fatalf("expected regenerated number, got %q", result.Order.Number)
	}
	if unit.calls != 1 {
		t.Fatalf("expected the reservation rename grouped in one transaction, got %d", unit.calls)
	}
	if f.storedSnapshot.ReservedOrderNumber != "PL-2026-000077" {
		t.Fatalf("expected snapshot reservation updated, got %q", f.storedSnapshot.ReservedOrderNumber)
	}
	if f.storedSession.ReservedOrderNumber != "PL-2026-000077" {
		t.Fatalf("expected session reservation updated, got %q", f.storedSession.ReservedOrderNumber)
	}
}

func TestCreateOrderGrandTotalBeyondToleranceRejectsAndReactivates(t *testing.T) {
	f := newOrderFixture()
	record := testRecord()
	record.GrandTotal = 4600
	record.TaxAmount = 500

	_, err := f.service(t, OrderCreationConfig{ToleranceMinorUnits: 0}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	assertOrderError(t, err, OrderErrItemPriceUpdated)

	// Deactivated for the attempt, reactivated after the failure.
	if len(f.activeLog) != 2 || f.activeLog[0] != false || f.activeLog[1] != true {
		t.Fatalf("expected deactivate then reactivate, got %v", f.activeLog)
	}
	if !f.storedSession.Active {
		t.Fatalf("expected session restored to active")
	}
	if len(f.insertedOrders) != 0 {
		t.Fatalf("expected no order persisted")
	}
}

func TestCreateOrderDeltaWithinToleranceCorrectsTotals(t *testing.T) {
	f := newOrderFixture()
	record := testRecord()
	record.GrandTotal = 4560
	record.TaxAmount = 460

	result, err := f.service(t, OrderCreationConfig{ToleranceMinorUnits: 50}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The +10 delta lands on tax and grand total so the books match the
	// gateway to the unit.
	if result.Order.Totals.GrandTotal != 4560 {
		t.Fatalf("expected corrected grand total 4560, got %d", result.Order.Totals.GrandTotal)
	}
	if result.Order.Totals.Tax != 460 {
		t.Fatalf("expected corrected tax 460, got %d", result.Order.Totals.Tax)
	}
	found := false
	for _, comment := range result.Order.History {
		if comment.Message == "grand total corrected by 10 to match the gateway" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected correction comment, got %#v", result.Order.History)
	}
}

func TestCreateOrderConcurrentLoserSeesExpiredCart(t *testing.T) {
	f := newOrderFixture()
	f.storedSession.Active = false

	record := testRecord()
	_, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	assertOrderError(t, err, OrderErrCartExpired)
	if len(f.activeLog) != 0 {
		t.Fatalf("expected the loser to never touch the activation flag, got %v", f.activeLog)
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	f := newOrderFixture()
	f.inventory.getStockFunc = func(_ context.Context, ref string) (domain.ProductStock, error) {
		if ref == "prod-2" {
			return domain.ProductStock{Reference: ref, ManageStock: true, Quantity: 0, Salable: true}, nil
		}
		return domain.ProductStock{Reference: ref, Salable: true}, nil
	}

	record := testRecord()
	_, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	orderErr := assertOrderError(t, err, OrderErrOutOfInventory)
	if orderErr.Data["product_id"] != "prod-2" {
		t.Fatalf("expected product id in error data, got %#v", orderErr.Data)
	}
}

func TestCreateOrderUnknownCouponReference(t *testing.T) {
	f := newOrderFixture()
	record := testRecord()
	record.Discounts = []domain.TransactionDiscount{
		{Amount: 300, Reference: "GHOST"},
	}

	_, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	assertOrderError(t, err, OrderErrDiscountMissing)
	if !f.storedSession.Active {
		t.Fatalf("expected session reactivated after the failure")
	}
}

func TestCreateOrderExpiredSnapshot(t *testing.T) {
	f := newOrderFixture()
	f.storedSnapshot.CreatedAt = f.now.Add(-15 * 24 * time.Hour)

	record := testRecord()
	_, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	assertOrderError(t, err, OrderErrCartExpired)
}

func TestCreateOrderCompleteAuthorizeFailureHoldsOrder(t *testing.T) {
	f := newOrderFixture()
	f.gateway.completeAuthorizeFunc = func(context.Context, string, string, int64) error {
		return errors.New("gateway timeout")
	}

	record := testRecord()
	result, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("expected creation to survive the confirmation failure, got %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a created order")
	}
	if len(f.updatedOrders) != 1 || f.updatedOrders[0].Status != domain.OrderStateOnHold {
		t.Fatalf("expected order put on hold, got %#v", f.updatedOrders)
	}
	if f.storedSession.Active {
		t.Fatalf("expected session to stay consumed")
	}
}

func TestCreateOrderRecordsCouponUsage(t *testing.T) {
	f := newOrderFixture()
	f.storedSnapshot.CouponCode = "SPRING10"
	f.discounts.findCouponFunc = func(context.Context, string) (domain.Coupon, error) {
		return testCoupon(), nil
	}
	f.discounts.findRuleFunc = func(context.Context, string) (domain.DiscountRule, error) {
		return testRule(), nil
	}

	var recordedCode, recordedCustomer string
	f.discounts.recordUsageFunc = func(_ context.Context, code string, _ string, customerID string, _ time.Time) error {
		recordedCode = code
		recordedCustomer = customerID
		return nil
	}

	record := testRecord()
	record.Discounts = []domain.TransactionDiscount{{Amount: 300, Reference: "SPRING10"}}

	if _, err := f.service(t, OrderCreationConfig{}).CreateOrder(context.Background(), CreateOrderCommand{Record: &record}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if recordedCode != "SPRING10" {
		t.Fatalf("expected coupon usage recorded, got %q", recordedCode)
	}
	if recordedCustomer != f.storedSession.CustomerID {
		t.Fatalf("unexpected customer id %q", recordedCustomer)
	}
}

func TestCreateOrderLegacyShippingLabelMatch(t *testing.T) {
	f := newOrderFixture()
	f.storedSnapshot.ShippingMethod = nil

	rates := []domain.ShippingSelection{
		{Reference: "ups_express", Carrier: "ups", CarrierTitle: "UPS", MethodTitle: "Express", Cost: 900},
		{Reference: "dhl_standard", Carrier: "dhl", CarrierTitle: "DHL", MethodTitle: "Standard", Cost: 600},
	}
	f.storedSnapshot.Totals = domain.Totals{Subtotal: 3500, Tax: 450, Shipping: 600, GrandTotal: 4550}

	service, err := NewOrderCreationService(OrderCreationServiceDeps{
		Sessions:  f.sessions,
		Snapshots: f.snapshots,
		Orders:    f.orders,
		Discounts: f.discounts,
		Inventory: f.inventory,
		Counters:  f.counters,
		Gateway:   f.gateway,
		Rates: rateProviderFunc(func(context.Context, domain.Snapshot) ([]domain.ShippingSelection, error) {
			return rates, nil
		}),
		Clock: fixedClock(f.now),
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	record := testRecord()
	record.ShippingServiceLabel = "DHL - Standard"

	result, err := service.CreateOrder(context.Background(), CreateOrderCommand{Record: &record})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected a created order")
	}
	if len(f.insertedOrders) != 1 {
		t.Fatalf("expected exactly one insert, got %d", len(f.insertedOrders))
	}
}

type rateProviderFunc func(ctx context.Context, snapshot domain.Snapshot) ([]domain.ShippingSelection, error)

func (f rateProviderFunc) CollectRates(ctx context.Context, snapshot domain.Snapshot) ([]domain.ShippingSelection, error) {
	return f(ctx, snapshot)
}
