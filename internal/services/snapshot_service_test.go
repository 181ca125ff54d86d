package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/gateway"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testSession() domain.Session {
	return domain.Session{
		ID:       "sess-1",
		Email:    "shopper@example.com",
		Currency: "eur",
		Active:   true,
		Items: []domain.LineItem{
			{Reference: "prod-1", SKU: "SKU-1", Name: "Lamp", UnitPrice: 1500, Quantity: 2, RowTotalWithDiscount: 3000},
			{Reference: "prod-2", SKU: "SKU-2", Name: "Shade", UnitPrice: 500, Quantity: 1, RowTotalWithDiscount: 500},
		},
		BillingAddress: &domain.Address{
			FirstName:  "Ada",
			LastName:   "Novak",
			Street1:    "Hauptstr. 1",
			City:       "Berlin",
			PostalCode: "10115",
			Country:    "de",
		},
		ShippingAddress: &domain.Address{
			FirstName: "Ada",
			LastName:  "Novak",
			Street1:   "Hauptstr. 1",
			City:      "Berlin",
			Country:   "de",
		},
		ShippingMethod: &domain.ShippingSelection{
			Reference:    "dhl_standard",
			Carrier:      "dhl",
			CarrierTitle: "DHL",
			MethodTitle:  "Standard",
			Cost:         600,
		},
		Totals: domain.Totals{
			Subtotal:   3500,
			Tax:        450,
			Shipping:   600,
			GrandTotal: 4550,
		},
	}
}

func newTestSnapshotService(t *testing.T, deps SnapshotServiceDeps) SnapshotService {
	t.Helper()
	if deps.Discounts == nil {
		discounts, err := NewDiscountService(DiscountServiceDeps{
			Discounts: &stubDiscountRepository{},
			Sessions:  &stubSessionRepository{},
			Snapshots: &stubSnapshotRepository{},
			Orders:    &stubOrderRepository{},
		})
		if err != nil {
			t.Fatalf("unexpected error creating discount service: %v", err)
		}
		deps.Discounts = discounts
	}
	service, err := NewSnapshotService(deps)
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}
	return service
}

func TestCreateSnapshotFreezesSessionAndSubmits(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	session := testSession()

	var updatedSession domain.Session
	sessions := &stubSessionRepository{
		findFunc: func(context.Context, string) (domain.Session, error) {
			return session, nil
		},
		updateFunc: func(_ context.Context, s domain.Session) error {
			updatedSession = s
			return nil
		},
	}

	var inserted domain.Snapshot
	snapshots := &stubSnapshotRepository{
		insertFunc: func(_ context.Context, snap domain.Snapshot) error {
			inserted = snap
			return nil
		},
	}

	var submitted domain.CartPayload
	gatewayClient := &stubGatewayClient{
		submitFunc: func(_ context.Context, payload domain.CartPayload) (gateway.OrderToken, error) {
			submitted = payload
			return gateway.OrderToken{Token: "tok_abc", Reference: "ref_abc"}, nil
		},
	}

	publisher := &stubEventPublisher{}
	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions:    sessions,
		Snapshots:   snapshots,
		Counters:    &stubCounterRepository{nextFunc: func(context.Context, string, int64) (int64, error) { return 42, nil }},
		Gateway:     gatewayClient,
		Events:      publisher,
		Clock:       fixedClock(now),
		IDGenerator: sequentialIDs("id"),
	})

	result, err := service.CreateSnapshot(ctx, CreateSnapshotCommand{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Token.Token != "tok_abc" {
		t.Fatalf("expected gateway token, got %#v", result.Token)
	}
	if updatedSession.ReservedOrderNumber != "PL-2026-000042" {
		t.Fatalf("expected reserved order number PL-2026-000042, got %q", updatedSession.ReservedOrderNumber)
	}
	if inserted.ID == "" || inserted.SessionID != "sess-1" {
		t.Fatalf("expected snapshot persisted for the session, got %#v", inserted)
	}
	if !inserted.CreatedAt.Equal(now) {
		t.Fatalf("expected snapshot created at %v, got %v", now, inserted.CreatedAt)
	}

	wantDisplay := "PL-2026-000042|" + inserted.ID
	if submitted.DisplayID != wantDisplay {
		t.Fatalf("expected display id %q, got %q", wantDisplay, submitted.DisplayID)
	}
	if submitted.Currency != "EUR" {
		t.Fatalf("expected currency EUR, got %q", submitted.Currency)
	}
	if submitted.TotalAmount != 4550 {
		t.Fatalf("expected total 4550, got %d", submitted.TotalAmount)
	}
	if len(submitted.Shipments) != 1 || submitted.Shipments[0].Service != "DHL - Standard" {
		t.Fatalf("expected one DHL - Standard shipment, got %#v", submitted.Shipments)
	}

	if len(publisher.events) != 1 || publisher.events[0].Type != checkoutEventCreated {
		t.Fatalf("expected one snapshot created event, got %#v", publisher.events)
	}
}

func TestCreateSnapshotRejectsInactiveSession(t *testing.T) {
	session := testSession()
	session.Active = false

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	_, err := service.CreateSnapshot(context.Background(), CreateSnapshotCommand{SessionID: "sess-1"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict for inactive session, got %v", err)
	}
}

func TestCreateSnapshotKeepsExistingReservation(t *testing.T) {
	session := testSession()
	session.ReservedOrderNumber = "PL-2026-000007"

	counterCalled := false
	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters: &stubCounterRepository{
			nextFunc: func(context.Context, string, int64) (int64, error) {
				counterCalled = true
				return 99, nil
			},
		},
		Gateway: &stubGatewayClient{},
	})

	result, err := service.CreateSnapshot(context.Background(), CreateSnapshotCommand{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counterCalled {
		t.Fatalf("expected existing reservation to be reused")
	}
	if result.Snapshot.ReservedOrderNumber != "PL-2026-000007" {
		t.Fatalf("expected reservation carried onto the snapshot, got %q", result.Snapshot.ReservedOrderNumber)
	}
}

func TestBuildCartPayloadSubtotalMode(t *testing.T) {
	session := testSession()
	session.DiscountBreakdown = map[string]int64{"discount": -300}

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	result, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeSubtotal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 3500 items minus the 300 discount; no tax or shipping in this mode.
	if result.Payload.TotalAmount != 3200 {
		t.Fatalf("expected subtotal 3200, got %d", result.Payload.TotalAmount)
	}
	if result.Payload.TaxAmount != 0 || len(result.Payload.Shipments) != 0 {
		t.Fatalf("expected no tax or shipments in subtotal mode, got %#v", result.Payload)
	}
	if len(result.Payload.Discounts) != 1 || result.Payload.Discounts[0].Amount != 300 {
		t.Fatalf("expected one absolute discount entry of 300, got %#v", result.Payload.Discounts)
	}
}

func TestBuildCartPayloadHalvesDoubledPlatformTotal(t *testing.T) {
	session := testSession()
	// The platform reported twice the real total; the independent
	// recomputation yields the real one.
	session.Totals.GrandTotal = 9100

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	result, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Payload.TotalAmount != 4550 {
		t.Fatalf("expected halved total 4550, got %d", result.Payload.TotalAmount)
	}
	if result.Payload.TaxAmount != 450 {
		t.Fatalf("expected reported tax kept at 450, got %d", result.Payload.TaxAmount)
	}
}

func TestBuildCartPayloadKeepsUnrelatedMismatch(t *testing.T) {
	session := testSession()
	// An off-by-some mismatch that is not an exact doubling stays as
	// reported; reconciliation deals with it later.
	session.Totals.GrandTotal = 4600

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	result, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Payload.TotalAmount != 4600 {
		t.Fatalf("expected reported total 4600, got %d", result.Payload.TotalAmount)
	}
	if result.RecomputedTotal != 4550 {
		t.Fatalf("expected recomputed total 4550, got %d", result.RecomputedTotal)
	}
}

func TestBuildCartPayloadAddressFallbacks(t *testing.T) {
	session := testSession()
	session.BillingAddress.Region = ""
	session.BillingAddress.PostalCode = ""
	session.BillingAddress.Email = ""

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	result, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	billing := result.Payload.BillingAddress
	if billing == nil {
		t.Fatalf("expected billing address present")
	}
	if billing.Region != "Berlin" {
		t.Fatalf("expected city used as region fallback, got %q", billing.Region)
	}
	if billing.PostalCode != "-" {
		t.Fatalf("expected postal code placeholder, got %q", billing.PostalCode)
	}
	if billing.Email != "shopper@example.com" {
		t.Fatalf("expected session email fallback, got %q", billing.Email)
	}
}

func TestBuildCartPayloadRegionNotFilledForUS(t *testing.T) {
	session := testSession()
	session.BillingAddress.Country = "US"
	session.BillingAddress.Region = ""

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	result, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if region := result.Payload.BillingAddress.Region; region != "" {
		t.Fatalf("expected US region left empty, got %q", region)
	}
}

func TestBuildCartPayloadNegativeTotalClampedToZero(t *testing.T) {
	session := testSession()
	session.Totals = domain.Totals{}
	session.DiscountBreakdown = map[string]int64{"discount": 5000}

	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return session, nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
	})

	result, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeSubtotal,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Payload.TotalAmount != 0 {
		t.Fatalf("expected total clamped to 0, got %d", result.Payload.TotalAmount)
	}
}

type rejectingSnapshotHook struct{ err error }

func (h rejectingSnapshotHook) AfterTotalsComputed(context.Context, *domain.CartPayload) error {
	return h.err
}

func TestBuildCartPayloadHookFailureAborts(t *testing.T) {
	hookErr := errors.New("totals vetoed")
	service := newTestSnapshotService(t, SnapshotServiceDeps{
		Sessions: &stubSessionRepository{
			findFunc: func(context.Context, string) (domain.Session, error) { return testSession(), nil },
		},
		Snapshots: &stubSnapshotRepository{},
		Counters:  &stubCounterRepository{},
		Gateway:   &stubGatewayClient{},
		Hooks:     []SnapshotHook{rejectingSnapshotHook{err: hookErr}},
	})

	_, err := service.BuildCartPayload(context.Background(), BuildCartPayloadCommand{
		SessionID: "sess-1",
		Mode:      PayloadModeFull,
	})
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error propagated, got %v", err)
	}
}
