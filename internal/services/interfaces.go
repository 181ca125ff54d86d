package services

import (
	"context"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
)

// Type aliases expose domain models to the services package without
// reversing dependency direction.
type (
	Session           = domain.Session
	Snapshot          = domain.Snapshot
	Order             = domain.Order
	CartPayload       = domain.CartPayload
	TransactionRecord = domain.TransactionRecord
	DiscountEntry     = domain.DiscountEntry
	Totals            = domain.Totals
)

// Logger is the structured logging hook injected into every service.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Monitor receives low-severity anomalies and unexpected failures for an
// external error-reporting collaborator. Implementations must never
// panic or block the caller.
type Monitor interface {
	ReportAnomaly(ctx context.Context, event string, fields map[string]any)
	ReportError(ctx context.Context, err error, fields map[string]any)
}

// CheckoutEvent is published on order and payment milestones.
type CheckoutEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	Reference      string
	PreviousStatus string
	CurrentStatus  string
	Amount         int64
	OccurredAt     time.Time
	Metadata       map[string]any
}

// EventPublisher publishes checkout domain events for downstream
// consumers.
type EventPublisher interface {
	PublishCheckoutEvent(ctx context.Context, event CheckoutEvent) error
}

// RequestContext says which call path invoked the core. It replaces any
// process-wide "called from notification" switch; every operation that
// cares receives it explicitly.
type RequestContext struct {
	// AsyncNotification is true when the invocation was driven by a
	// gateway status notification rather than a shopper or operator.
	AsyncNotification bool
	// BackOffice is true for administrative invocations.
	BackOffice bool
	// ActorID identifies the operator or customer when known.
	ActorID string
}

// SnapshotHook is invoked, in registration order, at named points of the
// cart payload build. Hooks may mutate the payload they receive; an
// error aborts the build.
type SnapshotHook interface {
	AfterTotalsComputed(ctx context.Context, payload *domain.CartPayload) error
}

// OrderHook participates in order creation. SkipItemValidation opts an
// item out of inventory and price checks; AfterShippingApplied may
// adjust the snapshot after the shipping selection has been copied from
// the transaction record.
type OrderHook interface {
	SkipItemValidation(item domain.LineItem) bool
	AfterShippingApplied(ctx context.Context, snapshot *domain.Snapshot) error
}

// PayloadMode selects how much of the totals breakdown the cart payload
// carries.
type PayloadMode string

const (
	// PayloadModeSubtotal builds the summary used by multi-step flows.
	PayloadModeSubtotal PayloadMode = "subtotal"
	// PayloadModeFull includes tax, shipping and addresses.
	PayloadModeFull PayloadMode = "full"
)

// SnapshotService freezes cart sessions and builds gateway cart
// payloads.
type SnapshotService interface {
	BuildCartPayload(ctx context.Context, cmd BuildCartPayloadCommand) (CartPayloadResult, error)
	CreateSnapshot(ctx context.Context, cmd CreateSnapshotCommand) (CreateSnapshotResult, error)
}

// DiscountService validates coupon codes and converts applied discount
// buckets into gateway discount entries.
type DiscountService interface {
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (ApplyCouponResult, error)
	BuildDiscountEntries(ctx context.Context, cmd BuildDiscountEntriesCommand) ([]DiscountEntry, error)
}

// OrderCreationService converts a snapshot into a durable order exactly
// once per transaction reference.
type OrderCreationService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
}

// PaymentService applies gateway status notifications to orders through
// the payment state machine.
type PaymentService interface {
	RecordNotification(ctx context.Context, cmd PaymentNotificationCommand) (PaymentUpdateResult, error)
	ReviewDeferred(ctx context.Context, cmd ReviewDeferredCommand) (PaymentUpdateResult, error)
}

// PriceFixerService is the manual-reconciliation safety valve that
// overwrites persisted order totals with the gateway's figures.
type PriceFixerService interface {
	FixOrderPrices(ctx context.Context, cmd FixOrderPricesCommand) (FixOrderPricesResult, error)
}

// CleanupService hosts housekeeping operations invoked by an external
// scheduler.
type CleanupService interface {
	CleanupExpiredSnapshots(ctx context.Context, now time.Time) (int, error)
	CleanupStalePendingOrders(ctx context.Context, now time.Time) (int, error)
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

type noopMonitor struct{}

func (noopMonitor) ReportAnomaly(context.Context, string, map[string]any) {}
func (noopMonitor) ReportError(context.Context, error, map[string]any)   {}
