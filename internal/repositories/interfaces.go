package repositories

import (
	"context"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Sessions() SessionRepository
	Snapshots() SnapshotRepository
	Orders() OrderRepository
	Discounts() DiscountRepository
	Inventory() InventoryRepository
	Counters() CounterRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SessionRepository persists mutable shopper cart sessions.
type SessionRepository interface {
	Insert(ctx context.Context, session domain.Session) error
	Update(ctx context.Context, session domain.Session) error
	FindByID(ctx context.Context, sessionID string) (domain.Session, error)
	// SetActive flips the activation flag used to fence concurrent
	// submissions of the same session.
	SetActive(ctx context.Context, sessionID string, active bool, now time.Time) error
	// MarkConsumed records the consumed-by snapshot lookup index after a
	// successful order commit.
	MarkConsumed(ctx context.Context, sessionID string, snapshotID string, now time.Time) error
}

// SnapshotRepository persists immutable checkout snapshots.
type SnapshotRepository interface {
	Insert(ctx context.Context, snapshot domain.Snapshot) error
	Update(ctx context.Context, snapshot domain.Snapshot) error
	FindByID(ctx context.Context, snapshotID string) (domain.Snapshot, error)
	// MarkConsumed stamps the snapshot with the order that consumed it,
	// excluding it from housekeeping.
	MarkConsumed(ctx context.Context, snapshotID string, orderID string, now time.Time) error
	// DeleteExpired removes unconsumed snapshots created before the
	// cutoff and reports how many were removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// OrderRepository persists durable orders and their payment sub-records.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, number string) (domain.Order, error)
	FindByTransactionReference(ctx context.Context, reference string) (domain.Order, error)
	// ListStalePending returns orders still awaiting payment past the
	// cutoff, for housekeeping.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// DiscountRepository looks up coupon codes, their rules and usage counts.
type DiscountRepository interface {
	FindCoupon(ctx context.Context, code string) (domain.Coupon, error)
	FindRule(ctx context.Context, ruleID string) (domain.DiscountRule, error)
	CouponUsageByCustomer(ctx context.Context, code string, customerID string) (int, error)
	RuleUsageByCustomer(ctx context.Context, ruleID string, customerID string) (int, error)
	RecordUsage(ctx context.Context, code string, ruleID string, customerID string, now time.Time) error
}

// InventoryRepository exposes the catalog's current stock view.
type InventoryRepository interface {
	GetStock(ctx context.Context, productReference string) (domain.ProductStock, error)
	// Restock returns quantity units to the salable stock after a
	// cancellation.
	Restock(ctx context.Context, productReference string, quantity int64) error
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
