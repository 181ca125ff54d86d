package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/paylane/checkout/internal/platform/firestore"
	"github.com/paylane/checkout/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider  *pfirestore.Provider
	sessions  *SessionRepository
	snapshots *SnapshotRepository
	orders    *OrderRepository
	discounts *DiscountRepository
	inventory *InventoryRepository
	counters  *CounterRepository
}

// NewRegistry wires every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}
	sessions, err := NewSessionRepository(provider)
	if err != nil {
		return nil, err
	}
	snapshots, err := NewSnapshotRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	discounts, err := NewDiscountRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory, err := NewInventoryRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:  provider,
		sessions:  sessions,
		snapshots: snapshots,
		orders:    orders,
		discounts: discounts,
		inventory: inventory,
		counters:  counters,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Sessions returns the session repository.
func (r *Registry) Sessions() repositories.SessionRepository { return r.sessions }

// Snapshots returns the snapshot repository.
func (r *Registry) Snapshots() repositories.SnapshotRepository { return r.snapshots }

// Orders returns the order repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Discounts returns the discount repository.
func (r *Registry) Discounts() repositories.DiscountRepository { return r.discounts }

// Inventory returns the inventory repository.
func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

// Counters returns the counter repository.
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

// RunInTx executes fn as a unit. Individual document mutations are
// atomic in Firestore; cross-document flows rely on create
// preconditions rather than a surrounding transaction, so the grouping
// here is a plain pass-through.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
