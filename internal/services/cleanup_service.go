package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/repositories"
)

// CleanupConfig controls the scheduler-driven housekeeping runs.
type CleanupConfig struct {
	// SnapshotRetention is how long unconsumed snapshots survive.
	SnapshotRetention time.Duration
	// PendingOrderTTL is how long an order may sit without a payment
	// notification before it is closed out.
	PendingOrderTTL time.Duration
	// BatchSize bounds one stale-order sweep.
	BatchSize int
}

// CleanupServiceDeps bundles collaborators for housekeeping.
type CleanupServiceDeps struct {
	Snapshots repositories.SnapshotRepository
	Orders    repositories.OrderRepository
	Monitor   Monitor
	Config    CleanupConfig
	Logger    Logger
}

type cleanupService struct {
	snapshots repositories.SnapshotRepository
	orders    repositories.OrderRepository
	monitor   Monitor
	cfg       CleanupConfig
	logger    Logger
}

// NewCleanupService wires dependencies into a CleanupService.
func NewCleanupService(deps CleanupServiceDeps) (CleanupService, error) {
	if deps.Snapshots == nil {
		return nil, errors.New("cleanup service: snapshot repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("cleanup service: order repository is required")
	}

	cfg := deps.Config
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = defaultSnapshotRetention
	}
	if cfg.PendingOrderTTL <= 0 {
		cfg.PendingOrderTTL = 48 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	monitor := deps.Monitor
	if monitor == nil {
		monitor = noopMonitor{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cleanupService{
		snapshots: deps.Snapshots,
		orders:    deps.Orders,
		monitor:   monitor,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// CleanupExpiredSnapshots deletes unconsumed snapshots older than the
// retention window. Consumed snapshots are never touched; the orders
// built from them keep their provenance.
func (s *cleanupService) CleanupExpiredSnapshots(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.cfg.SnapshotRetention)
	deleted, err := s.snapshots.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, translateRepositoryError(err)
	}
	s.logger(ctx, "cleanup.snapshots", map[string]any{
		"deleted": deleted,
		"cutoff":  cutoff,
	})
	return deleted, nil
}

// CleanupStalePendingOrders closes orders that never received a payment
// notification. The gateway would have reported an authorization or a
// rejection well inside the TTL, so silence means the transaction died.
func (s *cleanupService) CleanupStalePendingOrders(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.cfg.PendingOrderTTL)
	stale, err := s.orders.ListStalePending(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, translateRepositoryError(err)
	}

	closed := 0
	for _, order := range stale {
		order.Status = domain.OrderStateCanceled
		order.UpdatedAt = now.UTC()
		order.History = append(order.History, domain.StatusComment{
			Status:    domain.OrderStateCanceled,
			Message:   "closed after no payment notification arrived",
			CreatedAt: now.UTC(),
		})
		if err := s.orders.Update(ctx, order); err != nil {
			s.monitor.ReportError(ctx, err, map[string]any{"op": "cleanup.closeOrder", "orderId": order.ID})
			continue
		}
		closed++
	}

	s.logger(ctx, "cleanup.stale_orders", map[string]any{
		"examined": len(stale),
		"closed":   closed,
	})
	return closed, nil
}

var _ CleanupService = (*cleanupService)(nil)
