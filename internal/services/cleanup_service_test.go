package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
)

func TestCleanupExpiredSnapshotsUsesRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)

	var gotCutoff time.Time
	snapshots := &stubSnapshotRepository{
		deleteExpiredFunc: func(_ context.Context, cutoff time.Time) (int, error) {
			gotCutoff = cutoff
			return 7, nil
		},
	}

	service, err := NewCleanupService(CleanupServiceDeps{
		Snapshots: snapshots,
		Orders:    &stubOrderRepository{},
		Config:    CleanupConfig{SnapshotRetention: 14 * 24 * time.Hour},
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	deleted, err := service.CleanupExpiredSnapshots(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 deletions reported, got %d", deleted)
	}
	want := now.Add(-14 * 24 * time.Hour)
	if !gotCutoff.Equal(want) {
		t.Fatalf("expected cutoff %v, got %v", want, gotCutoff)
	}
}

func TestCleanupStalePendingOrdersClosesThem(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	stale := []domain.Order{
		{ID: "ord-1", Status: domain.OrderStateNew},
		{ID: "ord-2", Status: domain.OrderStateNew},
	}

	var updated []domain.Order
	orders := &stubOrderRepository{
		listStalePendingFunc: func(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
			if limit != 100 {
				t.Fatalf("expected default batch size 100, got %d", limit)
			}
			want := now.Add(-48 * time.Hour)
			if !cutoff.Equal(want) {
				t.Fatalf("expected cutoff %v, got %v", want, cutoff)
			}
			return stale, nil
		},
		updateFunc: func(_ context.Context, order domain.Order) error {
			updated = append(updated, order)
			return nil
		},
	}

	service, err := NewCleanupService(CleanupServiceDeps{
		Snapshots: &stubSnapshotRepository{},
		Orders:    orders,
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	closed, err := service.CleanupStalePendingOrders(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed != 2 {
		t.Fatalf("expected 2 orders closed, got %d", closed)
	}
	for _, order := range updated {
		if order.Status != domain.OrderStateCanceled {
			t.Fatalf("expected canceled status, got %q", order.Status)
		}
		if len(order.History) != 1 {
			t.Fatalf("expected a closing comment, got %#v", order.History)
		}
	}
}

func TestCleanupStalePendingOrdersContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC)
	monitor := &stubMonitor{}
	orders := &stubOrderRepository{
		listStalePendingFunc: func(context.Context, time.Time, int) ([]domain.Order, error) {
			return []domain.Order{
				{ID: "ord-1", Status: domain.OrderStateNew},
				{ID: "ord-2", Status: domain.OrderStateNew},
			}, nil
		},
		updateFunc: func(_ context.Context, order domain.Order) error {
			if order.ID == "ord-1" {
				return errors.New("write failed")
			}
			return nil
		},
	}

	service, err := NewCleanupService(CleanupServiceDeps{
		Snapshots: &stubSnapshotRepository{},
		Orders:    orders,
		Monitor:   monitor,
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}

	closed, err := service.CleanupStalePendingOrders(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed != 1 {
		t.Fatalf("expected 1 closed despite the failure, got %d", closed)
	}
	if len(monitor.errors) != 1 {
		t.Fatalf("expected the failure reported, got %#v", monitor.errors)
	}
}
