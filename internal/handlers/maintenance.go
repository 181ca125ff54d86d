package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/paylane/checkout/internal/platform/httpx"
	"github.com/paylane/checkout/internal/services"
)

// MaintenanceHandlers exposes the scheduler-invoked housekeeping
// endpoints. Authentication is applied by the router via the shared
// HMAC middleware.
type MaintenanceHandlers struct {
	cleanup services.CleanupService
	now     func() time.Time
}

// NewMaintenanceHandlers constructs the maintenance handlers.
func NewMaintenanceHandlers(cleanup services.CleanupService) *MaintenanceHandlers {
	return &MaintenanceHandlers{
		cleanup: cleanup,
		now:     time.Now,
	}
}

// Routes registers maintenance endpoints under the provided router.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/internal/cleanup/snapshots", h.cleanupSnapshots)
	r.Post("/internal/cleanup/orders", h.cleanupOrders)
}

type cleanupResponse struct {
	Removed   int    `json:"removed"`
	Completed string `json:"completed_at"`
}

func (h *MaintenanceHandlers) cleanupSnapshots(w http.ResponseWriter, r *http.Request) {
	h.runCleanup(w, r, func(rq *http.Request, now time.Time) (int, error) {
		return h.cleanup.CleanupExpiredSnapshots(rq.Context(), now)
	})
}

func (h *MaintenanceHandlers) cleanupOrders(w http.ResponseWriter, r *http.Request) {
	h.runCleanup(w, r, func(rq *http.Request, now time.Time) (int, error) {
		return h.cleanup.CleanupStalePendingOrders(rq.Context(), now)
	})
}

func (h *MaintenanceHandlers) runCleanup(w http.ResponseWriter, r *http.Request, run func(*http.Request, time.Time) (int, error)) {
	ctx := r.Context()
	if h.cleanup == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_unavailable", "cleanup service unavailable", http.StatusServiceUnavailable))
		return
	}

	now := h.now()
	removed, err := run(r, now)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("cleanup_unavailable", "dependency unavailable; retry later", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("cleanup_error", "cleanup run failed", http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, cleanupResponse{
		Removed:   removed,
		Completed: now.UTC().Format(time.RFC3339),
	})
}
