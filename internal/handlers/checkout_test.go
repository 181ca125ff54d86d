package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/gateway"
	"github.com/paylane/checkout/internal/services"
)

type stubSnapshotService struct {
	buildFn  func(ctx context.Context, cmd services.BuildCartPayloadCommand) (services.CartPayloadResult, error)
	createFn func(ctx context.Context, cmd services.CreateSnapshotCommand) (services.CreateSnapshotResult, error)
}

func (s *stubSnapshotService) BuildCartPayload(ctx context.Context, cmd services.BuildCartPayloadCommand) (services.CartPayloadResult, error) {
	if s.buildFn == nil {
		return services.CartPayloadResult{}, nil
	}
	return s.buildFn(ctx, cmd)
}

func (s *stubSnapshotService) CreateSnapshot(ctx context.Context, cmd services.CreateSnapshotCommand) (services.CreateSnapshotResult, error) {
	if s.createFn == nil {
		return services.CreateSnapshotResult{}, nil
	}
	return s.createFn(ctx, cmd)
}

func newCheckoutRouter(svc services.SnapshotService) chi.Router {
	r := chi.NewRouter()
	NewCheckoutHandlers(svc).Routes(r)
	return r
}

func TestBuildPayloadReturnsPayload(t *testing.T) {
	var gotCmd services.BuildCartPayloadCommand
	svc := &stubSnapshotService{
		buildFn: func(_ context.Context, cmd services.BuildCartPayloadCommand) (services.CartPayloadResult, error) {
			gotCmd = cmd
			return services.CartPayloadResult{
				Payload: domain.CartPayload{
					OrderReference: "snap-001",
					DisplayID:      "PL-2024-000042|snap-001",
					Currency:       "EUR",
					TotalAmount:    4550,
				},
				RecomputedTotal: 4550,
			}, nil
		},
	}

	body := bytes.NewBufferString(`{"session_id":"sess-1","mode":"full"}`)
	req := httptest.NewRequest(http.MethodPost, "/checkout/payload", body)
	rec := httptest.NewRecorder()

	newCheckoutRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotCmd.SessionID != "sess-1" || gotCmd.Mode != services.PayloadModeFull {
		t.Fatalf("unexpected command: %+v", gotCmd)
	}

	var resp buildPayloadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Payload.DisplayID != "PL-2024-000042|snap-001" {
		t.Fatalf("unexpected display id %q", resp.Payload.DisplayID)
	}
	if resp.RecomputedTotal != 4550 {
		t.Fatalf("unexpected recomputed total %d", resp.RecomputedTotal)
	}
}

func TestBuildPayloadDefaultsToFullMode(t *testing.T) {
	var gotMode services.PayloadMode
	svc := &stubSnapshotService{
		buildFn: func(_ context.Context, cmd services.BuildCartPayloadCommand) (services.CartPayloadResult, error) {
			gotMode = cmd.Mode
			return services.CartPayloadResult{}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/checkout/payload", bytes.NewBufferString(`{"session_id":"sess-1"}`))
	rec := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotMode != services.PayloadModeFull {
		t.Fatalf("expected full mode, got %q", gotMode)
	}
}

func TestBuildPayloadRejectsMissingSession(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/checkout/payload", bytes.NewBufferString(`{"mode":"full"}`))
	rec := httptest.NewRecorder()
	newCheckoutRouter(&stubSnapshotService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBuildPayloadRejectsUnknownMode(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/checkout/payload", bytes.NewBufferString(`{"session_id":"sess-1","mode":"partial"}`))
	rec := httptest.NewRecorder()
	newCheckoutRouter(&stubSnapshotService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSnapshotReturnsToken(t *testing.T) {
	svc := &stubSnapshotService{
		createFn: func(_ context.Context, cmd services.CreateSnapshotCommand) (services.CreateSnapshotResult, error) {
			if cmd.SessionID != "sess-9" {
				t.Fatalf("unexpected session id %q", cmd.SessionID)
			}
			return services.CreateSnapshotResult{
				Snapshot: domain.Snapshot{
					ID:                  "snap-9",
					SessionID:           "sess-9",
					ReservedOrderNumber: "PL-2024-000099",
				},
				Payload: domain.CartPayload{
					OrderReference: "snap-9",
					DisplayID:      "PL-2024-000099|snap-9",
				},
				Token: gateway.OrderToken{Token: "tok-abc", Reference: "ref-123"},
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/checkout/snapshots", bytes.NewBufferString(`{"session_id":"sess-9"}`))
	rec := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp createSnapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SnapshotID != "snap-9" || resp.Token != "tok-abc" || resp.Reference != "ref-123" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.OrderNumber != "PL-2024-000099" {
		t.Fatalf("unexpected order number %q", resp.OrderNumber)
	}
}

func TestCreateSnapshotMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", services.ErrNotFound, http.StatusNotFound},
		{"conflict", services.ErrConflict, http.StatusConflict},
		{"gateway down", services.ErrUnavailable, http.StatusBadGateway},
		{"invalid", services.ErrInvalidInput, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubSnapshotService{
				createFn: func(context.Context, services.CreateSnapshotCommand) (services.CreateSnapshotResult, error) {
					return services.CreateSnapshotResult{}, tc.err
				},
			}

			req := httptest.NewRequest(http.MethodPost, "/checkout/snapshots", bytes.NewBufferString(`{"session_id":"sess-1"}`))
			rec := httptest.NewRecorder()
			newCheckoutRouter(svc).ServeHTTP(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestCreateSnapshotRequiresBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/checkout/snapshots", nil)
	rec := httptest.NewRecorder()
	newCheckoutRouter(&stubSnapshotService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
