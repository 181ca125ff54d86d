package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/gateway"
	"github.com/paylane/checkout/internal/repositories"
)

const (
	snapshotIDPrefix     = "snp_"
	orderNumberCounter   = "orders"
	fallbackPostalCode   = "-"
	checkoutEventCreated = "checkout.snapshot.created"
)

// Discount buckets recognised on a session, in the order they are
// reported to the gateway. Covers the built-in cart discount plus the
// store-credit, gift-card and referral buckets third-party modules
// write into.
var discountBuckets = []string{
	"discount",
	"giftcardcredit",
	"giftcardcredit_after_tax",
	"giftvoucher",
	"giftvoucher_after_tax",
	"aw_storecredit",
	"credit",
	"amgiftcard",
	"amstcred",
	"awraf",
}

// Countries whose addresses must carry a region; everywhere else the
// city doubles as a best-effort region fallback.
var regionRequiredCountries = map[string]struct{}{
	"US": {},
	"CA": {},
}

// BuildCartPayloadCommand describes one payload build request.
type BuildCartPayloadCommand struct {
	SessionID string
	Mode      PayloadMode
	Request   RequestContext
	// AdHocShipping carries operator-entered shipping for back-office
	// quotes that have no stored selection.
	AdHocShipping *domain.Shipment
	// AdHocTax overrides the session tax for back-office quotes.
	AdHocTax *int64
}

// CartPayloadResult is the canonical payload plus the independently
// recomputed total used for defect detection only.
type CartPayloadResult struct {
	Payload         CartPayload
	RecomputedTotal int64
}

// CreateSnapshotCommand freezes a session and submits it to the gateway.
type CreateSnapshotCommand struct {
	SessionID string
	Request   RequestContext
}

// CreateSnapshotResult carries the frozen snapshot, the submitted
// payload and the gateway order token.
type CreateSnapshotResult struct {
	Snapshot Snapshot
	Payload  CartPayload
	Token    gateway.OrderToken
}

// SnapshotServiceDeps bundles collaborators for the snapshot service.
type SnapshotServiceDeps struct {
	Sessions    repositories.SessionRepository
	Snapshots   repositories.SnapshotRepository
	Counters    repositories.CounterRepository
	Discounts   DiscountService
	Gateway     gateway.Client
	Hooks       []SnapshotHook
	Events      EventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type snapshotService struct {
	sessions  repositories.SessionRepository
	snapshots repositories.SnapshotRepository
	counters  repositories.CounterRepository
	discounts DiscountService
	gateway   gateway.Client
	hooks     []SnapshotHook
	events    EventPublisher
	clock     func() time.Time
	newID     func() string
	logger    Logger
}

// NewSnapshotService wires dependencies into a SnapshotService.
func NewSnapshotService(deps SnapshotServiceDeps) (SnapshotService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("snapshot service: session repository is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("snapshot service: snapshot repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("snapshot service: counter repository is required")
	}
	if deps.Discounts == nil {
		return nil, errors.New("snapshot service: discount service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("snapshot service: gateway client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &snapshotService{
		sessions:  deps.Sessions,
		snapshots: deps.Snapshots,
		counters:  deps.Counters,
		discounts: deps.Discounts,
		gateway:   deps.Gateway,
		hooks:     deps.Hooks,
		events:    deps.Events,
		clock:     func() time.Time { return clock().UTC() },
		newID:     idGen,
		logger:    logger,
	}, nil
}

func (s *snapshotService) BuildCartPayload(ctx context.Context, cmd BuildCartPayloadCommand) (CartPayloadResult, error) {
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CartPayloadResult{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return CartPayloadResult{}, translateRepositoryError(err)
	}

	return s.buildPayload(ctx, session, "", cmd)
}

func (s *snapshotService) CreateSnapshot(ctx context.Context, cmd CreateSnapshotCommand) (CreateSnapshotResult, error) {
	sessionID := strings.TrimSpace(cmd.SessionID)
	if sessionID == "" {
		return CreateSnapshotResult{}, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return CreateSnapshotResult{}, translateRepositoryError(err)
	}
	if !session.Active {
		return CreateSnapshotResult{}, fmt.Errorf("%w: session %s is inactive", ErrConflict, sessionID)
	}
	if len(session.Items) == 0 {
		return CreateSnapshotResult{}, fmt.Errorf("%w: session %s has no items", ErrInvalidInput, sessionID)
	}

	now := s.clock()

	if strings.TrimSpace(session.ReservedOrderNumber) == "" {
		number, err := s.reserveOrderNumber(ctx, now)
		if err != nil {
			return CreateSnapshotResult{}, err
		}
		session.ReservedOrderNumber = number
		session.UpdatedAt = now
		if err := s.sessions.Update(ctx, session); err != nil {
			return CreateSnapshotResult{}, translateRepositoryError(err)
		}
	}

	snapshot := freezeSession(session, snapshotIDPrefix+s.newID(), now)
	if err := s.snapshots.Insert(ctx, snapshot); err != nil {
		return CreateSnapshotResult{}, translateRepositoryError(err)
	}

	buildCmd := BuildCartPayloadCommand{
		SessionID: sessionID,
		Mode:      PayloadModeFull,
		Request:   cmd.Request,
	}
	result, err := s.buildPayload(ctx, session, snapshot.ID, buildCmd)
	if err != nil {
		return CreateSnapshotResult{}, err
	}

	token, err := s.gateway.SubmitOrder(ctx, result.Payload)
	if err != nil {
		return CreateSnapshotResult{}, fmt.Errorf("%w: submit cart: %v", ErrUnavailable, err)
	}

	s.logger(ctx, checkoutEventCreated, map[string]any{
		"sessionId":   sessionID,
		"snapshotId":  snapshot.ID,
		"orderNumber": snapshot.ReservedOrderNumber,
		"totalAmount": result.Payload.TotalAmount,
	})

	if s.events != nil {
		event := CheckoutEvent{
			Type:        checkoutEventCreated,
			OrderNumber: snapshot.ReservedOrderNumber,
			Reference:   token.Reference,
			Amount:      result.Payload.TotalAmount,
			OccurredAt:  now,
			Metadata:    map[string]any{"snapshotId": snapshot.ID},
		}
		if err := s.events.PublishCheckoutEvent(ctx, event); err != nil {
			s.logger(ctx, "checkout.event.publish_failed", map[string]any{"error": err.Error()})
		}
	}

	return CreateSnapshotResult{
		Snapshot: snapshot,
		Payload:  result.Payload,
		Token:    token,
	}, nil
}

// buildPayload derives the canonical payload from the session. The
// recomputed total never reaches the gateway; it exists to catch the
// per-address aggregation defect that doubles platform totals.
func (s *snapshotService) buildPayload(ctx context.Context, session domain.Session, snapshotID string, cmd BuildCartPayloadCommand) (CartPayloadResult, error) {
	mode := cmd.Mode
	if mode == "" {
		mode = PayloadModeSubtotal
	}

	discounts, err := s.discounts.BuildDiscountEntries(ctx, BuildDiscountEntriesCommand{
		Breakdown:  session.DiscountBreakdown,
		CouponCode: session.CouponCode,
	})
	if err != nil {
		return CartPayloadResult{}, err
	}

	var discountTotal int64
	for _, entry := range discounts {
		discountTotal += entry.Amount
	}

	var itemTotal int64
	for _, item := range session.Items {
		itemTotal += item.UnitPrice * item.Quantity
	}

	payload := CartPayload{
		OrderReference: session.ID,
		Currency:       strings.ToUpper(strings.TrimSpace(session.Currency)),
		Items:          cloneItems(session.Items),
		Discounts:      discounts,
		DiscountAmount: discountTotal,
	}
	if snapshotID != "" {
		payload.DisplayID = domain.ComposeDisplayID(session.ReservedOrderNumber, snapshotID)
	}

	recomputed := itemTotal - discountTotal

	switch mode {
	case PayloadModeSubtotal:
		payload.TotalAmount = itemTotal - discountTotal
	case PayloadModeFull:
		payload.BillingAddress = projectAddress(session.BillingAddress, session.Email)
		payload.ShippingAddress = projectAddress(session.ShippingAddress, session.Email)

		tax := session.Totals.Tax
		if cmd.AdHocTax != nil {
			tax = *cmd.AdHocTax
		}
		payload.TaxAmount = tax

		shipment, shippingCost := resolveShipment(session.ShippingMethod, cmd.AdHocShipping)
		if shipment != nil {
			payload.Shipments = []domain.Shipment{*shipment}
		}

		recomputed = itemTotal - discountTotal + tax + shippingCost
		payload.TotalAmount = session.Totals.GrandTotal
		if payload.TotalAmount == 0 {
			payload.TotalAmount = recomputed
		}
		// Duplicate per-address aggregation occasionally doubles the
		// platform total. When the independent recomputation lands on
		// exactly half, trust it for the total; tax, discount and
		// shipping stay as reported.
		if recomputed != payload.TotalAmount && recomputed*2 == payload.TotalAmount {
			payload.TotalAmount = recomputed
		}
	default:
		return CartPayloadResult{}, fmt.Errorf("%w: unknown payload mode %q", ErrInvalidInput, mode)
	}

	if payload.TotalAmount < 0 {
		payload.TotalAmount = 0
	}

	for _, hook := range s.hooks {
		if hook == nil {
			continue
		}
		if err := hook.AfterTotalsComputed(ctx, &payload); err != nil {
			return CartPayloadResult{}, fmt.Errorf("snapshot hook: %w", err)
		}
	}

	return CartPayloadResult{Payload: payload, RecomputedTotal: recomputed}, nil
}

func (s *snapshotService) reserveOrderNumber(ctx context.Context, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", translateRepositoryError(err)
	}
	return fmt.Sprintf("PL-%04d-%06d", now.Year(), seq), nil
}

func freezeSession(session domain.Session, snapshotID string, now time.Time) domain.Snapshot {
	return domain.Snapshot{
		ID:                  snapshotID,
		SessionID:           session.ID,
		ReservedOrderNumber: session.ReservedOrderNumber,
		CustomerID:          session.CustomerID,
		Email:               session.Email,
		Currency:            session.Currency,
		Items:               cloneItems(session.Items),
		BillingAddress:      cloneAddress(session.BillingAddress),
		ShippingAddress:     cloneAddress(session.ShippingAddress),
		ShippingMethod:      cloneShipping(session.ShippingMethod),
		CouponCode:          session.CouponCode,
		Totals:              session.Totals,
		DiscountBreakdown:   cloneInt64Map(session.DiscountBreakdown),
		CustomerNote:        session.CustomerNote,
		ProductPagePurchase: session.ProductPagePurchase,
		CreatedAt:           now,
	}
}

// projectAddress reduces a stored address to the fields the gateway
// needs, applying the region and postal code fallbacks.
func projectAddress(addr *domain.Address, fallbackEmail string) *domain.Address {
	if addr == nil {
		return nil
	}
	out := *addr
	country := strings.ToUpper(strings.TrimSpace(out.Country))
	out.Country = country
	if strings.TrimSpace(out.Region) == "" {
		if _, required := regionRequiredCountries[country]; !required {
			out.Region = out.City
		}
	}
	if strings.TrimSpace(out.PostalCode) == "" {
		out.PostalCode = fallbackPostalCode
	}
	if strings.TrimSpace(out.Email) == "" {
		out.Email = strings.TrimSpace(fallbackEmail)
	}
	return &out
}

func resolveShipment(selected *domain.ShippingSelection, adHoc *domain.Shipment) (*domain.Shipment, int64) {
	if adHoc != nil {
		dup := *adHoc
		return &dup, dup.Cost
	}
	if selected == nil {
		return nil, 0
	}
	return &domain.Shipment{
		Service:   selected.Label(),
		Carrier:   selected.Carrier,
		Reference: selected.Reference,
		Cost:      selected.Cost,
		TaxAmount: selected.Tax,
	}, selected.Cost
}

var _ SnapshotService = (*snapshotService)(nil)
