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
	orderIDPrefix     = "ord_"
	orderEventCreated = "order.created"

	defaultSnapshotRetention = 14 * 24 * time.Hour
)

// ShippingRateProvider collects the currently available shipping rates
// for a snapshot. Legacy transaction records identify their shipping
// selection only by a human readable service label, which must be
// matched against a fresh collection.
type ShippingRateProvider interface {
	CollectRates(ctx context.Context, snapshot domain.Snapshot) ([]domain.ShippingSelection, error)
}

// OrderCreationConfig carries the reconciliation knobs.
type OrderCreationConfig struct {
	// ToleranceMinorUnits is the maximum acceptable absolute difference
	// between gateway and local totals.
	ToleranceMinorUnits int64
	// SnapshotRetention bounds how old an unconsumed snapshot may be
	// before order creation treats it as expired.
	SnapshotRetention time.Duration
	// KeepExportTimestamps disables withholding the export eligibility
	// timestamp until payment confirmation.
	KeepExportTimestamps bool
}

// CreateOrderCommand identifies the transaction to convert. When Record
// is nil the record is fetched from the gateway by Reference.
type CreateOrderCommand struct {
	Reference string
	Record    *domain.TransactionRecord
	Request   RequestContext
}

// CreateOrderResult reports the order plus whether this invocation
// created it. Created is false when the idempotency check returned a
// pre-existing order.
type CreateOrderResult struct {
	Order   Order
	Created bool
}

// OrderCreationServiceDeps bundles collaborators for the orchestrator.
type OrderCreationServiceDeps struct {
	Sessions    repositories.SessionRepository
	Snapshots   repositories.SnapshotRepository
	Orders      repositories.OrderRepository
	Discounts   repositories.DiscountRepository
	Inventory   repositories.InventoryRepository
	Counters    repositories.CounterRepository
	Gateway     gateway.Client
	Rates       ShippingRateProvider
	Hooks       []OrderHook
	Events      EventPublisher
	Monitor     Monitor
	UnitOfWork  repositories.UnitOfWork
	Config      OrderCreationConfig
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type orderCreationService struct {
	sessions   repositories.SessionRepository
	snapshots  repositories.SnapshotRepository
	orders     repositories.OrderRepository
	discounts  repositories.DiscountRepository
	inventory  repositories.InventoryRepository
	counters   repositories.CounterRepository
	gateway    gateway.Client
	rates      ShippingRateProvider
	hooks      []OrderHook
	events     EventPublisher
	monitor    Monitor
	unitOfWork repositories.UnitOfWork
	reconcile  *reconciler
	cfg        OrderCreationConfig
	clock      func() time.Time
	newID      func() string
	logger     Logger
}

// NewOrderCreationService wires dependencies into an OrderCreationService.
func NewOrderCreationService(deps OrderCreationServiceDeps) (OrderCreationService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("order creation service: session repository is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("order creation service: snapshot repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order creation service: order repository is required")
	}
	if deps.Discounts == nil {
		return nil, errors.New("order creation service: discount repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order creation service: inventory repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order creation service: counter repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order creation service: gateway client is required")
	}

	cfg := deps.Config
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = defaultSnapshotRetention
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = noopMonitor{}
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

	return &orderCreationService{
		sessions:   deps.Sessions,
		snapshots:  deps.Snapshots,
		orders:     deps.Orders,
		discounts:  deps.Discounts,
		inventory:  deps.Inventory,
		counters:   deps.Counters,
		gateway:    deps.Gateway,
		rates:      deps.Rates,
		hooks:      deps.Hooks,
		events:     deps.Events,
		monitor:    monitor,
		unitOfWork: unit,
		reconcile:  newReconciler(cfg.ToleranceMinorUnits, deps.Hooks, logger),
		cfg:        cfg,
		clock:      func() time.Time { return clock().UTC() },
		newID:      idGen,
		logger:     logger,
	}, nil
}

// CreateOrder runs the one-time workflow that converts a snapshot into a
// durable order for the given transaction reference. Concurrent or
// retried invocations observe either the idempotency check or the
// deactivated session and exit without a second submission.
func (s *orderCreationService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	record, err := s.resolveRecord(ctx, cmd)
	if err != nil {
		return CreateOrderResult{}, err
	}

	orderNumber, snapshotID, err := record.SplitDisplayID()
	if err != nil {
		return CreateOrderResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// Fast idempotency path: one order per transaction reference.
	if existing, err := s.orders.FindByTransactionReference(ctx, record.Reference); err == nil {
		s.monitor.ReportAnomaly(ctx, "order.duplicate_creation_attempt", map[string]any{
			"reference": record.Reference,
			"orderId":   existing.ID,
		})
		return CreateOrderResult{Order: existing, Created: false}, nil
	} else if !isRepoNotFound(err) {
		return CreateOrderResult{}, translateRepositoryError(err)
	}

	snapshot, session, err := s.resolveCarts(ctx, snapshotID)
	if err != nil {
		return CreateOrderResult{}, err
	}

	now := s.clock()
	if now.Sub(snapshot.CreatedAt) > s.cfg.SnapshotRetention {
		return CreateOrderResult{}, NewOrderCreationError(OrderErrCartExpired, nil, "snapshot %s is past its retention window", snapshotID)
	}

	if err := s.checkInventory(ctx, snapshot.Items); err != nil {
		return CreateOrderResult{}, err
	}

	email, err := s.applyRemoteSelections(ctx, &snapshot, &session, record)
	if err != nil {
		return CreateOrderResult{}, err
	}

	// Deactivate before the irreversible step so a concurrent attempt
	// on the same session fails fast as expired instead of submitting
	// twice.
	if err := s.sessions.SetActive(ctx, session.ID, false, now); err != nil {
		return CreateOrderResult{}, translateRepositoryError(err)
	}

	result, err := s.createDeactivated(ctx, record, snapshot, session, orderNumber, now, email)
	if err != nil {
		s.reactivate(ctx, session.ID)
		return CreateOrderResult{}, err
	}
	return result, nil
}

// createDeactivated covers the steps between session deactivation and
// commit; any error here triggers reactivation in the caller.
func (s *orderCreationService) createDeactivated(ctx context.Context, record domain.TransactionRecord, snapshot domain.Snapshot, session domain.Session, orderNumber string, now time.Time, email func(domain.Session) string) (CreateOrderResult, error) {
	// Reserved-number idempotency check. A pre-existing order for the
	// same snapshot is a successful no-op; a different snapshot means a
	// reservation collision from an abandoned snapshot, so the number
	// is regenerated.
	existing, err := s.orders.FindByNumber(ctx, orderNumber)
	switch {
	case err == nil && existing.SnapshotID == snapshot.ID:
		s.monitor.ReportAnomaly(ctx, "order.idempotent_replay", map[string]any{
			"orderNumber": orderNumber,
			"snapshotId":  snapshot.ID,
		})
		return CreateOrderResult{Order: existing, Created: false}, nil
	case err == nil:
		regenerated, rerr := s.regenerateOrderNumber(ctx, &snapshot, &session, now)
		if rerr != nil {
			return CreateOrderResult{}, rerr
		}
		orderNumber = regenerated
	case !isRepoNotFound(err):
		return CreateOrderResult{}, translateRepositoryError(err)
	}

	skipSubChecks, discountDescription, err := s.couponCrossCheck(ctx, record, snapshot)
	if err != nil {
		return CreateOrderResult{}, err
	}

	if err := s.reconcile.validateItems(record, snapshot.Items); err != nil {
		return CreateOrderResult{}, err
	}
	if err := s.reconcile.validateAggregates(ctx, record, snapshot.Totals, skipSubChecks); err != nil {
		return CreateOrderResult{}, err
	}

	delta, err := s.reconcile.finalGrandTotalCheck(ctx, record.GrandTotal, snapshot.Totals.GrandTotal)
	if err != nil {
		return CreateOrderResult{}, err
	}

	totals := snapshot.Totals
	totals.Tax += delta
	totals.GrandTotal += delta

	order := domain.Order{
		ID:                  orderIDPrefix + s.newID(),
		Number:              orderNumber,
		SessionID:           session.ID,
		SnapshotID:          snapshot.ID,
		CustomerID:          session.CustomerID,
		Email:               email(session),
		Currency:            snapshot.Currency,
		Status:              domain.OrderStateNew,
		Items:               cloneItems(snapshot.Items),
		Totals:              totals,
		DiscountDescription: discountDescription,
		CustomerNote:        snapshot.CustomerNote,
		Payment: domain.Payment{
			Reference: record.Reference,
			Status:    domain.TransactionPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if delta != 0 {
		order.History = append(order.History, domain.StatusComment{
			Message:   fmt.Sprintf("grand total corrected by %d to match the gateway", delta),
			CreatedAt: now,
		})
	}
	if note := strings.TrimSpace(snapshot.CustomerNote); note != "" {
		order.History = append(order.History, domain.StatusComment{
			Message:   "Customer note: " + note,
			CreatedAt: now,
		})
	}
	if s.cfg.KeepExportTimestamps {
		order.ExportEligibleAt = valuePtr(now)
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if isRepoConflict(err) {
			// A racer won between our reference check and the insert.
			if winner, ferr := s.orders.FindByTransactionReference(ctx, record.Reference); ferr == nil {
				s.monitor.ReportAnomaly(ctx, "order.creation_race_lost", map[string]any{
					"reference": record.Reference,
					"orderId":   winner.ID,
				})
				return CreateOrderResult{Order: winner, Created: false}, nil
			}
		}
		return CreateOrderResult{}, translateRepositoryError(err)
	}

	s.afterCommit(ctx, order, record, snapshot, session, now)

	return CreateOrderResult{Order: order, Created: true}, nil
}

// afterCommit performs the best-effort bookkeeping that follows a
// successful insert. Failures here are reported and swallowed; the
// order exists and must not be undone.
func (s *orderCreationService) afterCommit(ctx context.Context, order domain.Order, record domain.TransactionRecord, snapshot domain.Snapshot, session domain.Session, now time.Time) {
	if err := s.sessions.MarkConsumed(ctx, session.ID, snapshot.ID, now); err != nil {
		s.monitor.ReportError(ctx, err, map[string]any{"op": "session.markConsumed", "sessionId": session.ID})
	}
	if err := s.snapshots.MarkConsumed(ctx, snapshot.ID, order.ID, now); err != nil {
		s.monitor.ReportError(ctx, err, map[string]any{"op": "snapshot.markConsumed", "snapshotId": snapshot.ID})
	}

	if code := strings.TrimSpace(snapshot.CouponCode); code != "" {
		if coupon, err := s.discounts.FindCoupon(ctx, code); err == nil {
			if err := s.discounts.RecordUsage(ctx, code, coupon.RuleID, session.CustomerID, now); err != nil {
				s.monitor.ReportError(ctx, err, map[string]any{"op": "discount.recordUsage", "code": code})
			}
		}
	}

	if err := s.gateway.CompleteAuthorize(ctx, record.Reference, record.DisplayID, order.Totals.GrandTotal); err != nil {
		// A confirmation mismatch never rolls the order back; it flags
		// the order for manual review instead.
		s.monitor.ReportError(ctx, err, map[string]any{"op": "gateway.completeAuthorize", "orderId": order.ID})
		order.Status = domain.OrderStateOnHold
		order.History = append(order.History, domain.StatusComment{
			Status:    domain.OrderStateOnHold,
			Message:   "authorization confirmation failed; order held for manual review",
			CreatedAt: now,
		})
		order.UpdatedAt = now
		if uerr := s.orders.Update(ctx, order); uerr != nil {
			s.monitor.ReportError(ctx, uerr, map[string]any{"op": "order.hold", "orderId": order.ID})
		}
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.Number,
		"reference":   record.Reference,
		"grandTotal":  order.Totals.GrandTotal,
	})
	if s.events != nil {
		event := CheckoutEvent{
			Type:          orderEventCreated,
			OrderID:       order.ID,
			OrderNumber:   order.Number,
			Reference:     record.Reference,
			CurrentStatus: order.Status,
			Amount:        order.Totals.GrandTotal,
			OccurredAt:    now,
		}
		if err := s.events.PublishCheckoutEvent(ctx, event); err != nil {
			s.monitor.ReportError(ctx, err, map[string]any{"op": "events.publish", "orderId": order.ID})
		}
	}
}

func (s *orderCreationService) resolveRecord(ctx context.Context, cmd CreateOrderCommand) (domain.TransactionRecord, error) {
	if cmd.Record != nil {
		if err := cmd.Record.Validate(); err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return *cmd.Record, nil
	}
	reference := strings.TrimSpace(cmd.Reference)
	if reference == "" {
		return domain.TransactionRecord{}, fmt.Errorf("%w: transaction reference is required", ErrInvalidInput)
	}
	record, err := s.gateway.FetchTransaction(ctx, reference)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("%w: fetch transaction: %v", ErrUnavailable, err)
	}
	return record, nil
}

func (s *orderCreationService) resolveCarts(ctx context.Context, snapshotID string) (domain.Snapshot, domain.Session, error) {
	snapshot, err := s.snapshots.FindByID(ctx, snapshotID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Snapshot{}, domain.Session{}, NewOrderCreationError(OrderErrCartExpired, err, "snapshot %s no longer exists", snapshotID)
		}
		return domain.Snapshot{}, domain.Session{}, translateRepositoryError(err)
	}
	if len(snapshot.Items) == 0 {
		return domain.Snapshot{}, domain.Session{}, NewOrderCreationError(OrderErrCartExpired, nil, "snapshot %s is empty", snapshotID)
	}

	session, err := s.sessions.FindByID(ctx, snapshot.SessionID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Snapshot{}, domain.Session{}, NewOrderCreationError(OrderErrCartExpired, err, "session %s no longer exists", snapshot.SessionID)
		}
		return domain.Snapshot{}, domain.Session{}, translateRepositoryError(err)
	}
	if !session.Active {
		return domain.Snapshot{}, domain.Session{}, NewOrderCreationError(OrderErrCartExpired, nil, "session %s is no longer active", session.ID)
	}
	return snapshot, session, nil
}

func (s *orderCreationService) checkInventory(ctx context.Context, items []domain.LineItem) error {
	for _, item := range items {
		if s.skipItem(item) {
			continue
		}
		stock, err := s.inventory.GetStock(ctx, item.Reference)
		if err != nil {
			if isRepoNotFound(err) {
				return NewOrderCreationError(OrderErrOutOfInventory, err, "item %s is not purchasable", item.Reference).
					WithData(map[string]any{"product_id": item.Reference})
			}
			return translateRepositoryError(err)
		}
		if !stock.Salable {
			return NewOrderCreationError(OrderErrOutOfInventory, nil, "item %s is not salable", item.Reference).
				WithData(map[string]any{"product_id": item.Reference})
		}
		if stock.ManageStock && !stock.Backorders && stock.Quantity < item.Quantity {
			return NewOrderCreationError(OrderErrOutOfInventory, nil, "item %s has insufficient stock", item.Reference).
				WithData(map[string]any{
					"product_id":         item.Reference,
					"available_quantity": stock.Quantity,
					"needed_quantity":    item.Quantity,
				})
		}
	}
	return nil
}

// applyRemoteSelections copies gateway supplied identity, addresses and
// the shipping selection onto the snapshot, preferring record values
// over locally stored ones. It returns an accessor for the effective
// email so guest identity resolution stays in one place.
func (s *orderCreationService) applyRemoteSelections(ctx context.Context, snapshot *domain.Snapshot, session *domain.Session, record domain.TransactionRecord) (func(domain.Session) string, error) {
	if record.BillingAddress != nil {
		snapshot.BillingAddress = cloneAddress(record.BillingAddress)
	}
	if record.ShippingAddress != nil {
		snapshot.ShippingAddress = cloneAddress(record.ShippingAddress)
	}

	if ref := strings.TrimSpace(record.ShippingMethodReference); ref != "" {
		if snapshot.ShippingMethod == nil {
			snapshot.ShippingMethod = &domain.ShippingSelection{Reference: ref}
		} else {
			snapshot.ShippingMethod.Reference = ref
		}
	} else if label := strings.TrimSpace(record.ShippingServiceLabel); label != "" {
		matched, err := s.matchLegacyShippingLabel(ctx, *snapshot, label)
		if err != nil {
			return nil, err
		}
		snapshot.ShippingMethod = matched
	}

	for _, hook := range s.hooks {
		if hook == nil {
			continue
		}
		if err := hook.AfterShippingApplied(ctx, snapshot); err != nil {
			return nil, fmt.Errorf("order hook: %w", err)
		}
	}

	remoteEmail := strings.TrimSpace(record.CustomerEmail)
	return func(sess domain.Session) string {
		if email := strings.TrimSpace(sess.Email); email != "" {
			return email
		}
		return remoteEmail
	}, nil
}

func (s *orderCreationService) matchLegacyShippingLabel(ctx context.Context, snapshot domain.Snapshot, label string) (*domain.ShippingSelection, error) {
	if s.rates == nil {
		return nil, NewOrderCreationError(OrderErrGeneral, nil, "no rate provider available to resolve shipping service %q", label)
	}
	rates, err := s.rates.CollectRates(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: collect shipping rates: %v", ErrUnavailable, err)
	}
	for _, rate := range rates {
		if strings.EqualFold(strings.TrimSpace(rate.Label()), label) {
			matched := rate
			return &matched, nil
		}
	}
	return nil, NewOrderCreationError(OrderErrGeneral, nil, "shipping service %q does not match any collected rate", label)
}

func (s *orderCreationService) regenerateOrderNumber(ctx context.Context, snapshot *domain.Snapshot, session *domain.Session, now time.Time) (string, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return "", translateRepositoryError(err)
	}
	number := fmt.Sprintf("PL-%04d-%06d", now.Year(), seq)

	snapshot.ReservedOrderNumber = number
	session.ReservedOrderNumber = number
	session.UpdatedAt = now

	// Both carts must agree on the reservation; a half-applied rename
	// would resurrect the collision on the next retry.
	err = s.unitOfWork.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.snapshots.Update(ctx, *snapshot); err != nil {
			return err
		}
		return s.sessions.Update(ctx, *session)
	})
	if err != nil {
		return "", translateRepositoryError(err)
	}

	s.monitor.ReportAnomaly(ctx, "order.number_regenerated", map[string]any{
		"snapshotId": snapshot.ID,
		"number":     number,
	})
	return number, nil
}

// couponCrossCheck verifies every coupon the gateway references exists
// locally and matches what the snapshot applied. It also reports whether
// the discount/shipping aggregate comparisons must be skipped because a
// percentage rule applied before shipping makes them incomparable.
func (s *orderCreationService) couponCrossCheck(ctx context.Context, record domain.TransactionRecord, snapshot domain.Snapshot) (skipSubChecks bool, description string, err error) {
	localCode := strings.TrimSpace(snapshot.CouponCode)

	for _, entry := range record.Discounts {
		reference := strings.TrimSpace(entry.Reference)
		if reference == "" {
			continue
		}
		if _, err := s.discounts.FindCoupon(ctx, reference); err != nil {
			if isRepoNotFound(err) {
				return false, "", NewOrderCreationError(OrderErrDiscountMissing, err, "coupon %s does not exist", reference).
					WithData(map[string]any{"discount_code": reference})
			}
			return false, "", translateRepositoryError(err)
		}
		if !strings.EqualFold(reference, localCode) {
			return false, "", NewOrderCreationError(OrderErrDiscountCannotApply, nil, "coupon %s is not applied to the cart", reference).
				WithData(map[string]any{"discount_code": reference})
		}
	}

	if localCode == "" {
		return false, "", nil
	}

	coupon, err := s.discounts.FindCoupon(ctx, localCode)
	if err != nil {
		if isRepoNotFound(err) {
			return false, "", NewOrderCreationError(OrderErrDiscountMissing, err, "coupon %s does not exist", localCode).
				WithData(map[string]any{"discount_code": localCode})
		}
		return false, "", translateRepositoryError(err)
	}
	rule, err := s.discounts.FindRule(ctx, coupon.RuleID)
	if err != nil {
		if isRepoNotFound(err) {
			return false, "", NewOrderCreationError(OrderErrDiscountMissing, err, "discount rule for %s does not exist", localCode).
				WithData(map[string]any{"discount_code": localCode})
		}
		return false, "", translateRepositoryError(err)
	}

	skip := rule.Action == domain.RuleActionPercent && rule.AppliesBeforeShipping
	return skip, ruleLabel(rule), nil
}

func (s *orderCreationService) skipItem(item domain.LineItem) bool {
	for _, hook := range s.hooks {
		if hook != nil && hook.SkipItemValidation(item) {
			return true
		}
	}
	return false
}

func (s *orderCreationService) reactivate(ctx context.Context, sessionID string) {
	if err := s.sessions.SetActive(ctx, sessionID, true, s.clock()); err != nil {
		s.monitor.ReportError(ctx, err, map[string]any{"op": "session.reactivate", "sessionId": sessionID})
	}
}

var _ OrderCreationService = (*orderCreationService)(nil)
