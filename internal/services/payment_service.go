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
	invoiceIDPrefix    = "inv_"
	creditMemoIDPrefix = "cm_"

	paymentEventPrefix = "payment."
)

// paymentTransitions lists, per current payment status, the statuses a
// notification may move it to. TransactionNoNewState as the sole entry
// marks a terminal status. Statuses absent from their own row are still
// reprocessed when listed in reprocessedStatuses.
var paymentTransitions = map[string][]string{
	domain.TransactionAuthorized: {
		domain.TransactionAuthorized,
		domain.TransactionCompleted,
		domain.TransactionCancelled,
		domain.TransactionRejectedReversible,
		domain.TransactionRejectedIrreversible,
		domain.TransactionPending,
	},
	domain.TransactionCompleted: {
		domain.TransactionRefund,
		domain.TransactionNoNewState,
		domain.TransactionCompleted,
	},
	domain.TransactionPending: {
		domain.TransactionAuthorized,
		domain.TransactionCancelled,
		domain.TransactionRejectedReversible,
		domain.TransactionRejectedIrreversible,
		domain.TransactionCompleted,
	},
	domain.TransactionOnHold: {
		domain.TransactionCancelled,
		domain.TransactionRejectedReversible,
		domain.TransactionRejectedIrreversible,
	},
	domain.TransactionRejectedIrreversible: {
		domain.TransactionNoNewState,
	},
	domain.TransactionRejectedReversible: {
		domain.TransactionAuthorized,
		domain.TransactionCancelled,
		domain.TransactionRejectedIrreversible,
		domain.TransactionCompleted,
	},
	domain.TransactionCancelled: {
		domain.TransactionNoNewState,
	},
	domain.TransactionRefund: {
		domain.TransactionRefund,
		domain.TransactionNoNewState,
	},
}

// reprocessedStatuses are applied additively even when the incoming
// status equals the current one; the gateway reports repeated captures
// and refunds under an unchanged status.
var reprocessedStatuses = map[string]bool{
	domain.TransactionAuthorized: true,
	domain.TransactionCompleted:  true,
	domain.TransactionRefund:     true,
}

// PaymentNotificationCommand carries one gateway status notification.
// When Record is nil the transaction is fetched by Reference so capture
// and refund amounts are current.
type PaymentNotificationCommand struct {
	Reference string
	Record    *domain.TransactionRecord
	Request   RequestContext
}

// ReviewDeferredCommand resolves an order parked in the deferred review
// state.
type ReviewDeferredCommand struct {
	OrderID  string
	Decision gateway.ReviewDecision
	Comment  string
	Request  RequestContext
}

// PaymentUpdateResult reports the order after a notification or review
// was applied. Changed is false when the notification was a recognized
// no-op.
type PaymentUpdateResult struct {
	Order          Order
	PreviousStatus string
	CurrentStatus  string
	Changed        bool
}

// PaymentServiceDeps bundles collaborators for the state machine.
type PaymentServiceDeps struct {
	Orders        repositories.OrderRepository
	Gateway       gateway.Client
	OrderCreation OrderCreationService
	Inventory     repositories.InventoryRepository
	Events        EventPublisher
	Monitor       Monitor
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        Logger
}

type paymentService struct {
	orders        repositories.OrderRepository
	gateway       gateway.Client
	orderCreation OrderCreationService
	inventory     repositories.InventoryRepository
	events        EventPublisher
	monitor       Monitor
	clock         func() time.Time
	newID         func() string
	logger        Logger
}

// NewPaymentService wires dependencies into a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway client is required")
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

	return &paymentService{
		orders:        deps.Orders,
		gateway:       deps.Gateway,
		orderCreation: deps.OrderCreation,
		inventory:     deps.Inventory,
		events:        deps.Events,
		monitor:       monitor,
		clock:         func() time.Time { return clock().UTC() },
		newID:         idGen,
		logger:        logger,
	}, nil
}

// RecordNotification applies one gateway status notification to the
// matching order. Orders that do not exist yet are created first when
// the incoming status can legitimately open one.
func (s *paymentService) RecordNotification(ctx context.Context, cmd PaymentNotificationCommand) (PaymentUpdateResult, error) {
	record, err := s.resolveRecord(ctx, cmd)
	if err != nil {
		return PaymentUpdateResult{}, err
	}

	order, err := s.orders.FindByTransactionReference(ctx, record.Reference)
	if err != nil {
		if !isRepoNotFound(err) {
			return PaymentUpdateResult{}, translateRepositoryError(err)
		}
		order, err = s.createMissingOrder(ctx, record, cmd.Request)
		if err != nil {
			return PaymentUpdateResult{}, err
		}
	}

	return s.apply(ctx, order, record, cmd.Request)
}

// ReviewDeferred resolves a deferred order by forwarding the operator's
// decision to the gateway and re-entering the state machine with the
// outcome.
func (s *paymentService) ReviewDeferred(ctx context.Context, cmd ReviewDeferredCommand) (PaymentUpdateResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentUpdateResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.Decision != gateway.ReviewApprove && cmd.Decision != gateway.ReviewReject {
		return PaymentUpdateResult{}, fmt.Errorf("%w: unknown review decision %q", ErrInvalidInput, cmd.Decision)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentUpdateResult{}, translateRepositoryError(err)
	}
	if order.Payment.Status != domain.TransactionRejectedReversible {
		return PaymentUpdateResult{}, fmt.Errorf("%w: order %s is not awaiting review", ErrConflict, orderID)
	}

	if err := s.gateway.Review(ctx, order.Payment.Reference, cmd.Decision); err != nil {
		return PaymentUpdateResult{}, fmt.Errorf("%w: gateway review: %v", ErrUnavailable, err)
	}

	outcome := domain.TransactionAuthorized
	if cmd.Decision == gateway.ReviewReject {
		outcome = domain.TransactionRejectedIrreversible
	}
	record := domain.TransactionRecord{
		Reference: order.Payment.Reference,
		Status:    outcome,
	}

	if comment := strings.TrimSpace(cmd.Comment); comment != "" {
		order.History = append(order.History, domain.StatusComment{
			Message:   "Review: " + comment,
			CreatedAt: s.clock(),
		})
	}

	return s.apply(ctx, order, record, cmd.Request)
}

func (s *paymentService) apply(ctx context.Context, order domain.Order, record domain.TransactionRecord, req RequestContext) (PaymentUpdateResult, error) {
	previous := order.Payment.Status
	target := record.Status
	now := s.clock()

	if !s.transitionAllowed(previous, target, req) {
		return PaymentUpdateResult{}, &TransitionError{From: previous, To: target}
	}

	changed := previous != target || reprocessedStatuses[target]
	if !changed {
		return PaymentUpdateResult{Order: order, PreviousStatus: previous, CurrentStatus: previous}, nil
	}

	order.Payment.Status = target
	order.UpdatedAt = now

	var err error
	switch target {
	case domain.TransactionAuthorized:
		s.applyAuthorized(&order, record, now)
	case domain.TransactionCompleted:
		s.applyCompleted(&order, record, now)
	case domain.TransactionPending:
		s.applyPending(&order, now)
	case domain.TransactionCancelled:
		err = s.applyCancelled(ctx, &order, now)
	case domain.TransactionRejectedIrreversible:
		s.applyRejectedIrreversible(ctx, &order, now)
	case domain.TransactionRejectedReversible:
		s.applyRejectedReversible(&order, now)
	case domain.TransactionRefund:
		err = s.applyRefund(&order, record, now)
	default:
		err = fmt.Errorf("%w: unsupported target status %q", ErrInvalidInput, target)
	}
	if err != nil {
		return PaymentUpdateResult{}, err
	}

	if err := s.orders.Update(ctx, order); err != nil {
		return PaymentUpdateResult{}, translateRepositoryError(err)
	}

	s.publish(ctx, order, previous, target, now)

	return PaymentUpdateResult{
		Order:          order,
		PreviousStatus: previous,
		CurrentStatus:  target,
		Changed:        true,
	}, nil
}

// transitionAllowed consults the table. Orders held for manual review
// accept any status when an operator, not an asynchronous notification,
// is driving the change.
func (s *paymentService) transitionAllowed(from, to string, req RequestContext) bool {
	if from == "" {
		// Freshly created orders accept any opening status.
		return true
	}
	if from == domain.TransactionOnHold && !req.AsyncNotification {
		return true
	}
	for _, allowed := range paymentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *paymentService) applyAuthorized(order *domain.Order, record domain.TransactionRecord, now time.Time) {
	order.Payment.AuthorizationOpen = true
	if order.Payment.AuthorizedAt == nil {
		order.Payment.AuthorizedAt = valuePtr(now)
	}
	order.Status = domain.OrderStateProcessing
	amount := record.GrandTotal
	if amount == 0 {
		amount = order.Totals.GrandTotal
	}
	order.History = append(order.History, domain.StatusComment{
		Status:    domain.OrderStateProcessing,
		Message:   fmt.Sprintf("payment authorized for %d %s", amount, order.Currency),
		CreatedAt: now,
	})
}

// applyCompleted records one invoice per capture amount not seen before.
// The gateway retries notifications, so an invoice matching the incoming
// amount means this capture was already booked.
func (s *paymentService) applyCompleted(order *domain.Order, record domain.TransactionRecord, now time.Time) {
	amount := record.CaptureAmount
	if amount == 0 {
		amount = order.Totals.GrandTotal
	}

	for _, invoice := range order.Invoices {
		if invoice.Amount == amount {
			order.Status = domain.OrderStateProcessing
			return
		}
	}

	invoice := domain.Invoice{
		ID:            invoiceIDPrefix + s.newID(),
		Amount:        amount,
		TransactionID: record.Reference,
		CreatedAt:     now,
	}
	order.Invoices = append(order.Invoices, invoice)
	order.Payment.Captures = append(order.Payment.Captures, domain.PaymentEvent{
		TransactionID: record.Reference,
		Amount:        amount,
		Status:        domain.TransactionCompleted,
		OccurredAt:    now,
	})
	order.TotalPaid += amount
	order.Payment.AuthorizationOpen = false
	order.Status = domain.OrderStateProcessing
	if order.ExportEligibleAt == nil {
		order.ExportEligibleAt = valuePtr(now)
	}
	order.History = append(order.History, domain.StatusComment{
		Status:    domain.OrderStateProcessing,
		Message:   fmt.Sprintf("capture of %d %s invoiced", amount, order.Currency),
		CreatedAt: now,
	})
}

func (s *paymentService) applyPending(order *domain.Order, now time.Time) {
	order.Status = domain.OrderStatePaymentReview
	order.History = append(order.History, domain.StatusComment{
		Status:    domain.OrderStatePaymentReview,
		Message:   "payment is pending review by the gateway",
		CreatedAt: now,
	})
}

// applyCancelled voids an open authorization before closing the order.
// A void failure is reported but does not block the cancellation; the
// authorization lapses on the gateway side regardless. When a partial
// capture was already booked, the cancellation only closes the lapsed
// authorization; the captured part of the order stands.
func (s *paymentService) applyCancelled(ctx context.Context, order *domain.Order, now time.Time) error {
	if len(order.Payment.Captures) > 0 {
		order.Payment.AuthorizationOpen = false
		order.History = append(order.History, domain.StatusComment{
			Status:    order.Status,
			Message:   "lapsed authorization closed after partial capture; order state unchanged",
			CreatedAt: now,
		})
		return nil
	}

	message := "order cancelled"
	if order.Payment.AuthorizationOpen {
		if _, err := s.gateway.Void(ctx, order.Payment.Reference); err != nil {
			s.monitor.ReportError(ctx, err, map[string]any{"op": "gateway.void", "orderId": order.ID})
			message = "order cancelled; open authorization left to lapse"
		} else {
			message = "order cancelled; authorization voided"
		}
		order.Payment.AuthorizationOpen = false
	}
	if s.restockItems(ctx, order) {
		message += "; inventory restocked"
	}
	order.Status = domain.OrderStateCanceled
	order.History = append(order.History, domain.StatusComment{
		Status:    domain.OrderStateCanceled,
		Message:   message,
		CreatedAt: now,
	})
	return nil
}

func (s *paymentService) applyRejectedIrreversible(ctx context.Context, order *domain.Order, now time.Time) {
	order.Payment.AuthorizationOpen = false
	message := "payment rejected by the gateway; no recovery is possible"
	if s.restockItems(ctx, order) {
		message += "; inventory restocked"
	}
	order.Status = domain.OrderStateCanceled
	order.History = append(order.History, domain.StatusComment{
		Status:    domain.OrderStateCanceled,
		Message:   message,
		CreatedAt: now,
	})
}

// restockItems returns the order's line quantities to stock and reports
// whether every line was restocked. Failures are surfaced through the
// monitor; the cancellation itself must not depend on the catalog.
func (s *paymentService) restockItems(ctx context.Context, order *domain.Order) bool {
	if s.inventory == nil || len(order.Items) == 0 {
		return false
	}
	restocked := true
	for _, item := range order.Items {
		if err := s.inventory.Restock(ctx, item.Reference, item.Quantity); err != nil {
			s.monitor.ReportError(ctx, err, map[string]any{
				"op":      "inventory.restock",
				"orderId": order.ID,
				"product": item.Reference,
			})
			restocked = false
		}
	}
	return restocked
}

func (s *paymentService) applyRejectedReversible(order *domain.Order, now time.Time) {
	order.Status = domain.OrderStateDeferred
	order.History = append(order.History, domain.StatusComment{
		Status:    domain.OrderStateDeferred,
		Message:   "payment flagged by the gateway; approve or reject via the review workflow",
		CreatedAt: now,
	})
}

// applyRefund books a credit memo for the explicit gateway-reported
// amount. Refund notifications repeat, so the refund transaction id
// deduplicates them.
func (s *paymentService) applyRefund(order *domain.Order, record domain.TransactionRecord, now time.Time) error {
	refundID := strings.TrimSpace(record.RefundTransactionID)
	for _, refund := range order.Payment.Refunds {
		if refundID != "" && refund.TransactionID == refundID {
			return nil
		}
	}

	amount := record.RefundAmount
	if amount <= 0 {
		return fmt.Errorf("%w: refund notification without an amount", ErrInvalidInput)
	}
	if amount > order.AvailableRefund() {
		return fmt.Errorf("%w: refund of %d exceeds refundable balance %d", ErrConflict, amount, order.AvailableRefund())
	}

	memo := domain.CreditMemo{
		ID:         creditMemoIDPrefix + s.newID(),
		Amount:     amount,
		Adjustment: amount,
		CreatedAt:  now,
	}
	order.CreditMemos = append(order.CreditMemos, memo)
	order.Payment.Refunds = append(order.Payment.Refunds, domain.PaymentEvent{
		TransactionID: refundID,
		Amount:        amount,
		Status:        domain.TransactionRefund,
		OccurredAt:    now,
	})
	order.TotalRefunded += amount

	message := fmt.Sprintf("credit memo issued for %d %s", amount, order.Currency)
	if order.AvailableRefund() <= 0 {
		order.Status = domain.OrderStateComplete
		message += "; refundable balance exhausted"
	}
	order.History = append(order.History, domain.StatusComment{
		Status:    order.Status,
		Message:   message,
		CreatedAt: now,
	})
	return nil
}

func (s *paymentService) resolveRecord(ctx context.Context, cmd PaymentNotificationCommand) (domain.TransactionRecord, error) {
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

// createMissingOrder runs order creation when a notification arrives for
// a transaction no order exists for yet. Only statuses that can open an
// order qualify; anything else is an orphaned notification.
func (s *paymentService) createMissingOrder(ctx context.Context, record domain.TransactionRecord, req RequestContext) (domain.Order, error) {
	switch record.Status {
	case domain.TransactionAuthorized, domain.TransactionPending, domain.TransactionCompleted:
	default:
		return domain.Order{}, fmt.Errorf("%w: no order for transaction %s", ErrNotFound, record.Reference)
	}
	if s.orderCreation == nil {
		return domain.Order{}, fmt.Errorf("%w: no order for transaction %s", ErrNotFound, record.Reference)
	}

	result, err := s.orderCreation.CreateOrder(ctx, CreateOrderCommand{
		Record:  &record,
		Request: req,
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result.Order, nil
}

func (s *paymentService) publish(ctx context.Context, order domain.Order, previous, current string, now time.Time) {
	event := paymentEventPrefix + current
	s.logger(ctx, event, map[string]any{
		"orderId":        order.ID,
		"orderNumber":    order.Number,
		"reference":      order.Payment.Reference,
		"previousStatus": previous,
	})
	if s.events == nil {
		return
	}
	if err := s.events.PublishCheckoutEvent(ctx, CheckoutEvent{
		Type:           event,
		OrderID:        order.ID,
		OrderNumber:    order.Number,
		Reference:      order.Payment.Reference,
		PreviousStatus: previous,
		CurrentStatus:  current,
		Amount:         order.Totals.GrandTotal,
		OccurredAt:     now,
	}); err != nil {
		s.monitor.ReportError(ctx, err, map[string]any{"op": "events.publish", "orderId": order.ID})
	}
}

var _ PaymentService = (*paymentService)(nil)
