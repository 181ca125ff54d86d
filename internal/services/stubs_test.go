package services

import (
	"context"
	"fmt"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/gateway"
	"github.com/paylane/checkout/internal/repositories"
)

// stubRepoError satisfies repositories.RepositoryError for tests.
type stubRepoError struct {
	message     string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string {
	if e.message != "" {
		return e.message
	}
	return "repository error"
}

func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = stubRepoError{}

func notFoundErr(format string, args ...any) error {
	return stubRepoError{message: fmt.Sprintf(format, args...), notFound: true}
}

func conflictErr(format string, args ...any) error {
	return stubRepoError{message: fmt.Sprintf(format, args...), conflict: true}
}

type stubSessionRepository struct {
	insertFunc       func(ctx context.Context, session domain.Session) error
	updateFunc       func(ctx context.Context, session domain.Session) error
	findFunc         func(ctx context.Context, sessionID string) (domain.Session, error)
	setActiveFunc    func(ctx context.Context, sessionID string, active bool, now time.Time) error
	markConsumedFunc func(ctx context.Context, sessionID string, snapshotID string, now time.Time) error
}

func (s *stubSessionRepository) Insert(ctx context.Context, session domain.Session) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, session)
	}
	return nil
}

func (s *stubSessionRepository) Update(ctx context.Context, session domain.Session) error {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, session)
	}
	return nil
}

func (s *stubSessionRepository) FindByID(ctx context.Context, sessionID string) (domain.Session, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, sessionID)
	}
	return domain.Session{}, notFoundErr("session %s not found", sessionID)
}

func (s *stubSessionRepository) SetActive(ctx context.Context, sessionID string, active bool, now time.Time) error {
	if s.setActiveFunc != nil {
		return s.setActiveFunc(ctx, sessionID, active, now)
	}
	return nil
}

func (s *stubSessionRepository) MarkConsumed(ctx context.Context, sessionID string, snapshotID string, now time.Time) error {
	if s.markConsumedFunc != nil {
		return s.markConsumedFunc(ctx, sessionID, snapshotID, now)
	}
	return nil
}

type stubSnapshotRepository struct {
	insertFunc        func(ctx context.Context, snapshot domain.Snapshot) error
	updateFunc        func(ctx context.Context, snapshot domain.Snapshot) error
	findFunc          func(ctx context.Context, snapshotID string) (domain.Snapshot, error)
	markConsumedFunc  func(ctx context.Context, snapshotID string, orderID string, now time.Time) error
	deleteExpiredFunc func(ctx context.Context, cutoff time.Time) (int, error)
}

func (s *stubSnapshotRepository) Insert(ctx context.Context, snapshot domain.Snapshot) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, snapshot)
	}
	return nil
}

func (s *stubSnapshotRepository) Update(ctx context.Context, snapshot domain.Snapshot) error {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, snapshot)
	}
	return nil
}

func (s *stubSnapshotRepository) FindByID(ctx context.Context, snapshotID string) (domain.Snapshot, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, snapshotID)
	}
	return domain.Snapshot{}, notFoundErr("snapshot %s not found", snapshotID)
}

func (s *stubSnapshotRepository) MarkConsumed(ctx context.Context, snapshotID string, orderID string, now time.Time) error {
	if s.markConsumedFunc != nil {
		return s.markConsumedFunc(ctx, snapshotID, orderID, now)
	}
	return nil
}

func (s *stubSnapshotRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if s.deleteExpiredFunc != nil {
		return s.deleteExpiredFunc(ctx, cutoff)
	}
	return 0, nil
}

type stubOrderRepository struct {
	insertFunc           func(ctx context.Context, order domain.Order) error
	updateFunc           func(ctx context.Context, order domain.Order) error
	findFunc             func(ctx context.Context, orderID string) (domain.Order, error)
	findByNumberFunc     func(ctx context.Context, number string) (domain.Order, error)
	findByReferenceFunc  func(ctx context.Context, reference string) (domain.Order, error)
	listStalePendingFunc func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) Update(ctx context.Context, order domain.Order) error {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, orderID)
	}
	return domain.Order{}, notFoundErr("order %s not found", orderID)
}

func (s *stubOrderRepository) FindByNumber(ctx context.Context, number string) (domain.Order, error) {
	if s.findByNumberFunc != nil {
		return s.findByNumberFunc(ctx, number)
	}
	return domain.Order{}, notFoundErr("order %s not found", number)
}

func (s *stubOrderRepository) FindByTransactionReference(ctx context.Context, reference string) (domain.Order, error) {
	if s.findByReferenceFunc != nil {
		return s.findByReferenceFunc(ctx, reference)
	}
	return domain.Order{}, notFoundErr("order for %s not found", reference)
}

func (s *stubOrderRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if s.listStalePendingFunc != nil {
		return s.listStalePendingFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

type stubDiscountRepository struct {
	findCouponFunc  func(ctx context.Context, code string) (domain.Coupon, error)
	findRuleFunc    func(ctx context.Context, ruleID string) (domain.DiscountRule, error)
	couponUsageFunc func(ctx context.Context, code string, customerID string) (int, error)
	ruleUsageFunc   func(ctx context.Context, ruleID string, customerID string) (int, error)
	recordUsageFunc func(ctx context.Context, code string, ruleID string, customerID string, now time.Time) error
}

func (s *stubDiscountRepository) FindCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	if s.findCouponFunc != nil {
		return s.findCouponFunc(ctx, code)
	}
	return domain.Coupon{}, notFoundErr("coupon %s not found", code)
}

func (s *stubDiscountRepository) FindRule(ctx context.Context, ruleID string) (domain.DiscountRule, error) {
	if s.findRuleFunc != nil {
		return s.findRuleFunc(ctx, ruleID)
	}
	return domain.DiscountRule{}, notFoundErr("rule %s not found", ruleID)
}

func (s *stubDiscountRepository) CouponUsageByCustomer(ctx context.Context, code string, customerID string) (int, error) {
	if s.couponUsageFunc != nil {
		return s.couponUsageFunc(ctx, code, customerID)
	}
	return 0, nil
}

func (s *stubDiscountRepository) RuleUsageByCustomer(ctx context.Context, ruleID string, customerID string) (int, error) {
	if s.ruleUsageFunc != nil {
		return s.ruleUsageFunc(ctx, ruleID, customerID)
	}
	return 0, nil
}

func (s *stubDiscountRepository) RecordUsage(ctx context.Context, code string, ruleID string, customerID string, now time.Time) error {
	if s.recordUsageFunc != nil {
		return s.recordUsageFunc(ctx, code, ruleID, customerID, now)
	}
	return nil
}

type stubInventoryRepository struct {
	getStockFunc func(ctx context.Context, productReference string) (domain.ProductStock, error)
	restockFunc  func(ctx context.Context, productReference string, quantity int64) error
}

func (s *stubInventoryRepository) GetStock(ctx context.Context, productReference string) (domain.ProductStock, error) {
	if s.getStockFunc != nil {
		return s.getStockFunc(ctx, productReference)
	}
	return domain.ProductStock{
		Reference: productReference,
		Salable:   true,
	}, nil
}

func (s *stubInventoryRepository) Restock(ctx context.Context, productReference string, quantity int64) error {
	if s.restockFunc != nil {
		return s.restockFunc(ctx, productReference, quantity)
	}
	return nil
}

type stubUnitOfWork struct {
	calls   int
	runFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func (s *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.calls++
	if s.runFunc != nil {
		return s.runFunc(ctx, fn)
	}
	return fn(ctx)
}

type stubCounterRepository struct {
	nextFunc func(ctx context.Context, counterID string, step int64) (int64, error)
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFunc != nil {
		return s.nextFunc(ctx, counterID, step)
	}
	return 1, nil
}

func (s *stubCounterRepository) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

type stubGatewayClient struct {
	submitFunc            func(ctx context.Context, payload domain.CartPayload) (gateway.OrderToken, error)
	completeAuthorizeFunc func(ctx context.Context, reference string, displayID string, grandTotal int64) error
	captureFunc           func(ctx context.Context, transactionID string, amount int64) (gateway.TransactionResult, error)
	creditFunc            func(ctx context.Context, transactionID string, amount int64) (gateway.CreditResult, error)
	voidFunc              func(ctx context.Context, transactionID string) (gateway.TransactionResult, error)
	reviewFunc            func(ctx context.Context, reference string, decision gateway.ReviewDecision) error
	fetchFunc             func(ctx context.Context, reference string) (domain.TransactionRecord, error)
}

func (s *stubGatewayClient) SubmitOrder(ctx context.Context, payload domain.CartPayload) (gateway.OrderToken, error) {
	if s.submitFunc != nil {
		return s.submitFunc(ctx, payload)
	}
	return gateway.OrderToken{Token: "tok_test", Reference: "ref_test"}, nil
}

func (s *stubGatewayClient) CompleteAuthorize(ctx context.Context, reference string, displayID string, grandTotal int64) error {
	if s.completeAuthorizeFunc != nil {
		return s.completeAuthorizeFunc(ctx, reference, displayID, grandTotal)
	}
	return nil
}

func (s *stubGatewayClient) Capture(ctx context.Context, transactionID string, amount int64) (gateway.TransactionResult, error) {
	if s.captureFunc != nil {
		return s.captureFunc(ctx, transactionID, amount)
	}
	return gateway.TransactionResult{TransactionID: transactionID}, nil
}

func (s *stubGatewayClient) Credit(ctx context.Context, transactionID string, amount int64) (gateway.CreditResult, error) {
	if s.creditFunc != nil {
		return s.creditFunc(ctx, transactionID, amount)
	}
	return gateway.CreditResult{TransactionID: transactionID, Reference: "ref_test", Amount: amount}, nil
}

func (s *stubGatewayClient) Void(ctx context.Context, transactionID string) (gateway.TransactionResult, error) {
	if s.voidFunc != nil {
		return s.voidFunc(ctx, transactionID)
	}
	return gateway.TransactionResult{TransactionID: transactionID}, nil
}

func (s *stubGatewayClient) Review(ctx context.Context, reference string, decision gateway.ReviewDecision) error {
	if s.reviewFunc != nil {
		return s.reviewFunc(ctx, reference, decision)
	}
	return nil
}

func (s *stubGatewayClient) FetchTransaction(ctx context.Context, reference string) (domain.TransactionRecord, error) {
	if s.fetchFunc != nil {
		return s.fetchFunc(ctx, reference)
	}
	return domain.TransactionRecord{}, notFoundErr("transaction %s not found", reference)
}

var _ gateway.Client = (*stubGatewayClient)(nil)

type stubEventPublisher struct {
	events []CheckoutEvent
	err    error
}

func (s *stubEventPublisher) PublishCheckoutEvent(_ context.Context, event CheckoutEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

type stubMonitor struct {
	anomalies []string
	errors    []error
}

func (s *stubMonitor) ReportAnomaly(_ context.Context, event string, _ map[string]any) {
	s.anomalies = append(s.anomalies, event)
}

func (s *stubMonitor) ReportError(_ context.Context, err error, _ map[string]any) {
	s.errors = append(s.errors, err)
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}
