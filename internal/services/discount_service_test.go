package services

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
)

func testCoupon() domain.Coupon {
	return domain.Coupon{Code: "SPRING10", RuleID: "rule-1"}
}

func testRule() domain.DiscountRule {
	return domain.DiscountRule{
		ID:     "rule-1",
		Name:   "Spring Sale",
		Action: domain.RuleActionFixed,
		Amount: 300,
	}
}

func testSnapshotForCoupon() domain.Snapshot {
	return domain.Snapshot{
		ID:                  "snp-1",
		SessionID:           "sess-1",
		ReservedOrderNumber: "PL-2026-000042",
		Currency:            "EUR",
		Items: []domain.LineItem{
			{Reference: "prod-1", SKU: "SKU-1", UnitPrice: 1500, Quantity: 2},
		},
		Totals: domain.Totals{Subtotal: 3000, Tax: 300, Shipping: 500, GrandTotal: 3800},
	}
}

type couponFixture struct {
	discounts *stubDiscountRepository
	sessions  *stubSessionRepository
	snapshots *stubSnapshotRepository
	orders    *stubOrderRepository

	storedSession  *domain.Session
	storedSnapshot *domain.Snapshot
}

// newCouponFixture wires stubs that behave like a live store: updates
// are persisted and the re-read after apply sees them.
func newCouponFixture() *couponFixture {
	session := testSession()
	snapshot := testSnapshotForCoupon()
	f := &couponFixture{storedSession: &session, storedSnapshot: &snapshot}

	f.discounts = &stubDiscountRepository{
		findCouponFunc: func(_ context.Context, code string) (domain.Coupon, error) {
			if code == "SPRING10" {
				return testCoupon(), nil
			}
			return domain.Coupon{}, notFoundErr("coupon %s not found", code)
		},
		findRuleFunc: func(_ context.Context, ruleID string) (domain.DiscountRule, error) {
			if ruleID == "rule-1" {
				return testRule(), nil
			}
			return domain.DiscountRule{}, notFoundErr("rule %s not found", ruleID)
		},
	}
	f.sessions = &stubSessionRepository{
		findFunc: func(context.Context, string) (domain.Session, error) {
			return *f.storedSession, nil
		},
		updateFunc: func(_ context.Context, s domain.Session) error {
			*f.storedSession = s
			return nil
		},
	}
	f.snapshots = &stubSnapshotRepository{
		findFunc: func(context.Context, string) (domain.Snapshot, error) {
			return *f.storedSnapshot, nil
		},
		updateFunc: func(_ context.Context, s domain.Snapshot) error {
			*f.storedSnapshot = s
			return nil
		},
	}
	f.orders = &stubOrderRepository{}
	return f
}

func (f *couponFixture) service(t *testing.T) DiscountService {
	t.Helper()
	service, err := NewDiscountService(DiscountServiceDeps{
		Discounts: f.discounts,
		Sessions:  f.sessions,
		Snapshots: f.snapshots,
		Orders:    f.orders,
		Clock:     fixedClock(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("unexpected error creating service: %v", err)
	}
	return service
}

func applyCmd() ApplyCouponCommand {
	return ApplyCouponCommand{
		Code:           "SPRING10",
		OrderReference: "sess-1",
		DisplayID:      "PL-2026-000042|snp-1",
	}
}

func assertCouponError(t *testing.T, err error, code int, status int) {
	t.Helper()
	var couponErr *CouponError
	if !errors.As(err, &couponErr) {
		t.Fatalf("expected coupon error, got %v", err)
	}
	if couponErr.Code != code {
		t.Fatalf("expected code %d, got %d (%s)", code, couponErr.Code, couponErr.Message)
	}
	if couponErr.HTTPStatus != status {
		t.Fatalf("expected status %d, got %d", status, couponErr.HTTPStatus)
	}
}

func TestApplyCouponSuccess(t *testing.T) {
	f := newCouponFixture()
	service := f.service(t)

	result, err := service.ApplyCoupon(context.Background(), applyCmd())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Code != "SPRING10" {
		t.Fatalf("expected applied code echoed, got %q", result.Code)
	}
	if result.DiscountAmount != 300 {
		t.Fatalf("expected discount 300, got %d", result.DiscountAmount)
	}
	if result.DiscountType != domain.DiscountTypeFixed {
		t.Fatalf("expected fixed discount type, got %q", result.DiscountType)
	}
	// 3000 subtotal - 300 + 300 tax + 500 shipping.
	if result.Totals.TotalAmount != 3500 {
		t.Fatalf("expected recomputed total 3500, got %d", result.Totals.TotalAmount)
	}
	if f.storedSession.CouponCode != "SPRING10" || f.storedSnapshot.CouponCode != "SPRING10" {
		t.Fatalf("expected code stored on both carts")
	}
}

func TestApplyCouponEmptyCode(t *testing.T) {
	f := newCouponFixture()
	_, err := f.service(t).ApplyCoupon(context.Background(), ApplyCouponCommand{Code: "  "})
	assertCouponError(t, err, CouponErrCodeInvalid, http.StatusUnprocessableEntity)
}

func TestApplyCouponUnknownCode(t *testing.T) {
	f := newCouponFixture()
	cmd := applyCmd()
	cmd.Code = "NOPE"
	_, err := f.service(t).ApplyCoupon(context.Background(), cmd)
	assertCouponError(t, err, CouponErrCodeInvalid, http.StatusNotFound)
}

func TestApplyCouponMissingCartIdentification(t *testing.T) {
	f := newCouponFixture()
	cmd := applyCmd()
	cmd.DisplayID = "no-separator-here"
	_, err := f.service(t).ApplyCoupon(context.Background(), cmd)
	assertCouponError(t, err, CouponErrInsufficientInfo, http.StatusUnprocessableEntity)
}

func TestApplyCouponOrderAlreadyPlaced(t *testing.T) {
	f := newCouponFixture()
	f.orders.findByNumberFunc = func(_ context.Context, number string) (domain.Order, error) {
		return domain.Order{ID: "ord-1", Number: number}, nil
	}
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrInsufficientInfo, http.StatusUnprocessableEntity)
}

func TestApplyCouponInactiveSession(t *testing.T) {
	f := newCouponFixture()
	f.storedSession.Active = false
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrInsufficientInfo, http.StatusNotFound)
}

func TestApplyCouponEmptySnapshot(t *testing.T) {
	f := newCouponFixture()
	f.storedSnapshot.Items = nil
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrInsufficientInfo, http.StatusUnprocessableEntity)
}

func TestApplyCouponExpired(t *testing.T) {
	f := newCouponFixture()
	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.discounts.findRuleFunc = func(context.Context, string) (domain.DiscountRule, error) {
		rule := testRule()
		rule.ToDate = &past
		return rule, nil
	}
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrCodeExpired, http.StatusUnprocessableEntity)
}

func TestApplyCouponNotYetAvailable(t *testing.T) {
	f := newCouponFixture()
	future := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.discounts.findRuleFunc = func(context.Context, string) (domain.DiscountRule, error) {
		rule := testRule()
		rule.FromDate = &future
		return rule, nil
	}
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrCodeNotAvailable, http.StatusUnprocessableEntity)
}

func TestApplyCouponGlobalLimitReached(t *testing.T) {
	f := newCouponFixture()
	limit := 5
	f.discounts.findCouponFunc = func(context.Context, string) (domain.Coupon, error) {
		coupon := testCoupon()
		coupon.UsageLimit = &limit
		coupon.TimesUsed = 5
		return coupon, nil
	}
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrCodeLimitReached, http.StatusUnprocessableEntity)
}

func TestApplyCouponPerCustomerLimitReached(t *testing.T) {
	f := newCouponFixture()
	f.storedSession.CustomerID = "cust-7"
	limit := 1
	f.discounts.findCouponFunc = func(context.Context, string) (domain.Coupon, error) {
		coupon := testCoupon()
		coupon.UsagePerCustomer = &limit
		return coupon, nil
	}
	f.discounts.couponUsageFunc = func(_ context.Context, _ string, customerID string) (int, error) {
		if customerID != "cust-7" {
			t.Fatalf("expected usage lookup for cust-7, got %q", customerID)
		}
		return 1, nil
	}
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrCodeLimitReached, http.StatusUnprocessableEntity)
}

func TestApplyCouponMinimumCartAmount(t *testing.T) {
	f := newCouponFixture()
	f.discounts.findRuleFunc = func(context.Context, string) (domain.DiscountRule, error) {
		rule := testRule()
		rule.MinimumCartAmount = 10000
		return rule, nil
	}
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrMinimumCartAmount, http.StatusUnprocessableEntity)
}

func TestApplyCouponSilentRejectionDetected(t *testing.T) {
	f := newCouponFixture()
	// Persisted snapshot never echoes the code back.
	f.snapshots.updateFunc = func(context.Context, domain.Snapshot) error { return nil }
	_, err := f.service(t).ApplyCoupon(context.Background(), applyCmd())
	assertCouponError(t, err, CouponErrServiceFailure, http.StatusUnprocessableEntity)
}

func TestBuildDiscountEntriesBucketOrderAndAbsoluteValues(t *testing.T) {
	f := newCouponFixture()
	service := f.service(t)

	entries, err := service.BuildDiscountEntries(context.Background(), BuildDiscountEntriesCommand{
		Breakdown: map[string]int64{
			"awraf":          -150,
			"discount":       -300,
			"aw_storecredit": 200,
			"unknown_bucket": -999,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %#v", entries)
	}
	// Fixed bucket order: discount, then store credit, then referral.
	if entries[0].Amount != 300 || entries[0].Description != "Discount" {
		t.Fatalf("unexpected first entry %#v", entries[0])
	}
	if entries[1].Amount != 200 || entries[1].Description != "Store Credit" {
		t.Fatalf("unexpected second entry %#v", entries[1])
	}
	if entries[2].Amount != 150 || entries[2].Description != "Referral Credit" {
		t.Fatalf("unexpected third entry %#v", entries[2])
	}
}

func TestBuildDiscountEntriesCouponReference(t *testing.T) {
	f := newCouponFixture()
	f.discounts.findRuleFunc = func(context.Context, string) (domain.DiscountRule, error) {
		// The label resolves to the code itself, so the reference is
		// safe to echo.
		return domain.DiscountRule{ID: "rule-1", Name: "SPRING10", Action: domain.RuleActionPercent, Amount: 1000}, nil
	}
	service := f.service(t)

	entries, err := service.BuildDiscountEntries(context.Background(), BuildDiscountEntriesCommand{
		Breakdown:  map[string]int64{"discount": -300},
		CouponCode: "SPRING10",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %#v", entries)
	}
	if entries[0].Reference != "SPRING10" {
		t.Fatalf("expected coupon reference echoed, got %q", entries[0].Reference)
	}
	if entries[0].Description != "Discount (SPRING10)" {
		t.Fatalf("unexpected description %q", entries[0].Description)
	}
	if entries[0].Type != domain.DiscountTypePercent {
		t.Fatalf("expected percentage type, got %q", entries[0].Type)
	}
}

func TestBuildDiscountEntriesLookupFailureDegrades(t *testing.T) {
	f := newCouponFixture()
	f.discounts.findCouponFunc = func(context.Context, string) (domain.Coupon, error) {
		return domain.Coupon{}, stubRepoError{message: "store down", unavailable: true}
	}
	service := f.service(t)

	entries, err := service.BuildDiscountEntries(context.Background(), BuildDiscountEntriesCommand{
		Breakdown:  map[string]int64{"discount": -300},
		CouponCode: "SPRING10",
	})
	if err != nil {
		t.Fatalf("expected lookup failure to degrade, got %v", err)
	}
	if len(entries) != 1 || entries[0].Reference != "" || entries[0].Description != "Discount" {
		t.Fatalf("expected plain unreferenced entry, got %#v", entries)
	}
}
