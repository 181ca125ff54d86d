package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/repositories"
)

// Human labels for the non-coupon discount buckets.
var bucketLabels = map[string]string{
	"giftcardcredit":           "Gift Card Credit",
	"giftcardcredit_after_tax": "Gift Card Credit",
	"giftvoucher":              "Gift Voucher",
	"giftvoucher_after_tax":    "Gift Voucher",
	"aw_storecredit":           "Store Credit",
	"credit":                   "Store Credit",
	"amgiftcard":               "Gift Card",
	"amstcred":                 "Store Credit",
	"awraf":                    "Referral Credit",
}

// ApplyCouponCommand is the standalone apply-coupon request.
type ApplyCouponCommand struct {
	Code           string
	OrderReference string
	DisplayID      string
	Request        RequestContext
}

// CartTotalsSummary is the totals block echoed in coupon responses.
type CartTotalsSummary struct {
	TotalAmount int64           `json:"total_amount"`
	TaxAmount   int64           `json:"tax_amount"`
	Discounts   []DiscountEntry `json:"discounts"`
}

// ApplyCouponResult is the success payload of the apply-coupon workflow.
type ApplyCouponResult struct {
	Code           string
	DiscountAmount int64
	Description    string
	DiscountType   string
	Totals         CartTotalsSummary
}

// BuildDiscountEntriesCommand feeds the inline discount conversion used
// during payload building.
type BuildDiscountEntriesCommand struct {
	Breakdown  map[string]int64
	CouponCode string
}

// DiscountServiceDeps bundles collaborators for the discount service.
type DiscountServiceDeps struct {
	Discounts repositories.DiscountRepository
	Sessions  repositories.SessionRepository
	Snapshots repositories.SnapshotRepository
	Orders    repositories.OrderRepository
	Clock     func() time.Time
	Logger    Logger
}

type discountService struct {
	discounts repositories.DiscountRepository
	sessions  repositories.SessionRepository
	snapshots repositories.SnapshotRepository
	orders    repositories.OrderRepository
	clock     func() time.Time
	logger    Logger
}

// NewDiscountService wires dependencies into a DiscountService.
func NewDiscountService(deps DiscountServiceDeps) (DiscountService, error) {
	if deps.Discounts == nil {
		return nil, errors.New("discount service: discount repository is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("discount service: session repository is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.New("discount service: snapshot repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("discount service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &discountService{
		discounts: deps.Discounts,
		sessions:  deps.Sessions,
		snapshots: deps.Snapshots,
		orders:    deps.Orders,
		clock:     func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// ApplyCoupon runs the strict validation pipeline and, on success,
// applies the code to both the session and the snapshot. Every failure
// aborts before either cart is touched.
func (s *discountService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (ApplyCouponResult, error) {
	code := strings.TrimSpace(cmd.Code)
	if code == "" {
		return ApplyCouponResult{}, NewCouponError(CouponErrCodeInvalid, http.StatusUnprocessableEntity, "no coupon code provided")
	}

	coupon, err := s.discounts.FindCoupon(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return ApplyCouponResult{}, NewCouponError(CouponErrCodeInvalid, http.StatusNotFound, "coupon %s does not exist", code)
		}
		return ApplyCouponResult{}, translateRepositoryError(err)
	}

	rule, err := s.discounts.FindRule(ctx, coupon.RuleID)
	if err != nil {
		if isRepoNotFound(err) {
			return ApplyCouponResult{}, NewCouponError(CouponErrCodeInvalid, http.StatusNotFound, "discount rule for coupon %s does not exist", code)
		}
		return ApplyCouponResult{}, translateRepositoryError(err)
	}

	sessionID := strings.TrimSpace(cmd.OrderReference)
	record := domain.TransactionRecord{DisplayID: cmd.DisplayID}
	incrementID, snapshotID, displayErr := record.SplitDisplayID()
	if sessionID == "" || displayErr != nil {
		return ApplyCouponResult{}, NewCouponError(CouponErrInsufficientInfo, http.StatusUnprocessableEntity, "the cart identification data is insufficient")
	}

	if _, err := s.orders.FindByNumber(ctx, incrementID); err == nil {
		return ApplyCouponResult{}, NewCouponError(CouponErrInsufficientInfo, http.StatusUnprocessableEntity, "an order for %s already exists", incrementID)
	} else if !isRepoNotFound(err) {
		return ApplyCouponResult{}, translateRepositoryError(err)
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if isRepoNotFound(err) {
			return ApplyCouponResult{}, NewCouponError(CouponErrInsufficientInfo, http.StatusNotFound, "cart session %s not found", sessionID)
		}
		return ApplyCouponResult{}, translateRepositoryError(err)
	}
	if !session.Active {
		return ApplyCouponResult{}, NewCouponError(CouponErrInsufficientInfo, http.StatusNotFound, "cart session %s is no longer active", sessionID)
	}

	snapshot, err := s.snapshots.FindByID(ctx, snapshotID)
	if err != nil {
		if isRepoNotFound(err) {
			return ApplyCouponResult{}, NewCouponError(CouponErrInsufficientInfo, http.StatusNotFound, "checkout snapshot %s not found", snapshotID)
		}
		return ApplyCouponResult{}, translateRepositoryError(err)
	}
	if len(snapshot.Items) == 0 {
		return ApplyCouponResult{}, NewCouponError(CouponErrInsufficientInfo, http.StatusUnprocessableEntity, "checkout snapshot %s is empty", snapshotID)
	}

	now := s.clock()
	if rule.ToDate != nil && rule.ToDate.Before(now) {
		return ApplyCouponResult{}, NewCouponError(CouponErrCodeExpired, http.StatusUnprocessableEntity, "coupon %s has expired", code)
	}
	if rule.FromDate != nil && rule.FromDate.After(now) {
		return ApplyCouponResult{}, NewCouponError(CouponErrCodeNotAvailable, http.StatusUnprocessableEntity, "coupon %s is not available yet", code)
	}

	if coupon.UsageLimit != nil && coupon.TimesUsed >= *coupon.UsageLimit {
		return ApplyCouponResult{}, NewCouponError(CouponErrCodeLimitReached, http.StatusUnprocessableEntity, "coupon %s usage limit reached", code)
	}

	customerID := strings.TrimSpace(session.CustomerID)
	if customerID != "" {
		if coupon.UsagePerCustomer != nil {
			used, err := s.discounts.CouponUsageByCustomer(ctx, code, customerID)
			if err != nil {
				return ApplyCouponResult{}, translateRepositoryError(err)
			}
			if used >= *coupon.UsagePerCustomer {
				return ApplyCouponResult{}, NewCouponError(CouponErrCodeLimitReached, http.StatusUnprocessableEntity, "coupon %s usage limit for this customer reached", code)
			}
		}
		if rule.UsagePerCustomer != nil {
			used, err := s.discounts.RuleUsageByCustomer(ctx, rule.ID, customerID)
			if err != nil {
				return ApplyCouponResult{}, translateRepositoryError(err)
			}
			if used >= *rule.UsagePerCustomer {
				return ApplyCouponResult{}, NewCouponError(CouponErrCodeLimitReached, http.StatusUnprocessableEntity, "discount usage limit for this customer reached")
			}
		}
	}

	if rule.MinimumCartAmount > 0 && snapshot.Totals.Subtotal < rule.MinimumCartAmount {
		return ApplyCouponResult{}, NewCouponError(CouponErrMinimumCartAmount, http.StatusUnprocessableEntity, "cart subtotal below the minimum of %d required for %s", rule.MinimumCartAmount, code)
	}

	// Validation passed; apply the code to both carts and recompute.
	applyRuleToSession(&session, rule, code, now)
	applyRuleToSnapshot(&snapshot, rule, code)

	if err := s.sessions.Update(ctx, session); err != nil {
		return ApplyCouponResult{}, translateRepositoryError(err)
	}
	if err := s.snapshots.Update(ctx, snapshot); err != nil {
		return ApplyCouponResult{}, translateRepositoryError(err)
	}

	// Re-read the snapshot and verify it echoes the applied code; a
	// silent rejection by the discount engine must not produce a
	// success response.
	persisted, err := s.snapshots.FindByID(ctx, snapshotID)
	if err != nil {
		return ApplyCouponResult{}, translateRepositoryError(err)
	}
	if !strings.EqualFold(strings.TrimSpace(persisted.CouponCode), code) {
		return ApplyCouponResult{}, NewCouponError(CouponErrServiceFailure, http.StatusUnprocessableEntity, "coupon %s could not be applied", code)
	}

	entries, err := s.BuildDiscountEntries(ctx, BuildDiscountEntriesCommand{
		Breakdown:  persisted.DiscountBreakdown,
		CouponCode: code,
	})
	if err != nil {
		return ApplyCouponResult{}, err
	}

	s.logger(ctx, "discount.coupon.applied", map[string]any{
		"code":       code,
		"sessionId":  sessionID,
		"snapshotId": snapshotID,
		"discount":   persisted.Totals.Discount,
	})

	return ApplyCouponResult{
		Code:           code,
		DiscountAmount: persisted.Totals.Discount,
		Description:    ruleLabel(rule),
		DiscountType:   discountTypeForAction(rule.Action),
		Totals: CartTotalsSummary{
			TotalAmount: persisted.Totals.GrandTotal,
			TaxAmount:   persisted.Totals.Tax,
			Discounts:   entries,
		},
	}, nil
}

// BuildDiscountEntries converts applied discount buckets into gateway
// discount entries, enumerating the fixed bucket order and recording
// absolute values. The general discount bucket is reconciled against the
// applied coupon code so the gateway can echo a reference back.
func (s *discountService) BuildDiscountEntries(ctx context.Context, cmd BuildDiscountEntriesCommand) ([]DiscountEntry, error) {
	if len(cmd.Breakdown) == 0 {
		return nil, nil
	}

	entries := make([]DiscountEntry, 0, len(cmd.Breakdown))
	for _, bucket := range discountBuckets {
		amount, present := cmd.Breakdown[bucket]
		if !present || amount == 0 {
			continue
		}
		entry := DiscountEntry{
			Amount: absInt64(amount),
			Type:   domain.DiscountTypeFixed,
		}
		if bucket == "discount" {
			entry.Description = "Discount"
			s.decorateCouponEntry(ctx, &entry, cmd.CouponCode)
		} else {
			entry.Description = bucketLabels[bucket]
			if entry.Description == "" {
				entry.Description = bucket
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// decorateCouponEntry attaches rule metadata to the general discount
// entry. The inline path is best effort: lookup failures degrade to an
// unreferenced entry instead of failing the payload build.
func (s *discountService) decorateCouponEntry(ctx context.Context, entry *DiscountEntry, couponCode string) {
	code := strings.TrimSpace(couponCode)
	if code == "" {
		return
	}
	coupon, err := s.discounts.FindCoupon(ctx, code)
	if err != nil {
		s.logger(ctx, "discount.coupon.lookup_failed", map[string]any{"code": code, "error": err.Error()})
		return
	}
	rule, err := s.discounts.FindRule(ctx, coupon.RuleID)
	if err != nil {
		s.logger(ctx, "discount.rule.lookup_failed", map[string]any{"code": code, "error": err.Error()})
		return
	}

	generated := ruleLabel(rule)
	entry.Description = fmt.Sprintf("Discount (%s)", generated)
	entry.Type = discountTypeForAction(rule.Action)
	for _, candidate := range []string{rule.Name, code} {
		if strings.EqualFold(strings.TrimSpace(generated), strings.TrimSpace(candidate)) {
			entry.Reference = code
			break
		}
	}
}

func applyRuleToSession(session *domain.Session, rule domain.DiscountRule, code string, now time.Time) {
	discount := computeRuleDiscount(rule, session.Totals)
	session.CouponCode = code
	if session.DiscountBreakdown == nil {
		session.DiscountBreakdown = make(map[string]int64, 1)
	}
	session.DiscountBreakdown["discount"] = discount
	session.Totals = recomputeTotals(session.Totals, session.DiscountBreakdown)
	session.UpdatedAt = now
}

func applyRuleToSnapshot(snapshot *domain.Snapshot, rule domain.DiscountRule, code string) {
	discount := computeRuleDiscount(rule, snapshot.Totals)
	snapshot.CouponCode = code
	if snapshot.DiscountBreakdown == nil {
		snapshot.DiscountBreakdown = make(map[string]int64, 1)
	}
	snapshot.DiscountBreakdown["discount"] = discount
	snapshot.Totals = recomputeTotals(snapshot.Totals, snapshot.DiscountBreakdown)
}

// computeRuleDiscount sizes the discount for the rule against the given
// totals. Percent amounts are basis points.
func computeRuleDiscount(rule domain.DiscountRule, totals domain.Totals) int64 {
	switch rule.Action {
	case domain.RuleActionFixed, domain.RuleActionCartFixed:
		return rule.Amount
	case domain.RuleActionPercent:
		return totals.Subtotal * rule.Amount / 10000
	case domain.RuleActionShipping:
		return totals.Shipping
	default:
		return 0
	}
}

func recomputeTotals(totals domain.Totals, breakdown map[string]int64) domain.Totals {
	var discount int64
	for _, amount := range breakdown {
		discount += absInt64(amount)
	}
	totals.Discount = discount
	totals.GrandTotal = totals.Subtotal - discount + totals.Tax + totals.Shipping
	if totals.GrandTotal < 0 {
		totals.GrandTotal = 0
	}
	return totals
}

func discountTypeForAction(action string) string {
	switch action {
	case domain.RuleActionPercent:
		return domain.DiscountTypePercent
	case domain.RuleActionShipping:
		return domain.DiscountTypeShipping
	default:
		return domain.DiscountTypeFixed
	}
}

func ruleLabel(rule domain.DiscountRule) string {
	if desc := strings.TrimSpace(rule.Description); desc != "" {
		return desc
	}
	return strings.TrimSpace(rule.Name)
}

var _ DiscountService = (*discountService)(nil)
