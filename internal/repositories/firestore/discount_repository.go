package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/paylane/checkout/internal/domain"
	pfirestore "github.com/paylane/checkout/internal/platform/firestore"
	"github.com/paylane/checkout/internal/repositories"
)

const (
	couponCollection      = "coupons"
	ruleCollection        = "discountRules"
	couponUsageCollection = "couponUsage"
	ruleUsageCollection   = "ruleUsage"
)

type couponDocument struct {
	RuleID           string    `firestore:"ruleId"`
	UsageLimit       *int      `firestore:"usageLimit,omitempty"`
	UsagePerCustomer *int      `firestore:"usagePerCustomer,omitempty"`
	TimesUsed        int       `firestore:"timesUsed"`
	UpdatedAt        time.Time `firestore:"updatedAt"`
}

type ruleDocument struct {
	Name                  string     `firestore:"name"`
	Description           string     `firestore:"description,omitempty"`
	Action                string     `firestore:"action"`
	Amount                int64      `firestore:"amount"`
	FromDate              *time.Time `firestore:"fromDate,omitempty"`
	ToDate                *time.Time `firestore:"toDate,omitempty"`
	UsageLimit            *int       `firestore:"usageLimit,omitempty"`
	UsagePerCustomer      *int       `firestore:"usagePerCustomer,omitempty"`
	TimesUsed             int        `firestore:"timesUsed"`
	MinimumCartAmount     int64      `firestore:"minimumCartAmount,omitempty"`
	AppliesBeforeShipping bool       `firestore:"appliesBeforeShipping"`
}

type usageDocument struct {
	Count     int       `firestore:"count"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// DiscountRepository resolves coupons, rules and usage counters.
type DiscountRepository struct {
	provider    *pfirestore.Provider
	coupons     *pfirestore.BaseRepository[couponDocument]
	rules       *pfirestore.BaseRepository[ruleDocument]
	couponUsage *pfirestore.BaseRepository[usageDocument]
	ruleUsage   *pfirestore.BaseRepository[usageDocument]
}

// NewDiscountRepository constructs a Firestore-backed discount repository.
func NewDiscountRepository(provider *pfirestore.Provider) (*DiscountRepository, error) {
	if provider == nil {
		return nil, errors.New("discount repository requires firestore provider")
	}
	return &DiscountRepository{
		provider:    provider,
		coupons:     pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil),
		rules:       pfirestore.NewBaseRepository[ruleDocument](provider, ruleCollection, nil, nil),
		couponUsage: pfirestore.NewBaseRepository[usageDocument](provider, couponUsageCollection, nil, nil),
		ruleUsage:   pfirestore.NewBaseRepository[usageDocument](provider, ruleUsageCollection, nil, nil),
	}, nil
}

// FindCoupon loads a coupon by its (case insensitive) code.
func (r *DiscountRepository) FindCoupon(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.coupons == nil {
		return domain.Coupon{}, errors.New("discount repository not initialised")
	}
	id := couponKey(code)
	if id == "" {
		return domain.Coupon{}, errors.New("discount repository: coupon code is required")
	}
	doc, err := r.coupons.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}
	return domain.Coupon{
		Code:             strings.TrimSpace(code),
		RuleID:           doc.Data.RuleID,
		UsageLimit:       doc.Data.UsageLimit,
		UsagePerCustomer: doc.Data.UsagePerCustomer,
		TimesUsed:        doc.Data.TimesUsed,
	}, nil
}

// FindRule loads a discount rule by id.
func (r *DiscountRepository) FindRule(ctx context.Context, ruleID string) (domain.DiscountRule, error) {
	if r == nil || r.rules == nil {
		return domain.DiscountRule{}, errors.New("discount repository not initialised")
	}
	id := strings.TrimSpace(ruleID)
	if id == "" {
		return domain.DiscountRule{}, errors.New("discount repository: rule id is required")
	}
	doc, err := r.rules.Get(ctx, id)
	if err != nil {
		return domain.DiscountRule{}, err
	}
	return domain.DiscountRule{
		ID:                    doc.ID,
		Name:                  doc.Data.Name,
		Description:           doc.Data.Description,
		Action:                doc.Data.Action,
		Amount:                doc.Data.Amount,
		FromDate:              doc.Data.FromDate,
		ToDate:                doc.Data.ToDate,
		UsageLimit:            doc.Data.UsageLimit,
		UsagePerCustomer:      doc.Data.UsagePerCustomer,
		TimesUsed:             doc.Data.TimesUsed,
		MinimumCartAmount:     doc.Data.MinimumCartAmount,
		AppliesBeforeShipping: doc.Data.AppliesBeforeShipping,
	}, nil
}

// CouponUsageByCustomer returns how often the customer redeemed the code.
func (r *DiscountRepository) CouponUsageByCustomer(ctx context.Context, code string, customerID string) (int, error) {
	return r.usageCount(ctx, r.couponUsage, usageKey(couponKey(code), customerID))
}

// RuleUsageByCustomer returns how often the customer redeemed any coupon
// of the rule.
func (r *DiscountRepository) RuleUsageByCustomer(ctx context.Context, ruleID string, customerID string) (int, error) {
	return r.usageCount(ctx, r.ruleUsage, usageKey(strings.TrimSpace(ruleID), customerID))
}

// RecordUsage bumps global and per-customer usage counters after an
// order consumed the coupon.
func (r *DiscountRepository) RecordUsage(ctx context.Context, code string, ruleID string, customerID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("discount repository not initialised")
	}
	couponID := couponKey(code)
	rule := strings.TrimSpace(ruleID)
	if couponID == "" || rule == "" {
		return errors.New("discount repository: coupon code and rule id are required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		couponRef, err := r.coupons.DocumentRef(ctx, couponID)
		if err != nil {
			return err
		}
		ruleRef, err := r.rules.DocumentRef(ctx, rule)
		if err != nil {
			return err
		}
		if err := tx.Update(couponRef, []firestore.Update{
			{Path: "timesUsed", Value: firestore.Increment(1)},
			{Path: "updatedAt", Value: now.UTC()},
		}); err != nil {
			return err
		}
		if err := tx.Update(ruleRef, []firestore.Update{
			{Path: "timesUsed", Value: firestore.Increment(1)},
		}); err != nil {
			return err
		}
		if strings.TrimSpace(customerID) == "" {
			return nil
		}
		usage := usageDocument{Count: 1, UpdatedAt: now.UTC()}
		couponUsageRef, err := r.couponUsage.DocumentRef(ctx, usageKey(couponID, customerID))
		if err != nil {
			return err
		}
		ruleUsageRef, err := r.ruleUsage.DocumentRef(ctx, usageKey(rule, customerID))
		if err != nil {
			return err
		}
		if err := tx.Set(couponUsageRef, map[string]any{
			"count":     firestore.Increment(1),
			"updatedAt": usage.UpdatedAt,
		}, firestore.MergeAll); err != nil {
			return err
		}
		return tx.Set(ruleUsageRef, map[string]any{
			"count":     firestore.Increment(1),
			"updatedAt": usage.UpdatedAt,
		}, firestore.MergeAll)
	})
	if err != nil {
		return pfirestore.WrapError("discounts.recordUsage", err)
	}
	return nil
}

func (r *DiscountRepository) usageCount(ctx context.Context, base *pfirestore.BaseRepository[usageDocument], key string) (int, error) {
	if r == nil || base == nil {
		return 0, errors.New("discount repository not initialised")
	}
	if strings.TrimSpace(key) == "" {
		return 0, errors.New("discount repository: usage key is required")
	}
	doc, err := base.Get(ctx, key)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return 0, nil
		}
		return 0, err
	}
	return doc.Data.Count, nil
}

func couponKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func usageKey(id string, customerID string) string {
	return id + "__" + strings.TrimSpace(customerID)
}

var _ repositories.DiscountRepository = (*DiscountRepository)(nil)
