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

const snapshotCollection = "orderSnapshots"

type snapshotDocument struct {
	SessionID           string             `firestore:"sessionId"`
	ReservedOrderNumber string             `firestore:"reservedOrderNumber,omitempty"`
	CustomerID          string             `firestore:"customerId,omitempty"`
	Email               string             `firestore:"email,omitempty"`
	Currency            string             `firestore:"currency"`
	Items               []lineItemDocument `firestore:"items"`
	BillingAddress      *addressDocument   `firestore:"billingAddress,omitempty"`
	ShippingAddress     *addressDocument   `firestore:"shippingAddress,omitempty"`
	ShippingMethod      *shippingDocument  `firestore:"shippingMethod,omitempty"`
	CouponCode          string             `firestore:"couponCode,omitempty"`
	Totals              totalsDocument     `firestore:"totals"`
	DiscountBreakdown   map[string]int64   `firestore:"discountBreakdown,omitempty"`
	CustomerNote        string             `firestore:"customerNote,omitempty"`
	ProductPagePurchase bool               `firestore:"productPagePurchase"`
	ConsumedByOrderID   string             `firestore:"consumedByOrderId"`
	CreatedAt           time.Time          `firestore:"createdAt"`
}

// SnapshotRepository persists immutable checkout snapshots in Firestore.
type SnapshotRepository struct {
	base *pfirestore.BaseRepository[snapshotDocument]
}

// NewSnapshotRepository constructs a Firestore-backed snapshot repository.
func NewSnapshotRepository(provider *pfirestore.Provider) (*SnapshotRepository, error) {
	if provider == nil {
		return nil, errors.New("snapshot repository requires firestore provider")
	}
	return &SnapshotRepository{
		base: pfirestore.NewBaseRepository[snapshotDocument](provider, snapshotCollection, nil, nil),
	}, nil
}

// Insert creates the snapshot document, failing if it already exists.
func (r *SnapshotRepository) Insert(ctx context.Context, snapshot domain.Snapshot) error {
	if r == nil || r.base == nil {
		return errors.New("snapshot repository not initialised")
	}
	id := strings.TrimSpace(snapshot.ID)
	if id == "" {
		return errors.New("snapshot repository: snapshot id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, snapshotToDocument(snapshot)); err != nil {
		return pfirestore.WrapError("snapshots.insert", err)
	}
	return nil
}

// Update overwrites the snapshot document. Only the coupon application
// path mutates a snapshot; everything else treats it as frozen.
func (r *SnapshotRepository) Update(ctx context.Context, snapshot domain.Snapshot) error {
	if r == nil || r.base == nil {
		return errors.New("snapshot repository not initialised")
	}
	id := strings.TrimSpace(snapshot.ID)
	if id == "" {
		return errors.New("snapshot repository: snapshot id is required")
	}
	_, err := r.base.Set(ctx, id, snapshotToDocument(snapshot))
	return err
}

// FindByID loads a snapshot by its identifier.
func (r *SnapshotRepository) FindByID(ctx context.Context, snapshotID string) (domain.Snapshot, error) {
	if r == nil || r.base == nil {
		return domain.Snapshot{}, errors.New("snapshot repository not initialised")
	}
	id := strings.TrimSpace(snapshotID)
	if id == "" {
		return domain.Snapshot{}, errors.New("snapshot repository: snapshot id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return snapshotFromDocument(doc.ID, doc.Data), nil
}

// MarkConsumed stamps the snapshot with the order that consumed it.
func (r *SnapshotRepository) MarkConsumed(ctx context.Context, snapshotID string, orderID string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("snapshot repository not initialised")
	}
	id := strings.TrimSpace(snapshotID)
	if id == "" {
		return errors.New("snapshot repository: snapshot id is required")
	}
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "consumedByOrderId", Value: strings.TrimSpace(orderID)},
	})
	return err
}

// DeleteExpired removes unconsumed snapshots older than the cutoff.
func (r *SnapshotRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int, error) {
	if r == nil || r.base == nil {
		return 0, errors.New("snapshot repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("consumedByOrderId", "==", "").Where("createdAt", "<", cutoff.UTC())
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, doc := range docs {
		ref, err := r.base.DocumentRef(ctx, doc.ID)
		if err != nil {
			return deleted, err
		}
		if _, err := ref.Delete(ctx); err != nil {
			return deleted, pfirestore.WrapError("snapshots.delete", err)
		}
		deleted++
	}
	return deleted, nil
}

func snapshotToDocument(snapshot domain.Snapshot) snapshotDocument {
	return snapshotDocument{
		SessionID:           strings.TrimSpace(snapshot.SessionID),
		ReservedOrderNumber: strings.TrimSpace(snapshot.ReservedOrderNumber),
		CustomerID:          strings.TrimSpace(snapshot.CustomerID),
		Email:               strings.TrimSpace(snapshot.Email),
		Currency:            strings.ToUpper(strings.TrimSpace(snapshot.Currency)),
		Items:               itemsToDocuments(snapshot.Items),
		BillingAddress:      addressToDocument(snapshot.BillingAddress),
		ShippingAddress:     addressToDocument(snapshot.ShippingAddress),
		ShippingMethod:      shippingToDocument(snapshot.ShippingMethod),
		CouponCode:          strings.TrimSpace(snapshot.CouponCode),
		Totals:              totalsToDocument(snapshot.Totals),
		DiscountBreakdown:   cloneBreakdown(snapshot.DiscountBreakdown),
		CustomerNote:        strings.TrimSpace(snapshot.CustomerNote),
		ProductPagePurchase: snapshot.ProductPagePurchase,
		CreatedAt:           snapshot.CreatedAt.UTC(),
	}
}

func snapshotFromDocument(id string, doc snapshotDocument) domain.Snapshot {
	return domain.Snapshot{
		ID:                  id,
		SessionID:           doc.SessionID,
		ReservedOrderNumber: doc.ReservedOrderNumber,
		CustomerID:          doc.CustomerID,
		Email:               doc.Email,
		Currency:            doc.Currency,
		Items:               itemsFromDocuments(doc.Items),
		BillingAddress:      addressFromDocument(doc.BillingAddress),
		ShippingAddress:     addressFromDocument(doc.ShippingAddress),
		ShippingMethod:      shippingFromDocument(doc.ShippingMethod),
		CouponCode:          doc.CouponCode,
		Totals:              totalsFromDocument(doc.Totals),
		DiscountBreakdown:   cloneBreakdown(doc.DiscountBreakdown),
		CustomerNote:        doc.CustomerNote,
		ProductPagePurchase: doc.ProductPagePurchase,
		CreatedAt:           doc.CreatedAt,
	}
}

var _ repositories.SnapshotRepository = (*SnapshotRepository)(nil)
