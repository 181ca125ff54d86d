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

const sessionCollection = "cartSessions"

type sessionDocument struct {
	CustomerID           string             `firestore:"customerId,omitempty"`
	Email                string             `firestore:"email,omitempty"`
	Currency             string             `firestore:"currency"`
	Items                []lineItemDocument `firestore:"items"`
	BillingAddress       *addressDocument   `firestore:"billingAddress,omitempty"`
	ShippingAddress      *addressDocument   `firestore:"shippingAddress,omitempty"`
	ShippingMethod       *shippingDocument  `firestore:"shippingMethod,omitempty"`
	CouponCode           string             `firestore:"couponCode,omitempty"`
	Totals               totalsDocument     `firestore:"totals"`
	DiscountBreakdown    map[string]int64   `firestore:"discountBreakdown,omitempty"`
	ReservedOrderNumber  string             `firestore:"reservedOrderNumber,omitempty"`
	CustomerNote         string             `firestore:"customerNote,omitempty"`
	ProductPagePurchase  bool               `firestore:"productPagePurchase"`
	Active               bool               `firestore:"active"`
	ConsumedBySnapshotID string             `firestore:"consumedBySnapshotId"`
	CreatedAt            time.Time          `firestore:"createdAt"`
	UpdatedAt            time.Time          `firestore:"updatedAt"`
}

// SessionRepository persists shopper cart sessions in Firestore.
type SessionRepository struct {
	base *pfirestore.BaseRepository[sessionDocument]
}

// NewSessionRepository constructs a Firestore-backed session repository.
func NewSessionRepository(provider *pfirestore.Provider) (*SessionRepository, error) {
	if provider == nil {
		return nil, errors.New("session repository requires firestore provider")
	}
	return &SessionRepository{
		base: pfirestore.NewBaseRepository[sessionDocument](provider, sessionCollection, nil, nil),
	}, nil
}

// Insert creates the session document, failing if it already exists.
func (r *SessionRepository) Insert(ctx context.Context, session domain.Session) error {
	if r == nil || r.base == nil {
		return errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return errors.New("session repository: session id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, sessionToDocument(session)); err != nil {
		return pfirestore.WrapError("sessions.insert", err)
	}
	return nil
}

// Update overwrites the session document.
func (r *SessionRepository) Update(ctx context.Context, session domain.Session) error {
	if r == nil || r.base == nil {
		return errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return errors.New("session repository: session id is required")
	}
	_, err := r.base.Set(ctx, id, sessionToDocument(session))
	return err
}

// FindByID loads the session by its identifier.
func (r *SessionRepository) FindByID(ctx context.Context, sessionID string) (domain.Session, error) {
	if r == nil || r.base == nil {
		return domain.Session{}, errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return domain.Session{}, errors.New("session repository: session id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return sessionFromDocument(doc.ID, doc.Data), nil
}

// SetActive flips the activation flag used to fence concurrent
// submissions.
func (r *SessionRepository) SetActive(ctx context.Context, sessionID string, active bool, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return errors.New("session repository: session id is required")
	}
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "active", Value: active},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

// MarkConsumed records which snapshot consumed the session.
func (r *SessionRepository) MarkConsumed(ctx context.Context, sessionID string, snapshotID string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("session repository not initialised")
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return errors.New("session repository: session id is required")
	}
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "consumedBySnapshotId", Value: strings.TrimSpace(snapshotID)},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

func sessionToDocument(session domain.Session) sessionDocument {
	return sessionDocument{
		CustomerID:           strings.TrimSpace(session.CustomerID),
		Email:                strings.TrimSpace(session.Email),
		Currency:             strings.ToUpper(strings.TrimSpace(session.Currency)),
		Items:                itemsToDocuments(session.Items),
		BillingAddress:       addressToDocument(session.BillingAddress),
		ShippingAddress:      addressToDocument(session.ShippingAddress),
		ShippingMethod:       shippingToDocument(session.ShippingMethod),
		CouponCode:           strings.TrimSpace(session.CouponCode),
		Totals:               totalsToDocument(session.Totals),
		DiscountBreakdown:    cloneBreakdown(session.DiscountBreakdown),
		ReservedOrderNumber:  strings.TrimSpace(session.ReservedOrderNumber),
		CustomerNote:         strings.TrimSpace(session.CustomerNote),
		ProductPagePurchase:  session.ProductPagePurchase,
		Active:               session.Active,
		ConsumedBySnapshotID: strings.TrimSpace(session.ConsumedBySnapshotID),
		CreatedAt:            session.CreatedAt.UTC(),
		UpdatedAt:            session.UpdatedAt.UTC(),
	}
}

func sessionFromDocument(id string, doc sessionDocument) domain.Session {
	return domain.Session{
		ID:                   id,
		CustomerID:           doc.CustomerID,
		Email:                doc.Email,
		Currency:             doc.Currency,
		Items:                itemsFromDocuments(doc.Items),
		BillingAddress:       addressFromDocument(doc.BillingAddress),
		ShippingAddress:      addressFromDocument(doc.ShippingAddress),
		ShippingMethod:       shippingFromDocument(doc.ShippingMethod),
		CouponCode:           doc.CouponCode,
		Totals:               totalsFromDocument(doc.Totals),
		DiscountBreakdown:    cloneBreakdown(doc.DiscountBreakdown),
		ReservedOrderNumber:  doc.ReservedOrderNumber,
		CustomerNote:         doc.CustomerNote,
		ProductPagePurchase:  doc.ProductPagePurchase,
		Active:               doc.Active,
		ConsumedBySnapshotID: doc.ConsumedBySnapshotID,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
	}
}

var _ repositories.SessionRepository = (*SessionRepository)(nil)
