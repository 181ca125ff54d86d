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

const orderCollection = "orders"

type paymentEventDocument struct {
	TransactionID string    `firestore:"transactionId"`
	Amount        int64     `firestore:"amount"`
	Status        string    `firestore:"status"`
	OccurredAt    time.Time `firestore:"occurredAt"`
}

type paymentDocument struct {
	Reference         string                 `firestore:"reference"`
	Status            string                 `firestore:"status"`
	AuthorizationOpen bool                   `firestore:"authorizationOpen"`
	AuthorizedAt      *time.Time             `firestore:"authorizedAt,omitempty"`
	Captures          []paymentEventDocument `firestore:"captures,omitempty"`
	Refunds           []paymentEventDocument `firestore:"refunds,omitempty"`
}

type invoiceDocument struct {
	ID            string    `firestore:"id"`
	Amount        int64     `firestore:"amount"`
	TransactionID string    `firestore:"transactionId,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

type creditMemoDocument struct {
	ID         string    `firestore:"id"`
	Amount     int64     `firestore:"amount"`
	Adjustment int64     `firestore:"adjustment"`
	Shipping   int64     `firestore:"shipping"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

type statusCommentDocument struct {
	Status    string    `firestore:"status,omitempty"`
	Message   string    `firestore:"message"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type orderDocument struct {
	Number              string                  `firestore:"number"`
	SessionID           string                  `firestore:"sessionId"`
	SnapshotID          string                  `firestore:"snapshotId"`
	CustomerID          string                  `firestore:"customerId,omitempty"`
	Email               string                  `firestore:"email,omitempty"`
	Currency            string                  `firestore:"currency"`
	Status              string                  `firestore:"status"`
	Items               []lineItemDocument      `firestore:"items"`
	Totals              totalsDocument          `firestore:"totals"`
	DiscountDescription string                  `firestore:"discountDescription,omitempty"`
	CustomerNote        string                  `firestore:"customerNote,omitempty"`
	Payment             paymentDocument         `firestore:"payment"`
	Invoices            []invoiceDocument       `firestore:"invoices,omitempty"`
	CreditMemos         []creditMemoDocument    `firestore:"creditMemos,omitempty"`
	History             []statusCommentDocument `firestore:"history,omitempty"`
	TotalPaid           int64                   `firestore:"totalPaid"`
	TotalRefunded       int64                   `firestore:"totalRefunded"`
	ExportEligibleAt    *time.Time              `firestore:"exportEligibleAt,omitempty"`
	CreatedAt           time.Time               `firestore:"createdAt"`
	UpdatedAt           time.Time               `firestore:"updatedAt"`
}

// OrderRepository persists orders and their payment sub-records.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
	}, nil
}

// Insert creates the order document, failing on an existing id. The
// create precondition is what makes order creation safe against races on
// the same transaction reference.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, orderToDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Set(ctx, id, orderToDocument(order))
	return err
}

// FindByID loads an order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return orderFromDocument(doc.ID, doc.Data), nil
}

// FindByNumber loads an order by its human readable number.
func (r *OrderRepository) FindByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByNumber", "number", strings.TrimSpace(number))
}

// FindByTransactionReference loads an order by the gateway transaction
// reference stored on its payment sub-record.
func (r *OrderRepository) FindByTransactionReference(ctx context.Context, reference string) (domain.Order, error) {
	return r.findOne(ctx, "orders.findByReference", "payment.reference", strings.TrimSpace(reference))
}

// ListStalePending returns orders still awaiting payment past the cutoff.
func (r *OrderRepository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		query := q.Where("status", "==", domain.OrderStateNew).Where("createdAt", "<", cutoff.UTC())
		if limit > 0 {
			query = query.Limit(limit)
		}
		return query
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, orderFromDocument(doc.ID, doc.Data))
	}
	return orders, nil
}

func (r *OrderRepository) findOne(ctx context.Context, op string, field string, value string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if value == "" {
		return domain.Order{}, errors.New("order repository: lookup value is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NotFound(op, "order not found")
	}
	return orderFromDocument(docs[0].ID, docs[0].Data), nil
}

func orderToDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:              strings.TrimSpace(order.Number),
		SessionID:           strings.TrimSpace(order.SessionID),
		SnapshotID:          strings.TrimSpace(order.SnapshotID),
		CustomerID:          strings.TrimSpace(order.CustomerID),
		Email:               strings.TrimSpace(order.Email),
		Currency:            strings.ToUpper(strings.TrimSpace(order.Currency)),
		Status:              strings.TrimSpace(order.Status),
		Items:               itemsToDocuments(order.Items),
		Totals:              totalsToDocument(order.Totals),
		DiscountDescription: strings.TrimSpace(order.DiscountDescription),
		CustomerNote:        strings.TrimSpace(order.CustomerNote),
		Payment: paymentDocument{
			Reference:         strings.TrimSpace(order.Payment.Reference),
			Status:            strings.TrimSpace(order.Payment.Status),
			AuthorizationOpen: order.Payment.AuthorizationOpen,
			AuthorizedAt:      order.Payment.AuthorizedAt,
			Captures:          paymentEventsToDocuments(order.Payment.Captures),
			Refunds:           paymentEventsToDocuments(order.Payment.Refunds),
		},
		TotalPaid:        order.TotalPaid,
		TotalRefunded:    order.TotalRefunded,
		ExportEligibleAt: order.ExportEligibleAt,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
	}
	for _, invoice := range order.Invoices {
		doc.Invoices = append(doc.Invoices, invoiceDocument{
			ID:            invoice.ID,
			Amount:        invoice.Amount,
			TransactionID: invoice.TransactionID,
			CreatedAt:     invoice.CreatedAt.UTC(),
		})
	}
	for _, memo := range order.CreditMemos {
		doc.CreditMemos = append(doc.CreditMemos, creditMemoDocument{
			ID:         memo.ID,
			Amount:     memo.Amount,
			Adjustment: memo.Adjustment,
			Shipping:   memo.Shipping,
			CreatedAt:  memo.CreatedAt.UTC(),
		})
	}
	for _, comment := range order.History {
		doc.History = append(doc.History, statusCommentDocument{
			Status:    comment.Status,
			Message:   comment.Message,
			CreatedAt: comment.CreatedAt.UTC(),
		})
	}
	return doc
}

func orderFromDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:                  id,
		Number:              doc.Number,
		SessionID:           doc.SessionID,
		SnapshotID:          doc.SnapshotID,
		CustomerID:          doc.CustomerID,
		Email:               doc.Email,
		Currency:            doc.Currency,
		Status:              doc.Status,
		Items:               itemsFromDocuments(doc.Items),
		Totals:              totalsFromDocument(doc.Totals),
		DiscountDescription: doc.DiscountDescription,
		CustomerNote:        doc.CustomerNote,
		Payment: domain.Payment{
			Reference:         doc.Payment.Reference,
			Status:            doc.Payment.Status,
			AuthorizationOpen: doc.Payment.AuthorizationOpen,
			AuthorizedAt:      doc.Payment.AuthorizedAt,
			Captures:          paymentEventsFromDocuments(doc.Payment.Captures),
			Refunds:           paymentEventsFromDocuments(doc.Payment.Refunds),
		},
		TotalPaid:        doc.TotalPaid,
		TotalRefunded:    doc.TotalRefunded,
		ExportEligibleAt: doc.ExportEligibleAt,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
	}
	for _, invoice := range doc.Invoices {
		order.Invoices = append(order.Invoices, domain.Invoice{
			ID:            invoice.ID,
			Amount:        invoice.Amount,
			TransactionID: invoice.TransactionID,
			CreatedAt:     invoice.CreatedAt,
		})
	}
	for _, memo := range doc.CreditMemos {
		order.CreditMemos = append(order.CreditMemos, domain.CreditMemo{
			ID:         memo.ID,
			Amount:     memo.Amount,
			Adjustment: memo.Adjustment,
			Shipping:   memo.Shipping,
			CreatedAt:  memo.CreatedAt,
		})
	}
	for _, comment := range doc.History {
		order.History = append(order.History, domain.StatusComment{
			Status:    comment.Status,
			Message:   comment.Message,
			CreatedAt: comment.CreatedAt,
		})
	}
	return order
}

func paymentEventsToDocuments(events []domain.PaymentEvent) []paymentEventDocument {
	if len(events) == 0 {
		return nil
	}
	docs := make([]paymentEventDocument, 0, len(events))
	for _, event := range events {
		docs = append(docs, paymentEventDocument{
			TransactionID: event.TransactionID,
			Amount:        event.Amount,
			Status:        event.Status,
			OccurredAt:    event.OccurredAt.UTC(),
		})
	}
	return docs
}

func paymentEventsFromDocuments(docs []paymentEventDocument) []domain.PaymentEvent {
	if len(docs) == 0 {
		return nil
	}
	events := make([]domain.PaymentEvent, 0, len(docs))
	for _, doc := range docs {
		events = append(events, domain.PaymentEvent{
			TransactionID: doc.TransactionID,
			Amount:        doc.Amount,
			Status:        doc.Status,
			OccurredAt:    doc.OccurredAt,
		})
	}
	return events
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
