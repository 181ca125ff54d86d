package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTransactionInvalid marks a transaction record that failed boundary
// validation.
var ErrTransactionInvalid = errors.New("transaction: invalid record")

// TransactionItem is one line of the gateway's independently computed
// cart view.
type TransactionItem struct {
	Reference   string `json:"reference"`
	SKU         string `json:"sku"`
	Name        string `json:"name,omitempty"`
	UnitPrice   int64  `json:"unit_price"`
	TotalAmount int64  `json:"total_amount"`
	Quantity    int64  `json:"quantity"`
}

// TransactionDiscount is one discount entry reported by the gateway.
// Reference, when present, names the local coupon code it originated
// from.
type TransactionDiscount struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Reference   string `json:"reference,omitempty"`
	Type        string `json:"discount_category,omitempty"`
}

// TransactionRecord is the gateway's authoritative view of a
// transaction. It is parsed into this strict shape and validated once at
// the boundary; downstream code never probes for optional keys.
type TransactionRecord struct {
	Reference               string                `json:"reference"`
	DisplayID               string                `json:"display_id"`
	Status                  string                `json:"status"`
	Currency                string                `json:"currency"`
	Items                   []TransactionItem     `json:"items"`
	Discounts               []TransactionDiscount `json:"discounts,omitempty"`
	Shipments               []Shipment            `json:"shipments,omitempty"`
	TaxAmount               int64                 `json:"tax_amount"`
	DiscountAmount          int64                 `json:"discount_amount"`
	ShippingAmount          int64                 `json:"shipping_amount"`
	GrandTotal              int64                 `json:"total_amount"`
	CaptureAmount           int64                 `json:"capture_amount,omitempty"`
	RefundAmount            int64                 `json:"refund_amount,omitempty"`
	RefundTransactionID     string                `json:"refund_transaction_id,omitempty"`
	BillingAddress          *Address              `json:"billing_address,omitempty"`
	ShippingAddress         *Address              `json:"shipping_address,omitempty"`
	ShippingMethodReference string                `json:"shipping_reference,omitempty"`
	ShippingServiceLabel    string                `json:"shipping_service,omitempty"`
	CustomerEmail           string                `json:"customer_email,omitempty"`
	CreatedAt               time.Time             `json:"created_at"`
}

var validTransactionStatuses = map[string]struct{}{
	TransactionAuthorized:           {},
	TransactionCompleted:            {},
	TransactionPending:              {},
	TransactionOnHold:               {},
	TransactionRejectedReversible:   {},
	TransactionRejectedIrreversible: {},
	TransactionCancelled:            {},
	TransactionRefund:               {},
}

// Validate checks the structural invariants every downstream consumer
// relies on: a non-empty reference, a parseable display id, a known
// status and non-negative amounts.
func (r TransactionRecord) Validate() error {
	if strings.TrimSpace(r.Reference) == "" {
		return fmt.Errorf("%w: reference is required", ErrTransactionInvalid)
	}
	if _, _, err := r.SplitDisplayID(); err != nil {
		return err
	}
	status := strings.TrimSpace(r.Status)
	if status == "" {
		return fmt.Errorf("%w: status is required", ErrTransactionInvalid)
	}
	if _, ok := validTransactionStatuses[status]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrTransactionInvalid, status)
	}
	if r.GrandTotal < 0 || r.TaxAmount < 0 || r.ShippingAmount < 0 {
		return fmt.Errorf("%w: negative total", ErrTransactionInvalid)
	}
	for _, item := range r.Items {
		if strings.TrimSpace(item.Reference) == "" {
			return fmt.Errorf("%w: item reference is required", ErrTransactionInvalid)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %s has non-positive quantity", ErrTransactionInvalid, item.Reference)
		}
	}
	return nil
}

// SplitDisplayID decomposes the composite "{orderNumber}|{snapshotID}"
// display id.
func (r TransactionRecord) SplitDisplayID() (orderNumber string, snapshotID string, err error) {
	display := strings.TrimSpace(r.DisplayID)
	if display == "" {
		return "", "", fmt.Errorf("%w: display id is required", ErrTransactionInvalid)
	}
	number, snapshot, found := strings.Cut(display, "|")
	number = strings.TrimSpace(number)
	snapshot = strings.TrimSpace(snapshot)
	if !found || number == "" || snapshot == "" {
		return "", "", fmt.Errorf("%w: malformed display id %q", ErrTransactionInvalid, display)
	}
	return number, snapshot, nil
}

// ComposeDisplayID builds the composite display id sent to the gateway.
func ComposeDisplayID(orderNumber, snapshotID string) string {
	return strings.TrimSpace(orderNumber) + "|" + strings.TrimSpace(snapshotID)
}
