package domain

import (
	"time"
)

// Transaction statuses reported by the payment gateway. NoNewState and
// AllStates are markers used by the transition table only and are never
// stored as an actual payment status.
const (
	TransactionAuthorized           = "authorized"
	TransactionCompleted            = "completed"
	TransactionPending              = "pending"
	TransactionOnHold               = "on-hold"
	TransactionRejectedReversible   = "rejected_reversible"
	TransactionRejectedIrreversible = "rejected_irreversible"
	TransactionCancelled            = "cancelled"
	TransactionRefund               = "credit"
	TransactionNoNewState           = "no_new_state"
	TransactionAllStates            = "all_states"
)

// Local order lifecycle states.
const (
	OrderStateNew           = "new"
	OrderStateProcessing    = "processing"
	OrderStatePaymentReview = "payment_review"
	OrderStateDeferred      = "deferred"
	OrderStateOnHold        = "on_hold"
	OrderStateCanceled      = "canceled"
	OrderStateComplete      = "complete"
)

// Discount rule action types and the gateway-facing discount categories
// they map to.
const (
	RuleActionFixed      = "by_fixed"
	RuleActionCartFixed  = "cart_fixed"
	RuleActionPercent    = "by_percent"
	RuleActionShipping   = "by_shipping"
	DiscountTypeFixed    = "fixed_amount"
	DiscountTypePercent  = "percentage"
	DiscountTypeShipping = "shipping"
)

// Address carries only the fields the gateway exchange needs.
type Address struct {
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Company    string `json:"company,omitempty"`
	Street1    string `json:"street1"`
	Street2    string `json:"street2,omitempty"`
	Street3    string `json:"street3,omitempty"`
	Street4    string `json:"street4,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// LineItem is a single cart or order line. All amounts are integer minor
// currency units.
type LineItem struct {
	Reference            string `json:"reference"`
	SKU                  string `json:"sku"`
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	UnitPrice            int64  `json:"unitPrice"`
	TotalPrice           int64  `json:"totalPrice"`
	RowTotalWithDiscount int64  `json:"rowTotalWithDiscount"`
	Quantity             int64  `json:"quantity"`
	ImageURL             string `json:"imageUrl,omitempty"`
}

// Totals is the canonical totals breakdown, minor units throughout.
type Totals struct {
	Subtotal   int64 `json:"subtotal"`
	Discount   int64 `json:"discount"`
	Tax        int64 `json:"tax"`
	Shipping   int64 `json:"shipping"`
	GrandTotal int64 `json:"grandTotal"`
}

// ShippingSelection is a chosen (or offered) shipping method.
type ShippingSelection struct {
	Carrier      string `json:"carrier"`
	CarrierTitle string `json:"carrierTitle,omitempty"`
	Method       string `json:"method"`
	MethodTitle  string `json:"methodTitle,omitempty"`
	Reference    string `json:"reference,omitempty"`
	Cost         int64  `json:"cost"`
	Tax          int64  `json:"tax"`
}

// Label is the human readable "CarrierTitle - MethodTitle" form used by
// legacy transaction records that carry no method reference.
func (s ShippingSelection) Label() string {
	switch {
	case s.CarrierTitle == "" && s.MethodTitle == "":
		return ""
	case s.CarrierTitle == "":
		return s.MethodTitle
	case s.MethodTitle == "":
		return s.CarrierTitle
	default:
		return s.CarrierTitle + " - " + s.MethodTitle
	}
}

// Session is the mutable shopper cart. Exactly one per checkout attempt;
// it is deactivated while a snapshot derived from it is being converted
// into an order and reactivated if that conversion fails.
type Session struct {
	ID                   string
	CustomerID           string
	Email                string
	Currency             string
	Items                []LineItem
	BillingAddress       *Address
	ShippingAddress      *Address
	ShippingMethod       *ShippingSelection
	CouponCode           string
	Totals               Totals
	DiscountBreakdown    map[string]int64
	ReservedOrderNumber  string
	CustomerNote         string
	ProductPagePurchase  bool
	Active               bool
	ConsumedBySnapshotID string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Snapshot is the immutable copy of a Session frozen at checkout
// submission. SessionID is the one and only edge between the two; the
// reverse lookup lives on Session.ConsumedBySnapshotID and is written
// only after a successful order commit.
type Snapshot struct {
	ID                  string
	SessionID           string
	ReservedOrderNumber string
	CustomerID          string
	Email               string
	Currency            string
	Items               []LineItem
	BillingAddress      *Address
	ShippingAddress     *Address
	ShippingMethod      *ShippingSelection
	CouponCode          string
	Totals              Totals
	DiscountBreakdown   map[string]int64
	CustomerNote        string
	ProductPagePurchase bool
	CreatedAt           time.Time
}

// DiscountEntry is one gateway-facing discount line.
type DiscountEntry struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Reference   string `json:"reference,omitempty"`
	Type        string `json:"discount_category"`
}

// Shipment is one gateway-facing shipping option or selection.
type Shipment struct {
	Service   string `json:"service"`
	Carrier   string `json:"carrier,omitempty"`
	Reference string `json:"reference,omitempty"`
	Cost      int64  `json:"cost"`
	TaxAmount int64  `json:"tax_amount"`
}

// CartPayload is the canonical cart representation submitted to the
// gateway's order endpoint.
type CartPayload struct {
	OrderReference  string          `json:"order_reference"`
	DisplayID       string          `json:"display_id"`
	Currency        string          `json:"currency"`
	Items           []LineItem      `json:"items"`
	Discounts       []DiscountEntry `json:"discounts,omitempty"`
	BillingAddress  *Address        `json:"billing_address,omitempty"`
	ShippingAddress *Address        `json:"shipping_address,omitempty"`
	Shipments       []Shipment      `json:"shipments,omitempty"`
	TaxAmount       int64           `json:"tax_amount"`
	DiscountAmount  int64           `json:"discount_amount"`
	TotalAmount     int64           `json:"total_amount"`
}

// PaymentEvent records one capture or refund reported by the gateway.
type PaymentEvent struct {
	TransactionID string
	Amount        int64
	Status        string
	OccurredAt    time.Time
}

// Payment is the order's payment sub-record. Captures and Refunds
// accumulate; the gateway may report several partial events.
type Payment struct {
	Reference         string
	Status            string
	AuthorizationOpen bool
	AuthorizedAt      *time.Time
	Captures          []PaymentEvent
	Refunds           []PaymentEvent
}

// Invoice is a recorded capture against an order.
type Invoice struct {
	ID            string
	Amount        int64
	TransactionID string
	CreatedAt     time.Time
}

// CreditMemo is a recorded refund against an order. Adjustment holds the
// explicit gateway-reported amount; per-item proportions are never
// recomputed locally.
type CreditMemo struct {
	ID         string
	Amount     int64
	Adjustment int64
	Shipping   int64
	CreatedAt  time.Time
}

// StatusComment is one entry in the order's visible status history.
type StatusComment struct {
	Status    string
	Message   string
	CreatedAt time.Time
}

// Order is the durable entity created exactly once per distinct
// transaction reference.
type Order struct {
	ID                  string
	Number              string
	SessionID           string
	SnapshotID          string
	CustomerID          string
	Email               string
	Currency            string
	Status              string
	Items               []LineItem
	Totals              Totals
	DiscountDescription string
	CustomerNote        string
	Payment             Payment
	Invoices            []Invoice
	CreditMemos         []CreditMemo
	History             []StatusComment
	TotalPaid           int64
	TotalRefunded       int64
	ExportEligibleAt    *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AvailableRefund is the amount still refundable against the order.
func (o Order) AvailableRefund() int64 {
	return o.TotalPaid - o.TotalRefunded
}

// DiscountRule is a locally defined discount definition. Amount is minor
// units for fixed actions and basis points (percent × 100) for percent
// actions.
type DiscountRule struct {
	ID                    string
	Name                  string
	Description           string
	Action                string
	Amount                int64
	FromDate              *time.Time
	ToDate                *time.Time
	UsageLimit            *int
	UsagePerCustomer      *int
	TimesUsed             int
	MinimumCartAmount     int64
	AppliesBeforeShipping bool
}

// ProductStock is the catalog's current stock view for one product
// reference.
type ProductStock struct {
	Reference   string
	ManageStock bool
	Quantity    int64
	Backorders  bool
	Salable     bool
}

// Coupon binds a code to exactly one rule.
type Coupon struct {
	Code             string
	RuleID           string
	UsageLimit       *int
	UsagePerCustomer *int
	TimesUsed        int
}
