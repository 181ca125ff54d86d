// Package gateway talks to the external payment gateway's merchant API.
package gateway

import (
	"context"
	"errors"

	domain "github.com/paylane/checkout/internal/domain"
)

// Sentinel errors returned by gateway calls.
var (
	// ErrUnavailable marks transport failures and 5xx responses.
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrRejected marks 4xx responses where the gateway refused the request.
	ErrRejected = errors.New("gateway: request rejected")
	// ErrMalformedResponse marks responses missing required fields.
	ErrMalformedResponse = errors.New("gateway: malformed response")
)

// OrderToken is the handle returned when a cart payload is submitted.
type OrderToken struct {
	Token     string `json:"token"`
	Reference string `json:"reference,omitempty"`
}

// TransactionResult is the gateway's reply to capture/void commands.
type TransactionResult struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
}

// CreditResult is the gateway's reply to a refund command. The id and
// reference must both be present; a credit without them cannot be
// reconciled later.
type CreditResult struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

// ReviewDecision is the operator's verdict on a transaction held for
// manual review.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewReject  ReviewDecision = "reject"
)

// Client is the command surface the checkout core needs from the
// gateway. All amounts are integer minor currency units.
type Client interface {
	// SubmitOrder submits the canonical cart payload and returns the
	// order token used by the shopper-facing payment flow.
	SubmitOrder(ctx context.Context, payload domain.CartPayload) (OrderToken, error)
	// CompleteAuthorize confirms post-creation that the local order
	// matches what the gateway authorized.
	CompleteAuthorize(ctx context.Context, reference string, displayID string, grandTotal int64) error
	// Capture settles an amount against an authorized transaction.
	Capture(ctx context.Context, transactionID string, amount int64) (TransactionResult, error)
	// Credit refunds an amount against a captured transaction.
	Credit(ctx context.Context, transactionID string, amount int64) (CreditResult, error)
	// Void cancels an open authorization.
	Void(ctx context.Context, transactionID string) (TransactionResult, error)
	// Review force-approves or force-rejects a transaction pending
	// manual review.
	Review(ctx context.Context, reference string, decision ReviewDecision) error
	// FetchTransaction returns the gateway's current view of a
	// transaction by its opaque reference.
	FetchTransaction(ctx context.Context, reference string) (domain.TransactionRecord, error)
}
