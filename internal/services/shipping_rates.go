package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/repositories"
)

// storedShippingRates resolves shipping rates from the selections the
// shopper already made: the one frozen into the snapshot and, when it
// differs, the current one on the origin session. Legacy transaction
// records name their shipping service only by label, and these stored
// selections are the candidates such a label can refer to.
type storedShippingRates struct {
	sessions repositories.SessionRepository
}

// NewStoredShippingRates builds a ShippingRateProvider backed by the
// selections persisted on the snapshot and its origin session.
func NewStoredShippingRates(sessions repositories.SessionRepository) (ShippingRateProvider, error) {
	if sessions == nil {
		return nil, errors.New("stored shipping rates: session repository is required")
	}
	return &storedShippingRates{sessions: sessions}, nil
}

// CollectRates returns the snapshot's frozen selection first, then the
// origin session's current one. A missing session is not an error; the
// snapshot selection alone is returned.
func (p *storedShippingRates) CollectRates(ctx context.Context, snapshot domain.Snapshot) ([]domain.ShippingSelection, error) {
	var rates []domain.ShippingSelection
	if snapshot.ShippingMethod != nil {
		rates = append(rates, *snapshot.ShippingMethod)
	}

	sessionID := strings.TrimSpace(snapshot.SessionID)
	if sessionID == "" {
		return rates, nil
	}
	session, err := p.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if isRepoNotFound(err) {
			return rates, nil
		}
		return nil, translateRepositoryError(err)
	}
	if session.ShippingMethod != nil && !sameSelection(rates, *session.ShippingMethod) {
		rates = append(rates, *session.ShippingMethod)
	}
	return rates, nil
}

func sameSelection(rates []domain.ShippingSelection, candidate domain.ShippingSelection) bool {
	for _, rate := range rates {
		if rate.Reference != "" && rate.Reference == candidate.Reference {
			return true
		}
		if strings.EqualFold(rate.Label(), candidate.Label()) {
			return true
		}
	}
	return false
}

var _ ShippingRateProvider = (*storedShippingRates)(nil)
