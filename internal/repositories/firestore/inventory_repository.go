package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/paylane/checkout/internal/domain"
	pfirestore "github.com/paylane/checkout/internal/platform/firestore"
	"github.com/paylane/checkout/internal/repositories"
)

const stockCollection = "inventoryStock"

type stockDocument struct {
	ManageStock bool  `firestore:"manageStock"`
	Quantity    int64 `firestore:"quantity"`
	Backorders  bool  `firestore:"backorders"`
	Salable     bool  `firestore:"salable"`
}

// InventoryRepository reads and adjusts the catalog's stock records.
type InventoryRepository struct {
	base *pfirestore.BaseRepository[stockDocument]
}

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{
		base: pfirestore.NewBaseRepository[stockDocument](provider, stockCollection, nil, nil),
	}, nil
}

// GetStock loads the stock record for a product reference.
func (r *InventoryRepository) GetStock(ctx context.Context, productReference string) (domain.ProductStock, error) {
	if r == nil || r.base == nil {
		return domain.ProductStock{}, errors.New("inventory repository not initialised")
	}
	ref := strings.TrimSpace(productReference)
	if ref == "" {
		return domain.ProductStock{}, errors.New("inventory repository: product reference is required")
	}
	doc, err := r.base.Get(ctx, ref)
	if err != nil {
		return domain.ProductStock{}, err
	}
	return domain.ProductStock{
		Reference:   doc.ID,
		ManageStock: doc.Data.ManageStock,
		Quantity:    doc.Data.Quantity,
		Backorders:  doc.Data.Backorders,
		Salable:     doc.Data.Salable,
	}, nil
}

// Restock adds quantity back to the salable stock of a product after a
// cancellation. The increment runs server-side so concurrent restocks
// do not lose updates.
func (r *InventoryRepository) Restock(ctx context.Context, productReference string, quantity int64) error {
	if r == nil || r.base == nil {
		return errors.New("inventory repository not initialised")
	}
	ref := strings.TrimSpace(productReference)
	if ref == "" {
		return errors.New("inventory repository: product reference is required")
	}
	if quantity <= 0 {
		return fmt.Errorf("inventory repository: restock quantity must be positive, got %d", quantity)
	}
	_, err := r.base.Update(ctx, ref, []firestore.Update{
		{Path: "quantity", Value: firestore.Increment(quantity)},
		{Path: "salable", Value: true},
	})
	return err
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)
