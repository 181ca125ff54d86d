package services

import (
	"errors"
	"fmt"

	domain "github.com/paylane/checkout/internal/domain"
	"github.com/paylane/checkout/internal/repositories"
)

// translateRepositoryError maps persistence failures onto the service
// sentinels so callers can branch with errors.Is.
func translateRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func cloneAddress(addr *domain.Address) *domain.Address {
	if addr == nil {
		return nil
	}
	dup := *addr
	return &dup
}

func cloneItems(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return nil
	}
	dup := make([]domain.LineItem, len(items))
	copy(dup, items)
	return dup
}

func cloneShipping(sel *domain.ShippingSelection) *domain.ShippingSelection {
	if sel == nil {
		return nil
	}
	dup := *sel
	return &dup
}

func cloneInt64Map(values map[string]int64) map[string]int64 {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]int64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func valuePtr[T any](v T) *T {
	return &v
}
