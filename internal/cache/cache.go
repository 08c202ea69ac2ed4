package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/cartsync/internal/domain"
)

// CartCache holds the ACTIVE cart of an account.
type CartCache interface {
	Get(ctx context.Context, accountID string) (*domain.Cart, error)
	Set(ctx context.Context, accountID string, cart *domain.Cart) error
	Delete(ctx context.Context, accountID string) error
}

var ErrCacheMiss = errors.New("cache miss")
