package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/cartsync/internal/domain"
)

var (
	ErrCartNotFound = domain.ErrCartNotFound
	ErrItemNotFound = domain.ErrItemNotFound
	// ErrCartNotActive is returned for writes against an ORDERED cart.
	ErrCartNotActive = fmt.Errorf("cart is not active: %w", domain.ErrConflict)
	// ErrActiveCartExists is returned when an account already has an ACTIVE cart.
	ErrActiveCartExists = errors.New("account already has an active cart")
)

// CartRepository stores account carts. Every write is refused with
// ErrCartNotActive once the cart has left ACTIVE, and returns the cart as it
// is after the write.
type CartRepository interface {
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	GetActive(ctx context.Context, accountID string) (*domain.Cart, error)
	CreateCart(ctx context.Context, cart *domain.Cart) error
	AddItem(ctx context.Context, cartID string, item domain.CartItem) (*domain.Cart, error)
	UpdateItemQuantity(ctx context.Context, cartID, itemID string, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, cartID string, productID int64) (*domain.Cart, error)
	ClearItems(ctx context.Context, cartID string) (*domain.Cart, error)
	SetStatus(ctx context.Context, cartID string, status domain.Status) (*domain.Cart, error)
}
