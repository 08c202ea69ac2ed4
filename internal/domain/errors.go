package domain

import "errors"

var (
	// ErrPersistenceUnavailable means the guest medium cannot be used; the
	// guest store degrades to memory only.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")

	ErrNetwork   = errors.New("network error")
	ErrAuth      = errors.New("authentication error")
	ErrConflict  = errors.New("cart conflict")
	ErrStaleCart = errors.New("stale cart")

	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrCartNotFound    = errors.New("cart not found")
	ErrItemNotFound    = errors.New("item not found in cart")
)

// UnmergedItem is a guest line that could not be transferred to the account
// cart on login. It is reported, never returned as an error.
type UnmergedItem struct {
	Item CartItem
	Err  error
}
