// Package cartapi holds the JSON wire types of the account cart resource and
// their conversion to and from the domain model. Both the service and the
// remote client speak these shapes.
package cartapi

import (
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

type CartItem struct {
	ID           string          `json:"id"`
	ProductID    int64           `json:"productId"`
	Quantity     int             `json:"quantity"`
	UnitPriceTTC decimal.Decimal `json:"unitPriceTtc"`
	DisplayName  string          `json:"displayName"`
	ImageURL     string          `json:"imageUrl"`
	AddedAt      time.Time       `json:"addedAt"`
}

type Cart struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	Status    string     `json:"status"`
	Items     []CartItem `json:"items"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// CartResponse wraps every cart returned by the resource. Cart is nil when
// an account has no active cart.
type CartResponse struct {
	Cart *Cart `json:"cart"`
}

type AddCartItemRequest struct {
	CartID       string          `json:"cartId"`
	AccountID    string          `json:"accountId"`
	ProductID    int64           `json:"productId"`
	Quantity     int             `json:"quantity"`
	UnitPriceTTC decimal.Decimal `json:"unitPriceTtc"`
	DisplayName  string          `json:"displayName"`
	ImageURL     string          `json:"imageUrl"`
}

type UpdateCartItemRequest struct {
	CartID     string `json:"cartId"`
	CartItemID string `json:"cartItemId"`
	Quantity   int    `json:"quantity"`
}

type RemoveCartItemRequest struct {
	CartID     string `json:"cartId"`
	ProductID  int64  `json:"productId"`
	CartItemID string `json:"cartItemId"`
}

type ClearCartRequest struct {
	CartID string `json:"cartId"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes shared by both sides of the wire.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidQuantity = "invalid_quantity"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeCartNotFound    = "cart_not_found"
	CodeItemNotFound    = "item_not_found"
	CodeCartNotActive   = "cart_not_active"
	CodeInternal        = "internal_error"
)

func FromDomain(c *domain.Cart) *Cart {
	if c == nil {
		return nil
	}
	out := &Cart{
		ID:        c.ID,
		AccountID: c.AccountID,
		Status:    string(c.Status),
		Items:     make([]CartItem, len(c.Items)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for i, item := range c.Items {
		out.Items[i] = CartItem{
			ID:           item.ItemID,
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			UnitPriceTTC: item.UnitPriceTTC,
			DisplayName:  item.DisplayName,
			ImageURL:     item.ImageURL,
			AddedAt:      item.AddedAt,
		}
	}
	return out
}

// ToDomain normalizes a wire cart into an ACCOUNT-origin domain cart.
func (c *Cart) ToDomain() *domain.Cart {
	out := &domain.Cart{
		ID:        c.ID,
		AccountID: c.AccountID,
		Origin:    domain.OriginAccount,
		Status:    domain.Status(c.Status),
		Items:     make([]domain.CartItem, 0, len(c.Items)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if !out.Status.Valid() {
		out.Status = domain.StatusActive
	}
	for _, item := range c.Items {
		out.Items = append(out.Items, domain.CartItem{
			ProductID:    item.ProductID,
			ItemID:       item.ID,
			Quantity:     item.Quantity,
			UnitPriceTTC: item.UnitPriceTTC,
			DisplayName:  item.DisplayName,
			ImageURL:     item.ImageURL,
			AddedAt:      item.AddedAt,
			Origin:       domain.OriginAccount,
		})
	}
	out.Normalize()
	return out
}
