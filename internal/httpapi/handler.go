package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/service"
	"github.com/go-chi/chi/v5"
)

const maxRequestBodySize = 1 << 20

// CartService is the part of service.CartService the handlers need.
type CartService interface {
	GetActive(ctx context.Context, accountID string) (*domain.Cart, error)
	GetCart(ctx context.Context, cartID string) (*domain.Cart, error)
	AddItem(ctx context.Context, in service.AddItemInput) (*domain.Cart, error)
	UpdateItem(ctx context.Context, cartID, itemID string, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, cartID string, productID int64, itemID string) (*domain.Cart, error)
	ClearCart(ctx context.Context, cartID string) (*domain.Cart, error)
	SetStatus(ctx context.Context, cartID string, status domain.Status) (*domain.Cart, error)
}

type CartHandler struct {
	svc     CartService
	timeout time.Duration
	log     *slog.Logger
}

func NewCartHandler(svc CartService, timeout time.Duration, log *slog.Logger) *CartHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CartHandler{svc: svc, timeout: timeout, log: log.With("component", "http")}
}

func (h *CartHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// decode reads a JSON body into v. It answers 400 itself and returns false
// when the body is unusable.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, cartapi.CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}

// ownsCart answers 403 and returns false when a JWT caller targets a cart
// of another account. Unknown carts are answered as the service would.
func (h *CartHandler) ownsCart(ctx context.Context, w http.ResponseWriter, cartID string) bool {
	subject := subjectFrom(ctx)
	if subject == "" {
		return true
	}
	cart, err := h.svc.GetCart(ctx, cartID)
	if err != nil {
		h.handleError(ctx, w, err)
		return false
	}
	if cart.AccountID != subject {
		respondError(w, http.StatusForbidden, cartapi.CodeForbidden, "token does not grant this cart")
		return false
	}
	return true
}

// GetActive handles GET /carts/active/{accountId}. An account without an
// ACTIVE cart gets {"cart": null}.
func (h *CartHandler) GetActive(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if !subjectAllows(r.Context(), accountID) {
		respondError(w, http.StatusForbidden, cartapi.CodeForbidden, "token does not grant this account")
		return
	}
	ctx, cancel := h.requestContext(r)
	defer cancel()

	cart, err := h.svc.GetActive(ctx, accountID)
	if errors.Is(err, domain.ErrCartNotFound) {
		respondJSON(w, http.StatusOK, cartapi.CartResponse{})
		return
	}
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	respondCart(w, cart)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req cartapi.AddCartItemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CartID == "" && req.AccountID == "" {
		respondError(w, http.StatusBadRequest, cartapi.CodeInvalidRequest, "cartId or accountId is required")
		return
	}
	if !subjectAllows(r.Context(), req.AccountID) {
		respondError(w, http.StatusForbidden, cartapi.CodeForbidden, "token does not grant this account")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	if req.CartID != "" && !h.ownsCart(ctx, w, req.CartID) {
		return
	}

	cart, err := h.svc.AddItem(ctx, service.AddItemInput{
		CartID:    req.CartID,
		AccountID: req.AccountID,
		Item: domain.CartItem{
			ProductID:    req.ProductID,
			Quantity:     req.Quantity,
			UnitPriceTTC: req.UnitPriceTTC,
			DisplayName:  req.DisplayName,
			ImageURL:     req.ImageURL,
		},
	})
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	respondCart(w, cart)
}

func (h *CartHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req cartapi.UpdateCartItemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CartID == "" || req.CartItemID == "" {
		respondError(w, http.StatusBadRequest, cartapi.CodeInvalidRequest, "cartId and cartItemId are required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	if !h.ownsCart(ctx, w, req.CartID) {
		return
	}

	cart, err := h.svc.UpdateItem(ctx, req.CartID, req.CartItemID, req.Quantity)
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	respondCart(w, cart)
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	var req cartapi.RemoveCartItemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CartID == "" || (req.ProductID <= 0 && req.CartItemID == "") {
		respondError(w, http.StatusBadRequest, cartapi.CodeInvalidRequest, "cartId and productId or cartItemId are required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	if !h.ownsCart(ctx, w, req.CartID) {
		return
	}

	cart, err := h.svc.RemoveItem(ctx, req.CartID, req.ProductID, req.CartItemID)
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	respondCart(w, cart)
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	var req cartapi.ClearCartRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CartID == "" {
		respondError(w, http.StatusBadRequest, cartapi.CodeInvalidRequest, "cartId is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	if !h.ownsCart(ctx, w, req.CartID) {
		return
	}

	cart, err := h.svc.ClearCart(ctx, req.CartID)
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	respondCart(w, cart)
}

// SetStatus handles PATCH /carts/{cartId}/status.
func (h *CartHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	cartID := chi.URLParam(r, "cartId")
	var req cartapi.SetStatusRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()
	if !h.ownsCart(ctx, w, cartID) {
		return
	}

	cart, err := h.svc.SetStatus(ctx, cartID, domain.Status(req.Status))
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	respondCart(w, cart)
}
