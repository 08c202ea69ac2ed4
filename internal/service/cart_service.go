package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cache"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInvalidProduct = errors.New("product id must be positive")
	ErrInvalidPrice   = errors.New("unit price must not be negative")
	ErrInvalidStatus  = errors.New("unknown cart status")
	ErrMissingAccount = errors.New("account id is required")
)

// AddItemInput is one add-to-cart call. CartID may be empty, in which case
// the item goes to the account's ACTIVE cart, created on demand.
type AddItemInput struct {
	CartID    string
	AccountID string
	Item      domain.CartItem
}

type CartService struct {
	repo  repository.CartRepository
	cache cache.CartCache
	sfg   singleflight.Group // Prevents cache stampede
	log   *slog.Logger
	now   func() time.Time
}

func NewCartService(repo repository.CartRepository, cache cache.CartCache, log *slog.Logger) *CartService {
	if log == nil {
		log = slog.Default()
	}
	return &CartService{
		repo:  repo,
		cache: cache,
		log:   log.With("component", "cart-service"),
		now:   time.Now,
	}
}

// GetActive returns the account's ACTIVE cart, or repository.ErrCartNotFound
// when it has none yet.
func (s *CartService) GetActive(ctx context.Context, accountID string) (*domain.Cart, error) {
	if accountID == "" {
		return nil, ErrMissingAccount
	}

	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(accountID, func() (interface{}, error) {
		cart, err := s.cache.Get(ctx, accountID)
		if err == nil {
			return cart, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.log.WarnContext(ctx, "cache get error", "account_id", accountID, "err", err)
		}

		cart, err = s.repo.GetActive(ctx, accountID)
		if err != nil {
			return nil, err
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := s.cache.Set(ctx, accountID, cart); err != nil {
				s.log.Warn("cache set error", "account_id", accountID, "err", err)
			}
		}()
		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.Cart).Clone(), nil
}

// GetCart returns a cart by id, whatever its status.
func (s *CartService) GetCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	return s.repo.GetCart(ctx, cartID)
}

// AddItem adds in.Item to the cart. A product already in the cart only has
// its quantity increased; the snapshot in the request is ignored for it.
func (s *CartService) AddItem(ctx context.Context, in AddItemInput) (*domain.Cart, error) {
	item := in.Item
	if item.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	if item.ProductID <= 0 {
		return nil, ErrInvalidProduct
	}
	if item.UnitPriceTTC.IsNegative() {
		return nil, ErrInvalidPrice
	}
	item.ItemID = uuid.NewString()
	item.AddedAt = s.now().UTC()
	item.Origin = domain.OriginAccount

	cartID := in.CartID
	if cartID == "" {
		if in.AccountID == "" {
			return nil, ErrMissingAccount
		}
		created, err := s.activeOrCreate(ctx, in.AccountID)
		if err != nil {
			return nil, err
		}
		cartID = created.ID
	}

	cart, err := s.repo.AddItem(ctx, cartID, item)
	if err != nil {
		s.log.WarnContext(ctx, "repo add item error", "cart_id", cartID, "product_id", item.ProductID, "err", err)
		return nil, err
	}
	s.invalidateCache(cart.AccountID)
	return cart, nil
}

func (s *CartService) activeOrCreate(ctx context.Context, accountID string) (*domain.Cart, error) {
	cart, err := s.repo.GetActive(ctx, accountID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, repository.ErrCartNotFound) {
		return nil, err
	}

	cart = domain.NewAccountCart(accountID)
	cart.ID = uuid.NewString()
	err = s.repo.CreateCart(ctx, cart)
	if errors.Is(err, repository.ErrActiveCartExists) {
		// lost the race against a concurrent first add
		return s.repo.GetActive(ctx, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", err)
	}
	s.log.InfoContext(ctx, "cart created", "cart_id", cart.ID, "account_id", accountID)
	return cart, nil
}

func (s *CartService) UpdateItem(ctx context.Context, cartID, itemID string, quantity int) (*domain.Cart, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	cart, err := s.repo.UpdateItemQuantity(ctx, cartID, itemID, quantity)
	if err != nil {
		s.log.WarnContext(ctx, "repo update item quantity error", "cart_id", cartID, "item_id", itemID, "err", err)
		return nil, err
	}
	s.invalidateCache(cart.AccountID)
	return cart, nil
}

// RemoveItem drops the line for productID. When productID is zero the line is
// looked up by itemID.
func (s *CartService) RemoveItem(ctx context.Context, cartID string, productID int64, itemID string) (*domain.Cart, error) {
	if productID <= 0 {
		current, err := s.repo.GetCart(ctx, cartID)
		if err != nil {
			return nil, err
		}
		for _, item := range current.Items {
			if item.ItemID == itemID {
				productID = item.ProductID
				break
			}
		}
		if productID <= 0 {
			return nil, repository.ErrItemNotFound
		}
	}

	cart, err := s.repo.RemoveItem(ctx, cartID, productID)
	if err != nil {
		s.log.WarnContext(ctx, "repo remove item error", "cart_id", cartID, "product_id", productID, "err", err)
		return nil, err
	}
	s.invalidateCache(cart.AccountID)
	return cart, nil
}

func (s *CartService) ClearCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	cart, err := s.repo.ClearItems(ctx, cartID)
	if err != nil {
		s.log.WarnContext(ctx, "repo clear cart error", "cart_id", cartID, "err", err)
		return nil, err
	}
	s.invalidateCache(cart.AccountID)
	return cart, nil
}

// SetStatus moves a cart between statuses. ORDERED is final.
func (s *CartService) SetStatus(ctx context.Context, cartID string, status domain.Status) (*domain.Cart, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	cart, err := s.repo.SetStatus(ctx, cartID, status)
	if err != nil {
		return nil, err
	}
	s.invalidateCache(cart.AccountID)
	s.log.InfoContext(ctx, "cart status changed", "cart_id", cartID, "status", status.String())
	return cart, nil
}

// CloseActive marks the account's ACTIVE cart ORDERED. An account without
// one is left alone.
func (s *CartService) CloseActive(ctx context.Context, accountID string) error {
	cart, err := s.repo.GetActive(ctx, accountID)
	if errors.Is(err, repository.ErrCartNotFound) {
		s.invalidateCache(accountID)
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.SetStatus(ctx, cart.ID, domain.StatusOrdered)
	return err
}

func (s *CartService) invalidateCache(accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, accountID); err != nil {
		s.log.Warn("cache invalidate error", "account_id", accountID, "err", err)
	}
}
