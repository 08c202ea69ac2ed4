// Package guest persists the anonymous visitor's cart on the local device.
//
// The cart is stored as one JSON array under a single key of a Medium. Absent
// or unparseable values read as an empty cart. When the medium fails the store
// degrades to an in-memory copy for the rest of the session and never reports
// the failure to its caller.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultKey is the key the guest cart is stored under.
const DefaultKey = "cart"

var ErrNotFound = errors.New("key not found")

// Medium is a durable key-value store. Get returns ErrNotFound for absent keys.
type Medium interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

type wireItem struct {
	ProductID    int64       `json:"productId"`
	Quantity     int         `json:"quantity"`
	UnitPriceTTC json.Number `json:"unitPriceTtc"`
	DisplayName  string      `json:"displayName"`
	ImageURL     string      `json:"imageUrl"`
	AddedAt      *time.Time  `json:"addedAt,omitempty"`
}

type Store struct {
	medium Medium
	key    string
	log    *slog.Logger

	mu       sync.Mutex
	degraded bool
	memory   *domain.Cart
}

type Option func(*Store)

func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore returns a guest store over medium. A nil medium gives a
// memory-only store.
func NewStore(medium Medium, opts ...Option) *Store {
	s := &Store{
		medium: medium,
		key:    DefaultKey,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "guest-store")
	if medium == nil {
		s.degraded = true
	}
	return s
}

// Available reports whether writes reach the durable medium.
func (s *Store) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degraded
}

func (s *Store) Load(ctx context.Context) *domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return s.memoryCart()
	}

	data, err := s.medium.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return domain.NewGuestCart()
	}
	if err != nil {
		s.degrade(ctx, "load", err)
		return s.memoryCart()
	}

	cart, err := decode(data)
	if err != nil {
		s.log.WarnContext(ctx, "discarding unreadable guest cart", "err", err)
		return domain.NewGuestCart()
	}
	return cart
}

// Save persists the full item list of cart, replacing whatever was stored.
func (s *Store) Save(ctx context.Context, cart *domain.Cart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		s.memory = cart.Clone()
		return nil
	}

	data, err := encode(cart)
	if err != nil {
		return fmt.Errorf("encode guest cart: %w", err)
	}
	if err := s.medium.Put(ctx, s.key, data); err != nil {
		s.degrade(ctx, "save", err)
		s.memory = cart.Clone()
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory = nil
	if s.degraded {
		return nil
	}
	if err := s.medium.Delete(ctx, s.key); err != nil && !errors.Is(err, ErrNotFound) {
		s.degrade(ctx, "clear", err)
	}
	return nil
}

func (s *Store) degrade(ctx context.Context, op string, err error) {
	s.degraded = true
	s.log.WarnContext(ctx, "guest storage unavailable, keeping cart in memory",
		"op", op, "err", fmt.Errorf("%w: %w", domain.ErrPersistenceUnavailable, err))
}

func (s *Store) memoryCart() *domain.Cart {
	if s.memory == nil {
		return domain.NewGuestCart()
	}
	return s.memory.Clone()
}

func encode(cart *domain.Cart) ([]byte, error) {
	items := make([]wireItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		w := wireItem{
			ProductID:    item.ProductID,
			Quantity:     item.Quantity,
			UnitPriceTTC: json.Number(item.UnitPriceTTC.String()),
			DisplayName:  item.DisplayName,
			ImageURL:     item.ImageURL,
		}
		if !item.AddedAt.IsZero() {
			at := item.AddedAt.UTC()
			w.AddedAt = &at
		}
		items = append(items, w)
	}
	return json.Marshal(items)
}

func decode(data []byte) (*domain.Cart, error) {
	var items []wireItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}

	cart := domain.NewGuestCart()
	for _, w := range items {
		if w.ProductID <= 0 {
			return nil, fmt.Errorf("invalid product id %d", w.ProductID)
		}
		price := decimal.Zero
		if w.UnitPriceTTC != "" {
			p, err := decimal.NewFromString(w.UnitPriceTTC.String())
			if err != nil {
				return nil, fmt.Errorf("invalid price for product %d: %w", w.ProductID, err)
			}
			price = p
		}
		item := domain.CartItem{
			ProductID:    w.ProductID,
			Quantity:     w.Quantity,
			UnitPriceTTC: price,
			DisplayName:  w.DisplayName,
			ImageURL:     w.ImageURL,
			Origin:       domain.OriginGuest,
		}
		if w.AddedAt != nil {
			item.AddedAt = *w.AddedAt
		}
		cart.Items = append(cart.Items, item)
	}
	cart.Normalize()
	return cart, nil
}
