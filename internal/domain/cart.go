package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Origin names the backend that is authoritative for a cart or a line.
type Origin string

const (
	OriginGuest   Origin = "GUEST"
	OriginAccount Origin = "ACCOUNT"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusOrdered Status = "ORDERED"
)

// IsTerminal reports whether a cart in this status can no longer be mutated.
func (s Status) IsTerminal() bool {
	return s == StatusOrdered
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusOrdered
}

type CartItem struct {
	ProductID    int64
	ItemID       string
	Quantity     int
	UnitPriceTTC decimal.Decimal
	DisplayName  string
	ImageURL     string
	AddedAt      time.Time
	Origin       Origin
}

func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPriceTTC.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Cart struct {
	ID        string
	AccountID string
	Origin    Origin
	Status    Status
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewGuestCart() *Cart {
	return &Cart{Origin: OriginGuest, Items: []CartItem{}}
}

// NewAccountCart returns the empty ACTIVE cart used when an account has none yet.
func NewAccountCart(accountID string) *Cart {
	return &Cart{
		AccountID: accountID,
		Origin:    OriginAccount,
		Status:    StatusActive,
		Items:     []CartItem{},
	}
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

func (c *Cart) ItemCount() int {
	count := 0
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Writable reports whether the cart may be the target of a mutation.
// Guest carts carry no status and are always writable.
func (c *Cart) Writable() bool {
	return c.Origin == OriginGuest || !c.Status.IsTerminal()
}

func (c *Cart) index(productID int64) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Item returns the line for productID.
func (c *Cart) Item(productID int64) (CartItem, bool) {
	i := c.index(productID)
	if i < 0 {
		return CartItem{}, false
	}
	return c.Items[i], true
}

// Upsert replaces the line with the same product or appends a new one.
// A non-positive quantity removes the line.
func (c *Cart) Upsert(item CartItem) {
	if item.Quantity <= 0 {
		c.Remove(item.ProductID)
		return
	}
	if i := c.index(item.ProductID); i >= 0 {
		c.Items[i] = item
		return
	}
	c.Items = append(c.Items, item)
}

// Remove deletes the line for productID and reports whether it existed.
func (c *Cart) Remove(productID int64) bool {
	i := c.index(productID)
	if i < 0 {
		return false
	}
	c.Items = append(c.Items[:i:i], c.Items[i+1:]...)
	return true
}

// Normalize folds duplicate product lines together with Merge and drops
// lines whose quantity is not positive. First-seen order is kept.
func (c *Cart) Normalize() {
	out := make([]CartItem, 0, len(c.Items))
	pos := make(map[int64]int, len(c.Items))
	for _, item := range c.Items {
		if item.Quantity <= 0 {
			continue
		}
		if i, ok := pos[item.ProductID]; ok {
			out[i] = Merge(out[i], item)
			continue
		}
		pos[item.ProductID] = len(out)
		out = append(out, item)
	}
	c.Items = out
}

func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Items = make([]CartItem, len(c.Items))
	copy(cp.Items, c.Items)
	return &cp
}

// Product is the read-only product snapshot supplied by the catalog at add time.
type Product struct {
	ID           int64
	Name         string
	ImageURL     string
	UnitPriceTTC decimal.Decimal
}

func (p Product) NewItem(quantity int, origin Origin, addedAt time.Time) CartItem {
	return CartItem{
		ProductID:    p.ID,
		Quantity:     quantity,
		UnitPriceTTC: p.UnitPriceTTC,
		DisplayName:  p.Name,
		ImageURL:     p.ImageURL,
		AddedAt:      addedAt,
		Origin:       origin,
	}
}
