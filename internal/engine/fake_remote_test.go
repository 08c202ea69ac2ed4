package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

// fakeRemote is an in-memory account cart service with the same price rules
// as the real one: an existing line keeps its price, a new line takes the
// snapshot sent by the client.
type fakeRemote struct {
	mu       sync.Mutex
	carts    map[string]*domain.Cart
	active   map[string]string
	seq      int
	failures map[string][]error
	gates    map[string]*gate
	calls    []call
}

type call struct {
	method    string
	productID int64
	quantity  int
}

type gate struct {
	arrived chan struct{}
	release chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		carts:    make(map[string]*domain.Cart),
		active:   make(map[string]string),
		failures: make(map[string][]error),
		gates:    make(map[string]*gate),
	}
}

// seed creates an ACTIVE cart for accountID holding items.
func (f *fakeRemote) seed(accountID string, items ...domain.CartItem) *domain.Cart {
	f.mu.Lock()
	defer f.mu.Unlock()
	cart := f.newCartLocked(accountID)
	for _, item := range items {
		f.seq++
		item.ItemID = fmt.Sprintf("line-%d", f.seq)
		item.Origin = domain.OriginAccount
		cart.Items = append(cart.Items, item)
	}
	return cart.Clone()
}

func (f *fakeRemote) newCartLocked(accountID string) *domain.Cart {
	f.seq++
	cart := domain.NewAccountCart(accountID)
	cart.ID = fmt.Sprintf("cart-%d", f.seq)
	f.carts[cart.ID] = cart
	f.active[accountID] = cart.ID
	return cart
}

// order marks the cart ORDERED behind the engine's back.
func (f *fakeRemote) order(cartID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cart := f.carts[cartID]
	cart.Status = domain.StatusOrdered
	delete(f.active, cart.AccountID)
}

func (f *fakeRemote) fail(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// hold blocks the next call to method until the gate is released.
func (f *fakeRemote) hold(method string) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &gate{arrived: make(chan struct{}), release: make(chan struct{})}
	f.gates[method] = g
	return g
}

func (f *fakeRemote) activeCart(accountID string) *domain.Cart {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.active[accountID]
	if !ok {
		return nil
	}
	return f.carts[id].Clone()
}

func (f *fakeRemote) callsTo(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeRemote) enter(c call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	g := f.gates[c.method]
	delete(f.gates, c.method)
	f.mu.Unlock()

	if g != nil {
		close(g.arrived)
		<-g.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[c.method]; len(errs) > 0 {
		f.failures[c.method] = errs[1:]
		return errs[0]
	}
	return nil
}

func (f *fakeRemote) writableLocked(cartID string) (*domain.Cart, error) {
	cart, ok := f.carts[cartID]
	if !ok {
		return nil, domain.ErrCartNotFound
	}
	if cart.Status.IsTerminal() {
		return nil, fmt.Errorf("cart %s is %s: %w", cartID, cart.Status, domain.ErrConflict)
	}
	return cart, nil
}

func (f *fakeRemote) FetchActive(_ context.Context, accountID string) (*domain.Cart, error) {
	if err := f.enter(call{method: "fetch"}); err != nil {
		return nil, err
	}
	if cart := f.activeCart(accountID); cart != nil {
		return cart, nil
	}
	return domain.NewAccountCart(accountID), nil
}

func (f *fakeRemote) AddItem(_ context.Context, cartID, accountID string, item domain.CartItem) (*domain.Cart, error) {
	if err := f.enter(call{method: "add", productID: item.ProductID, quantity: item.Quantity}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if cartID == "" {
		if id, ok := f.active[accountID]; ok {
			cartID = id
		} else {
			cartID = f.newCartLocked(accountID).ID
		}
	}
	cart, err := f.writableLocked(cartID)
	if err != nil {
		return nil, err
	}
	if line, ok := cart.Item(item.ProductID); ok {
		line.Quantity += item.Quantity
		cart.Upsert(line)
	} else {
		f.seq++
		item.ItemID = fmt.Sprintf("line-%d", f.seq)
		item.Origin = domain.OriginAccount
		cart.Upsert(item)
	}
	cart.UpdatedAt = time.Now()
	return cart.Clone(), nil
}

func (f *fakeRemote) UpdateItemQuantity(_ context.Context, cartID, itemID string, quantity int) (*domain.Cart, error) {
	if err := f.enter(call{method: "update", quantity: quantity}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cart, err := f.writableLocked(cartID)
	if err != nil {
		return nil, err
	}
	for i := range cart.Items {
		if cart.Items[i].ItemID == itemID {
			cart.Items[i].Quantity = quantity
			return cart.Clone(), nil
		}
	}
	return nil, domain.ErrItemNotFound
}

func (f *fakeRemote) RemoveItem(_ context.Context, cartID string, productID int64, _ string) (*domain.Cart, error) {
	if err := f.enter(call{method: "remove", productID: productID}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cart, err := f.writableLocked(cartID)
	if err != nil {
		return nil, err
	}
	cart.Remove(productID)
	return cart.Clone(), nil
}

func (f *fakeRemote) SetStatus(_ context.Context, cartID string, status domain.Status) (*domain.Cart, error) {
	if err := f.enter(call{method: "status"}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cart, err := f.writableLocked(cartID)
	if err != nil {
		return nil, err
	}
	cart.Status = status
	if status.IsTerminal() {
		delete(f.active, cart.AccountID)
	}
	return cart.Clone(), nil
}

func (f *fakeRemote) Clear(_ context.Context, cartID string) error {
	if err := f.enter(call{method: "clear"}); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cart, err := f.writableLocked(cartID)
	if err != nil {
		return err
	}
	cart.Items = []domain.CartItem{}
	return nil
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
