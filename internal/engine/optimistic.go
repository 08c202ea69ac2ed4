package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fjod/go_cart/cartsync/internal/domain"
)

type opKind int

const (
	opAdd opKind = iota
	opSet
	opRemove
	opClear
)

func (k opKind) String() string {
	switch k {
	case opAdd:
		return "add"
	case opSet:
		return "set"
	case opRemove:
		return "remove"
	default:
		return "clear"
	}
}

type op struct {
	ctx       context.Context
	kind      opKind
	productID int64
	quantity  int
	product   domain.Product
	m         *Mutation

	// ids of the line and cart as they were when the op was applied
	cartID string
	itemID string
}

// preImage is what an applied op replaced, restored verbatim on rollback.
type preImage struct {
	item  domain.CartItem
	had   bool
	items []domain.CartItem
}

// Mutation tracks one optimistic change until its confirmation settles.
type Mutation struct {
	done chan struct{}
	err  error
}

func newMutation() *Mutation {
	return &Mutation{done: make(chan struct{})}
}

func resolved(err error) *Mutation {
	m := newMutation()
	m.resolve(err)
	return m
}

func (m *Mutation) resolve(err error) {
	m.err = err
	close(m.done)
}

// Done is closed once the change is confirmed, rolled back or discarded.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

// Err returns the settle outcome. It is only meaningful after Done.
func (m *Mutation) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Mutation) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddToCart adds quantity units of product. Adding a product already in the
// cart only increases its quantity; the stored price is kept.
func (e *Engine) AddToCart(ctx context.Context, product domain.Product, quantity int) *Mutation {
	if quantity <= 0 {
		return resolved(domain.ErrInvalidQuantity)
	}
	return e.submit(&op{ctx: ctx, kind: opAdd, productID: product.ID, quantity: quantity, product: product})
}

// SetQuantity sets an absolute quantity. Zero or below removes the line.
func (e *Engine) SetQuantity(ctx context.Context, productID int64, quantity int) *Mutation {
	if quantity <= 0 {
		return e.RemoveFromCart(ctx, productID)
	}
	return e.submit(&op{ctx: ctx, kind: opSet, productID: productID, quantity: quantity})
}

func (e *Engine) RemoveFromCart(ctx context.Context, productID int64) *Mutation {
	return e.submit(&op{ctx: ctx, kind: opRemove, productID: productID})
}

func (e *Engine) ClearCart(ctx context.Context) *Mutation {
	return e.submit(&op{ctx: ctx, kind: opClear})
}

func (e *Engine) submit(o *op) *Mutation {
	o.m = newMutation()
	// confirmation outlives the caller's request
	o.ctx = context.WithoutCancel(o.ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.barrier {
		e.deferred = append(e.deferred, o)
		return o.m
	}
	e.applyLocked(o)
	return o.m
}

// applyLocked performs the synchronous half of a mutation and schedules its
// confirmation. It never does I/O.
func (e *Engine) applyLocked(o *op) {
	gen := e.generation
	cart := e.cart

	if !cart.Writable() {
		status := cart.Status
		e.trackLocked()
		go func() {
			defer e.untrack()
			e.resetStale(o.ctx, gen)
			o.m.resolve(fmt.Errorf("%s on %s cart: %w", o.kind, status, domain.ErrStaleCart))
		}()
		return
	}
	o.cartID = cart.ID

	var pre preImage
	switch o.kind {
	case opAdd:
		pre.item, pre.had = cart.Item(o.productID)
		next := o.product.NewItem(o.quantity, cart.Origin, e.now())
		if pre.had {
			next = pre.item
			next.Quantity += o.quantity
		}
		cart.Upsert(next)
	case opSet:
		pre.item, pre.had = cart.Item(o.productID)
		if !pre.had {
			o.m.resolve(domain.ErrItemNotFound)
			return
		}
		next := pre.item
		next.Quantity = o.quantity
		cart.Upsert(next)
	case opRemove:
		pre.item, pre.had = cart.Item(o.productID)
		if !pre.had {
			o.m.resolve(nil)
			return
		}
		cart.Remove(o.productID)
	case opClear:
		pre.items = cart.Clone().Items
		cart.Items = []domain.CartItem{}
	}
	o.itemID = pre.item.ItemID
	e.publishLocked()

	if o.kind != opClear {
		e.pending[o.productID]++
	}
	e.trackLocked()
	confirm := func() {
		defer e.untrack()
		e.confirm(o, gen, pre)
	}
	if o.kind == opClear {
		e.serial.runAll(confirm)
	} else {
		e.serial.run(o.productID, confirm)
	}
}

func (e *Engine) confirm(o *op, gen uint64, pre preImage) {
	e.mu.Lock()
	stale := e.generation != gen
	origin := e.cart.Origin
	e.mu.Unlock()
	if stale {
		o.m.resolve(ErrDiscarded)
		return
	}

	if origin == domain.OriginGuest {
		e.settle(o, gen, pre, nil, e.saveGuest(o.ctx, gen))
		return
	}

	var result *domain.Cart
	err := e.retry(o.ctx, e.confirmAttempts, func() error {
		var err error
		result, err = e.confirmRemote(o, gen)
		return err
	})
	e.settle(o, gen, pre, result, err)
}

// saveGuest writes the current view as the guest snapshot. Writers queue on
// saveMu and each takes its snapshot once it holds it, so the last write
// always carries the newest view.
func (e *Engine) saveGuest(ctx context.Context, gen uint64) error {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return ErrDiscarded
	}
	snapshot := e.cart.Clone()
	e.mu.Unlock()

	return e.guest.Save(ctx, snapshot)
}

// confirmRemote issues the account cart call for o with the ids captured at
// apply time. An id that was still unknown then (the cart or line was being
// created by an earlier add) is taken from what the server has answered
// since.
func (e *Engine) confirmRemote(o *op, gen uint64) (*domain.Cart, error) {
	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		return nil, ErrDiscarded
	}
	cartID, itemID, accountID := o.cartID, o.itemID, e.accountID
	if cartID == "" {
		cartID = e.cart.ID
	}
	if itemID == "" {
		itemID = e.lineIDs[o.productID]
	}
	e.mu.Unlock()

	ctx := o.ctx
	switch o.kind {
	case opAdd:
		item := o.product.NewItem(o.quantity, domain.OriginAccount, e.now())
		return e.remote.AddItem(ctx, cartID, accountID, item)
	case opSet:
		if itemID == "" {
			return nil, domain.ErrItemNotFound
		}
		return e.remote.UpdateItemQuantity(ctx, cartID, itemID, o.quantity)
	case opRemove:
		if cartID == "" {
			return nil, nil
		}
		return e.remote.RemoveItem(ctx, cartID, o.productID, itemID)
	default:
		if cartID == "" {
			return nil, nil
		}
		return nil, e.remote.Clear(ctx, cartID)
	}
}

// retry runs fn up to attempts times, backing off between transient
// (ErrNetwork) failures. Any other error stops immediately.
func (e *Engine) retry(ctx context.Context, attempts int, fn func() error) error {
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, domain.ErrNetwork) {
			return backoff.Permanent(err)
		}
		return err
	}, e.policy(ctx, attempts), func(err error, next time.Duration) {
		e.log.WarnContext(ctx, "cart write failed, retrying", "err", err, "backoff", next)
	})
}

func (e *Engine) policy(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoffInitial
	b.MaxInterval = e.backoffMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// settle reconciles the view with the backend outcome of o.
func (e *Engine) settle(o *op, gen uint64, pre preImage, result *domain.Cart, err error) {
	if errors.Is(err, domain.ErrConflict) {
		e.mu.Lock()
		if e.generation == gen {
			e.rollbackLocked(o, pre)
		}
		e.mu.Unlock()
		e.resetStale(o.ctx, gen)
		o.m.resolve(fmt.Errorf("%s: %w: %w", o.kind, domain.ErrStaleCart, err))
		return
	}

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		o.m.resolve(ErrDiscarded)
		return
	}
	if o.kind != opClear {
		e.pending[o.productID]--
		if e.pending[o.productID] <= 0 {
			delete(e.pending, o.productID)
		}
	}

	if err != nil {
		e.rollbackLocked(o, pre)
		e.mu.Unlock()
		e.log.WarnContext(o.ctx, "cart change rolled back", "op", o.kind.String(), "product_id", o.productID, "err", err)
		if errors.Is(err, domain.ErrAuth) {
			e.onAuthFailure(o.ctx, err)
		}
		o.m.resolve(err)
		return
	}

	if result != nil {
		e.reconcileLocked(o, result)
	} else if o.kind == opClear {
		e.lineIDs = make(map[int64]string)
	}
	e.mu.Unlock()
	o.m.resolve(nil)
}

func (e *Engine) rollbackLocked(o *op, pre preImage) {
	if o.kind == opClear {
		restored := &domain.Cart{Items: append([]domain.CartItem(nil), pre.items...)}
		for _, item := range e.cart.Items {
			if _, ok := restored.Item(item.ProductID); !ok {
				restored.Items = append(restored.Items, item)
			}
		}
		e.cart.Items = restored.Items
	} else if pre.had {
		e.cart.Upsert(pre.item)
	} else {
		e.cart.Remove(o.productID)
	}
	e.publishLocked()
}

// reconcileLocked folds the server's answer into the view. Server values win
// for the touched line; its quantity is only taken once no later change to
// the same product is still waiting, so the view never steps backwards.
func (e *Engine) reconcileLocked(o *op, result *domain.Cart) {
	e.cart.ID = result.ID
	e.cart.AccountID = result.AccountID
	e.cart.Status = result.Status
	e.cart.CreatedAt = result.CreatedAt
	e.cart.UpdatedAt = result.UpdatedAt

	for _, item := range result.Items {
		e.lineIDs[item.ProductID] = item.ItemID
	}
	if o.kind != opClear {
		server, onServer := result.Item(o.productID)
		if !onServer {
			delete(e.lineIDs, o.productID)
		}
		local, onLocal := e.cart.Item(o.productID)
		switch {
		case e.pending[o.productID] == 0 && onServer:
			e.cart.Upsert(server)
		case e.pending[o.productID] == 0:
			e.cart.Remove(o.productID)
		case onServer && onLocal:
			server.Quantity = local.Quantity
			e.cart.Upsert(server)
		}
	}
	e.publishLocked()
}

// resetStale moves the view to the account's current ACTIVE cart after the
// server refused a write against a closed one.
func (e *Engine) resetStale(ctx context.Context, gen uint64) {
	e.mu.Lock()
	accountID := e.accountID
	current := e.generation == gen
	e.mu.Unlock()
	if !current || accountID == "" {
		return
	}

	var fresh *domain.Cart
	err := e.retry(ctx, e.confirmAttempts, func() error {
		var err error
		fresh, err = e.remote.FetchActive(ctx, accountID)
		return err
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return
	}
	if err != nil {
		e.log.ErrorContext(ctx, "failed to refetch active cart", "account_id", accountID, "err", err)
		fresh = domain.NewAccountCart(accountID)
	}
	e.log.InfoContext(ctx, "cart was closed, switched to active cart", "account_id", accountID, "cart_id", fresh.ID)
	e.replaceLocked(fresh)
}
