// Package engine owns the shopper's current cart. It routes reads and writes
// to the guest store while the visitor is anonymous and to the account cart
// service once they sign in, merges the guest cart into the account cart on
// login, and applies every mutation optimistically.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/shopspring/decimal"
)

type State int

const (
	StateAnonymous State = iota
	StateMerging
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "ANONYMOUS"
	case StateMerging:
		return "MERGING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrDiscarded resolves mutations whose cart was replaced (logout, login,
	// refresh) before they settled.
	ErrDiscarded = errors.New("mutation discarded: cart was replaced")

	ErrTransitionInProgress = errors.New("auth transition already in progress")
	ErrNotAnonymous         = errors.New("engine is not anonymous")
	ErrNotAuthenticated     = errors.New("engine is not authenticated")
)

// GuestStore persists the anonymous cart.
type GuestStore interface {
	Load(ctx context.Context) *domain.Cart
	Save(ctx context.Context, cart *domain.Cart) error
	Clear(ctx context.Context) error
}

// RemoteCart is the server-authoritative account cart resource.
type RemoteCart interface {
	FetchActive(ctx context.Context, accountID string) (*domain.Cart, error)
	AddItem(ctx context.Context, cartID, accountID string, item domain.CartItem) (*domain.Cart, error)
	UpdateItemQuantity(ctx context.Context, cartID, itemID string, quantity int) (*domain.Cart, error)
	RemoveItem(ctx context.Context, cartID string, productID int64, itemID string) (*domain.Cart, error)
	SetStatus(ctx context.Context, cartID string, status domain.Status) (*domain.Cart, error)
	Clear(ctx context.Context, cartID string) error
}

type Engine struct {
	guest  GuestStore
	remote RemoteCart
	log    *slog.Logger
	now    func() time.Time

	mergeAttempts   int
	confirmAttempts int
	backoffInitial  time.Duration
	backoffMax      time.Duration
	onAuthFailure   func(ctx context.Context, err error)

	serial *serializer
	// saveMu orders guest snapshot writes against each other and against
	// the guest clear that ends a login.
	saveMu sync.Mutex

	mu          sync.Mutex
	state       State
	barrier     bool
	generation  uint64
	accountID   string
	cart        *domain.Cart
	pending     map[int64]int
	lineIDs     map[int64]string // server line ids by product, as last answered
	deferred    []*op
	subscribers map[chan *domain.Cart]struct{}
	inflight    int
	idle        chan struct{}
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMergeAttempts bounds the AddItem attempts made per guest line on login.
func WithMergeAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mergeAttempts = n
		}
	}
}

// WithConfirmAttempts bounds the attempts made to confirm one mutation
// against the account cart when the failure is transient.
func WithConfirmAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.confirmAttempts = n
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.backoffInitial = initial
		e.backoffMax = max
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAuthFailureHandler installs the hook called when the account cart
// service rejects the session. Refreshing credentials or signing out is the
// hook's job.
func WithAuthFailureHandler(fn func(ctx context.Context, err error)) Option {
	return func(e *Engine) { e.onAuthFailure = fn }
}

// New builds an anonymous engine whose view is the persisted guest cart.
func New(ctx context.Context, guest GuestStore, remote RemoteCart, opts ...Option) *Engine {
	e := &Engine{
		guest:           guest,
		remote:          remote,
		log:             slog.Default(),
		now:             time.Now,
		mergeAttempts:   3,
		confirmAttempts: 3,
		backoffInitial:  200 * time.Millisecond,
		backoffMax:      2 * time.Second,
		onAuthFailure:   func(context.Context, error) {},
		serial:          newSerializer(),
		pending:         make(map[int64]int),
		subscribers:     make(map[chan *domain.Cart]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "cart-engine")
	e.cart = guest.Load(ctx)
	e.lineIDs = lineIDs(e.cart)
	return e
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) AccountID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accountID
}

// Snapshot returns a copy of the current cart view.
func (e *Engine) Snapshot() *domain.Cart {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cart.Clone()
}

func (e *Engine) Total() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cart.Total()
}

func (e *Engine) ItemCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cart.ItemCount()
}

// Subscribe returns a channel that receives the latest cart view after every
// change. Slow readers only ever see the most recent view. Call the returned
// function to stop receiving.
func (e *Engine) Subscribe() (<-chan *domain.Cart, func()) {
	ch := make(chan *domain.Cart, 1)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	ch <- e.cart.Clone()
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subscribers[ch]; ok {
			delete(e.subscribers, ch)
			close(ch)
		}
	}
}

func (e *Engine) publishLocked() {
	if len(e.subscribers) == 0 {
		return
	}
	for ch := range e.subscribers {
		snap := e.cart.Clone()
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Drain blocks until every outstanding confirmation has settled.
func (e *Engine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if e.inflight == 0 {
		e.mu.Unlock()
		return nil
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) trackLocked() {
	if e.inflight == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight++
}

func (e *Engine) untrack() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	if e.inflight == 0 {
		close(e.idle)
	}
}

// Refresh replaces the view with the authoritative copy of the current
// backend. Mutations still in flight are discarded when they settle.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	state, accountID, gen, barrier := e.state, e.accountID, e.generation, e.barrier
	e.mu.Unlock()
	if barrier {
		return ErrTransitionInProgress
	}

	var (
		cart *domain.Cart
		err  error
	)
	switch state {
	case StateAuthenticated:
		cart, err = e.remote.FetchActive(ctx, accountID)
		if err != nil {
			return fmt.Errorf("fetch active cart: %w", err)
		}
	case StateAnonymous:
		cart = e.guest.Load(ctx)
	default:
		return ErrTransitionInProgress
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return ErrDiscarded
	}
	e.replaceLocked(cart)
	return nil
}

// replaceLocked swaps the whole view and starts a new generation.
func (e *Engine) replaceLocked(cart *domain.Cart) {
	e.generation++
	e.cart = cart
	e.pending = make(map[int64]int)
	e.lineIDs = lineIDs(cart)
	e.publishLocked()
}

func lineIDs(cart *domain.Cart) map[int64]string {
	ids := make(map[int64]string, len(cart.Items))
	for _, item := range cart.Items {
		if item.ItemID != "" {
			ids[item.ProductID] = item.ItemID
		}
	}
	return ids
}

// CloseCart marks the current account cart ORDERED. It is the checkout
// flow's hand-off; afterwards every mutation is refused with ErrStaleCart
// until the view moves to the account's next ACTIVE cart.
func (e *Engine) CloseCart(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateAuthenticated || e.barrier {
		e.mu.Unlock()
		return fmt.Errorf("close cart: %w", ErrNotAuthenticated)
	}
	cartID, gen := e.cart.ID, e.generation
	e.mu.Unlock()

	if cartID == "" {
		return fmt.Errorf("close cart: %w", domain.ErrCartNotFound)
	}
	cart, err := e.remote.SetStatus(ctx, cartID, domain.StatusOrdered)
	if err != nil {
		return fmt.Errorf("close cart: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation == gen {
		e.replaceLocked(cart)
	}
	return nil
}
