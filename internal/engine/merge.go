package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fjod/go_cart/cartsync/internal/domain"
)

type Direction int

const (
	DirectionLogin Direction = iota
	DirectionLogout
)

func (d Direction) String() string {
	if d == DirectionLogin {
		return "login"
	}
	return "logout"
}

// Transition is an authentication event reported by the session layer.
type Transition struct {
	Direction Direction
	AccountID string
}

// MergeReport describes how the guest cart joined the account cart.
type MergeReport struct {
	CartID   string
	Merged   []domain.CartItem
	Unmerged []domain.UnmergedItem
}

// OnAuthTransition dispatches a session event. The report is nil for logouts.
func (e *Engine) OnAuthTransition(ctx context.Context, t Transition) (*MergeReport, error) {
	switch t.Direction {
	case DirectionLogin:
		return e.Login(ctx, t.AccountID)
	case DirectionLogout:
		return nil, e.Logout(ctx)
	default:
		return nil, fmt.Errorf("unknown auth transition %d", t.Direction)
	}
}

// Login moves the engine to the account cart of accountID, merging the guest
// cart into it first. Mutations issued while Login runs are held back and
// applied, in issue order, once the account cart is the view.
//
// A failed fetch or an ErrAuth from the server aborts the login and leaves
// the engine anonymous. Individual lines that cannot be added are reported in
// MergeReport.Unmerged and do not fail the login.
func (e *Engine) Login(ctx context.Context, accountID string) (*MergeReport, error) {
	if accountID == "" {
		return nil, errors.New("login: empty account id")
	}

	e.mu.Lock()
	if e.barrier {
		e.mu.Unlock()
		return nil, ErrTransitionInProgress
	}
	if e.state != StateAnonymous {
		e.mu.Unlock()
		return nil, ErrNotAnonymous
	}
	e.barrier = true
	e.mu.Unlock()

	// let guest saves already under way finish against the guest cart
	if err := e.Drain(ctx); err != nil {
		e.abortLogin(ctx, nil)
		return nil, fmt.Errorf("login: %w", err)
	}

	e.mu.Lock()
	guestCart := e.cart.Clone()
	if !guestCart.IsEmpty() {
		e.state = StateMerging
		e.publishLocked()
	}
	e.mu.Unlock()

	log := e.log.With("account_id", accountID)
	log.InfoContext(ctx, "login started", "guest_lines", len(guestCart.Items))

	active, err := e.fetchActive(ctx, accountID)
	if err != nil {
		e.abortLogin(ctx, nil)
		return nil, fmt.Errorf("login: fetch active cart: %w", err)
	}

	report := &MergeReport{}
	for _, line := range guestCart.Items {
		cart, err := e.mergeLine(ctx, &active, accountID, line)
		if errors.Is(err, domain.ErrAuth) {
			e.abortLogin(ctx, report.Merged)
			return nil, fmt.Errorf("login: merge product %d: %w", line.ProductID, err)
		}
		if err != nil {
			log.WarnContext(ctx, "guest line not merged", "product_id", line.ProductID, "err", err)
			report.Unmerged = append(report.Unmerged, domain.UnmergedItem{Item: line, Err: err})
			continue
		}
		active = cart
		report.Merged = append(report.Merged, line)
	}
	report.CartID = active.ID

	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	e.accountID = accountID
	e.state = StateAuthenticated
	e.replaceLocked(active)
	e.replayLocked()
	e.mu.Unlock()

	if !guestCart.IsEmpty() {
		if err := e.guest.Clear(ctx); err != nil {
			log.ErrorContext(ctx, "failed to clear guest cart", "err", err)
		}
	}

	log.InfoContext(ctx, "login completed",
		"cart_id", active.ID,
		"merged", len(report.Merged),
		"unmerged", len(report.Unmerged),
	)
	return report, nil
}

// abortLogin returns the engine to the guest cart. Lines that already reached
// the account cart are dropped from it.
func (e *Engine) abortLogin(ctx context.Context, merged []domain.CartItem) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	e.state = StateAnonymous
	var keep *domain.Cart
	if len(merged) > 0 {
		keep = e.cart.Clone()
		for _, item := range merged {
			keep.Remove(item.ProductID)
		}
		e.replaceLocked(keep)
	} else {
		e.publishLocked()
	}
	e.replayLocked()
	e.mu.Unlock()

	if keep != nil {
		if err := e.guest.Save(ctx, keep); err != nil {
			e.log.ErrorContext(ctx, "failed to save guest cart", "err", err)
		}
	}
	e.log.WarnContext(ctx, "login aborted", "merged", len(merged))
}

// mergeLine adds one guest line to the account cart. The line keeps its
// quantity; price and metadata are what Merge picks against the account's
// line for the same product. A conflict means the account cart was closed in
// the meantime, so the next attempt targets the fresh ACTIVE cart.
func (e *Engine) mergeLine(ctx context.Context, active **domain.Cart, accountID string, line domain.CartItem) (*domain.Cart, error) {
	var result *domain.Cart
	attempt := func() error {
		item := line
		if existing, ok := (*active).Item(line.ProductID); ok {
			winner := domain.Merge(existing, line)
			item.UnitPriceTTC = winner.UnitPriceTTC
			item.DisplayName = winner.DisplayName
			item.ImageURL = winner.ImageURL
		}
		item.ItemID = ""
		item.Origin = domain.OriginAccount

		cart, err := e.remote.AddItem(ctx, (*active).ID, accountID, item)
		switch {
		case err == nil:
			result = cart
			return nil
		case errors.Is(err, domain.ErrNetwork):
			return err
		case errors.Is(err, domain.ErrConflict):
			fresh, ferr := e.fetchActive(ctx, accountID)
			if ferr != nil {
				return backoff.Permanent(ferr)
			}
			*active = fresh
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	err := backoff.RetryNotify(attempt, e.policy(ctx, e.mergeAttempts), func(err error, next time.Duration) {
		e.log.WarnContext(ctx, "merge add failed, retrying", "product_id", line.ProductID, "err", err, "backoff", next)
	})
	return result, err
}

func (e *Engine) fetchActive(ctx context.Context, accountID string) (*domain.Cart, error) {
	var cart *domain.Cart
	err := e.retry(ctx, e.confirmAttempts, func() error {
		var err error
		cart, err = e.remote.FetchActive(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if cart == nil {
		cart = domain.NewAccountCart(accountID)
	}
	return cart, nil
}

// Logout drops the account cart view and goes back to the guest cart.
// Confirmations still in flight against the account cart are discarded.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	if e.barrier {
		e.mu.Unlock()
		return ErrTransitionInProgress
	}
	if e.state != StateAuthenticated {
		e.mu.Unlock()
		return ErrNotAuthenticated
	}
	accountID := e.accountID
	e.barrier = true
	e.state = StateAnonymous
	e.accountID = ""
	e.replaceLocked(domain.NewGuestCart())
	e.mu.Unlock()

	guestCart := e.guest.Load(ctx)

	e.mu.Lock()
	e.replaceLocked(guestCart)
	e.replayLocked()
	e.mu.Unlock()

	e.log.InfoContext(ctx, "logged out", "account_id", accountID)
	return nil
}

// replayLocked lifts the transition barrier and applies the mutations held
// back while it was up, in issue order.
func (e *Engine) replayLocked() {
	deferred := e.deferred
	e.deferred = nil
	e.barrier = false
	for _, o := range deferred {
		e.applyLocked(o)
	}
}
