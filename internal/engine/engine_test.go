package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/guest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0     = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	netErr = fmt.Errorf("dial tcp: connection refused: %w", domain.ErrNetwork)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, remote *fakeRemote, guestItems []domain.CartItem, opts ...Option) (*Engine, *guest.Store) {
	t.Helper()
	ctx := context.Background()

	store := guest.NewStore(guest.NewMemoryMedium(), guest.WithLogger(quietLogger()))
	if len(guestItems) > 0 {
		cart := domain.NewGuestCart()
		cart.Items = guestItems
		require.NoError(t, store.Save(ctx, cart))
	}

	base := []Option{
		WithLogger(quietLogger()),
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithClock(func() time.Time { return t0 }),
	}
	e := New(ctx, store, remote, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Drain(ctx)
	})
	return e, store
}

// loggedIn returns an engine authenticated as accountID with an empty guest cart.
func loggedIn(t *testing.T, remote *fakeRemote, accountID string, opts ...Option) (*Engine, *guest.Store) {
	t.Helper()
	e, store := newTestEngine(t, remote, nil, opts...)
	_, err := e.Login(context.Background(), accountID)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, e.State())
	return e, store
}

func wait(t *testing.T, m *Mutation) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "mutation never settled")
	return err
}

func guestLine(productID int64, qty int, unit string) domain.CartItem {
	return domain.CartItem{
		ProductID:    productID,
		Quantity:     qty,
		UnitPriceTTC: price(unit),
		DisplayName:  fmt.Sprintf("product %d", productID),
		AddedAt:      t0,
		Origin:       domain.OriginGuest,
	}
}

func quantities(c *domain.Cart) map[int64]int {
	out := make(map[int64]int, len(c.Items))
	for _, item := range c.Items {
		out[item.ProductID] = item.Quantity
	}
	return out
}

func mug() domain.Product {
	return domain.Product{ID: 7, Name: "Mug", ImageURL: "/img/mug.png", UnitPriceTTC: price("4.50")}
}

func TestAddToCart_SameProductTwiceIsOneLine(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, newFakeRemote(), nil)

	m1 := e.AddToCart(ctx, mug(), 1)
	m2 := e.AddToCart(ctx, mug(), 1)

	snap := e.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, 2, snap.Items[0].Quantity)

	require.NoError(t, wait(t, m1))
	require.NoError(t, wait(t, m2))

	saved := store.Load(ctx)
	require.Len(t, saved.Items, 1)
	assert.Equal(t, 2, saved.Items[0].Quantity)
	assert.True(t, price("9.00").Equal(e.Total()))
	assert.Equal(t, 2, e.ItemCount())
}

func TestAddToCart_RejectsNonPositiveQuantity(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRemote(), nil)

	err := wait(t, e.AddToCart(context.Background(), mug(), 0))

	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	assert.True(t, e.Snapshot().IsEmpty())
}

func TestAddToCart_KeepsStoredPrice(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, newFakeRemote(), []domain.CartItem{guestLine(7, 1, "4.50")})

	cheaper := mug()
	cheaper.UnitPriceTTC = price("3.00")
	require.NoError(t, wait(t, e.AddToCart(ctx, cheaper, 2)))

	line, ok := e.Snapshot().Item(7)
	require.True(t, ok)
	assert.Equal(t, 3, line.Quantity)
	assert.True(t, price("4.50").Equal(line.UnitPriceTTC))
}

func TestRemoveFromCart_OnlyItemLeavesEmptyCart(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, newFakeRemote(), []domain.CartItem{guestLine(10, 2, "9.99")})

	require.NoError(t, wait(t, e.RemoveFromCart(ctx, 10)))

	assert.Empty(t, e.Snapshot().Items)
	assert.True(t, e.Total().IsZero())
	assert.Empty(t, store.Load(ctx).Items)
}

func TestRemoveFromCart_UnknownProductIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRemote(), []domain.CartItem{guestLine(10, 2, "9.99")})

	require.NoError(t, wait(t, e.RemoveFromCart(context.Background(), 99)))
	assert.Len(t, e.Snapshot().Items, 1)
}

func TestSetQuantity(t *testing.T) {
	tests := []struct {
		name    string
		qty     int
		wantQty map[int64]int
	}{
		{name: "raises quantity", qty: 5, wantQty: map[int64]int{10: 5}},
		{name: "zero removes", qty: 0, wantQty: map[int64]int{}},
		{name: "negative removes", qty: -3, wantQty: map[int64]int{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e, store := newTestEngine(t, newFakeRemote(), []domain.CartItem{guestLine(10, 3, "9.99")})

			err := wait(t, e.SetQuantity(ctx, 10, tt.qty))

			require.NoError(t, err)
			assert.Equal(t, tt.wantQty, quantities(e.Snapshot()))
			assert.Equal(t, tt.wantQty, quantities(store.Load(ctx)))
		})
	}
}

func TestSetQuantity_UnknownProduct(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRemote(), nil)

	err := wait(t, e.SetQuantity(context.Background(), 42, 2))

	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestGuestMutations_KeepLineInvariants(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, newFakeRemote(), nil)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 300; i++ {
		product := domain.Product{ID: int64(rng.Intn(5) + 1), UnitPriceTTC: price("1.25")}
		switch rng.Intn(4) {
		case 0:
			e.AddToCart(ctx, product, rng.Intn(4)-1)
		case 1:
			e.SetQuantity(ctx, product.ID, rng.Intn(6)-2)
		case 2:
			e.RemoveFromCart(ctx, product.ID)
		default:
			if rng.Intn(10) == 0 {
				e.ClearCart(ctx)
			}
		}

		seen := make(map[int64]bool)
		for _, item := range e.Snapshot().Items {
			require.False(t, seen[item.ProductID], "duplicate line for product %d", item.ProductID)
			require.GreaterOrEqual(t, item.Quantity, 1)
			seen[item.ProductID] = true
		}
	}

	require.NoError(t, e.Drain(ctx))
	assert.Equal(t, quantities(e.Snapshot()), quantities(store.Load(ctx)))
}

func TestLogin_IntoEmptyAccount(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e, store := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 2, "9.99")})

	report, err := e.Login(ctx, "acc-1")

	require.NoError(t, err)
	assert.Len(t, report.Merged, 1)
	assert.Empty(t, report.Unmerged)
	assert.Equal(t, StateAuthenticated, e.State())
	assert.Equal(t, "acc-1", e.AccountID())

	snap := e.Snapshot()
	assert.Equal(t, report.CartID, snap.ID)
	require.Len(t, snap.Items, 1)
	line := snap.Items[0]
	assert.Equal(t, int64(10), line.ProductID)
	assert.Equal(t, 2, line.Quantity)
	assert.True(t, price("9.99").Equal(line.UnitPriceTTC))
	assert.NotEmpty(t, line.ItemID)
	assert.Equal(t, domain.OriginAccount, line.Origin)

	assert.Empty(t, store.Load(ctx).Items)
	assert.Equal(t, map[int64]int{10: 2}, quantities(remote.activeCart("acc-1")))
}

func TestLogin_ServerPriceIsAuthoritative(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	existing := guestLine(10, 1, "11.50")
	existing.AddedAt = t0.Add(-24 * time.Hour)
	remote.seed("acc-1", existing)

	newer := guestLine(10, 2, "9.99")
	newer.AddedAt = t0
	e, _ := newTestEngine(t, remote, []domain.CartItem{newer})

	_, err := e.Login(ctx, "acc-1")
	require.NoError(t, err)

	line, ok := e.Snapshot().Item(10)
	require.True(t, ok)
	assert.Equal(t, 3, line.Quantity)
	assert.True(t, price("11.50").Equal(line.UnitPriceTTC), "got %s", line.UnitPriceTTC)

	server, _ := remote.activeCart("acc-1").Item(10)
	assert.True(t, price("11.50").Equal(server.UnitPriceTTC))
}

func TestLogin_MergeOrderDoesNotMatter(t *testing.T) {
	a := guestLine(10, 2, "9.99")
	b := guestLine(20, 1, "5.00")

	var results []map[int64]int
	for _, order := range [][]domain.CartItem{{a, b}, {b, a}} {
		remote := newFakeRemote()
		remote.seed("acc-1", guestLine(10, 1, "11.50"), guestLine(30, 4, "2.00"))
		e, _ := newTestEngine(t, remote, order)

		_, err := e.Login(context.Background(), "acc-1")
		require.NoError(t, err)
		results = append(results, quantities(e.Snapshot()))
	}

	assert.Equal(t, map[int64]int{10: 3, 20: 1, 30: 4}, results[0])
	assert.Equal(t, results[0], results[1])
}

func TestLogin_EmptyGuestCartSkipsMerging(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	seeded := remote.seed("acc-1", guestLine(10, 1, "11.50"))
	e, _ := newTestEngine(t, remote, nil)

	g := remote.hold("fetch")
	done := make(chan error, 1)
	go func() {
		_, err := e.Login(ctx, "acc-1")
		done <- err
	}()

	<-g.arrived
	assert.Equal(t, StateAnonymous, e.State())
	close(g.release)
	require.NoError(t, <-done)

	assert.Equal(t, StateAuthenticated, e.State())
	assert.Equal(t, seeded.ID, e.Snapshot().ID)
	assert.Empty(t, remote.callsTo("add"))
}

func TestLogin_GuestCartEntersMerging(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e, _ := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 1, "9.99")})

	g := remote.hold("fetch")
	done := make(chan error, 1)
	go func() {
		_, err := e.Login(ctx, "acc-1")
		done <- err
	}()

	<-g.arrived
	assert.Equal(t, StateMerging, e.State())
	close(g.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateAuthenticated, e.State())
}

func TestLogin_RetriesNetworkErrorsPerLine(t *testing.T) {
	remote := newFakeRemote()
	remote.fail("add", netErr, netErr)
	e, _ := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 2, "9.99")}, WithMergeAttempts(3))

	report, err := e.Login(context.Background(), "acc-1")

	require.NoError(t, err)
	assert.Len(t, report.Merged, 1)
	assert.Empty(t, report.Unmerged)
	assert.Len(t, remote.callsTo("add"), 3)
}

func TestLogin_ReportsUnmergedLinesAndContinues(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	// product 10 exhausts its two attempts, product 20 is refused outright
	remote.fail("add", netErr, netErr, fmt.Errorf("bad line: %w", domain.ErrInvalidQuantity))
	e, store := newTestEngine(t, remote, []domain.CartItem{
		guestLine(10, 2, "9.99"),
		guestLine(20, 1, "5.00"),
		guestLine(30, 3, "1.00"),
	}, WithMergeAttempts(2))

	report, err := e.Login(ctx, "acc-1")

	require.NoError(t, err)
	require.Len(t, report.Unmerged, 2)
	assert.Equal(t, int64(10), report.Unmerged[0].Item.ProductID)
	assert.ErrorIs(t, report.Unmerged[0].Err, domain.ErrNetwork)
	assert.Equal(t, int64(20), report.Unmerged[1].Item.ProductID)
	assert.ErrorIs(t, report.Unmerged[1].Err, domain.ErrInvalidQuantity)
	require.Len(t, report.Merged, 1)
	assert.Equal(t, int64(30), report.Merged[0].ProductID)

	assert.Equal(t, map[int64]int{30: 3}, quantities(e.Snapshot()))
	assert.Empty(t, store.Load(ctx).Items)
}

func TestLogin_ConflictRetargetsFreshCart(t *testing.T) {
	remote := newFakeRemote()
	closed := remote.seed("acc-1")
	e, _ := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 2, "9.99")})

	g := remote.hold("add")
	done := make(chan error, 1)
	go func() {
		_, err := e.Login(context.Background(), "acc-1")
		done <- err
	}()
	<-g.arrived
	remote.order(closed.ID)
	remote.fail("add", fmt.Errorf("cart ordered: %w", domain.ErrConflict))
	close(g.release)

	require.NoError(t, <-done)
	snap := e.Snapshot()
	assert.NotEqual(t, closed.ID, snap.ID)
	assert.Equal(t, map[int64]int{10: 2}, quantities(snap))
}

func TestLogin_AuthErrorAbortsAndKeepsUnmergedGuestLines(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.fail("add", nil, fmt.Errorf("token expired: %w", domain.ErrAuth))
	e, store := newTestEngine(t, remote, []domain.CartItem{
		guestLine(10, 2, "9.99"),
		guestLine(20, 1, "5.00"),
	})

	report, err := e.Login(ctx, "acc-1")

	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Nil(t, report)
	assert.Equal(t, StateAnonymous, e.State())
	assert.Equal(t, map[int64]int{20: 1}, quantities(e.Snapshot()))
	assert.Equal(t, map[int64]int{20: 1}, quantities(store.Load(ctx)))
	assert.Equal(t, map[int64]int{10: 2}, quantities(remote.activeCart("acc-1")))
}

func TestLogin_FetchFailureLeavesGuestCart(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.fail("fetch", fmt.Errorf("session revoked: %w", domain.ErrAuth))
	e, store := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 2, "9.99")})

	_, err := e.Login(ctx, "acc-1")

	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, StateAnonymous, e.State())
	assert.Equal(t, map[int64]int{10: 2}, quantities(e.Snapshot()))
	assert.Equal(t, map[int64]int{10: 2}, quantities(store.Load(ctx)))

	// the engine is usable again
	require.NoError(t, wait(t, e.AddToCart(ctx, mug(), 1)))
}

func TestLogin_MutationsDuringMergeAreReplayedAfter(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e, store := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 1, "9.99")})

	g := remote.hold("fetch")
	done := make(chan error, 1)
	go func() {
		_, err := e.Login(ctx, "acc-1")
		done <- err
	}()
	<-g.arrived

	m := e.AddToCart(ctx, mug(), 2)
	assert.Equal(t, map[int64]int{10: 1}, quantities(e.Snapshot()))
	select {
	case <-m.Done():
		t.Fatal("mutation settled during merge")
	default:
	}

	close(g.release)
	require.NoError(t, <-done)
	require.NoError(t, wait(t, m))

	assert.Equal(t, map[int64]int{10: 1, 7: 2}, quantities(e.Snapshot()))
	assert.Equal(t, map[int64]int{10: 1, 7: 2}, quantities(remote.activeCart("acc-1")))
	assert.Empty(t, store.Load(ctx).Items)
}

func TestLogin_RejectsWhenNotAnonymous(t *testing.T) {
	e, _ := loggedIn(t, newFakeRemote(), "acc-1")

	_, err := e.Login(context.Background(), "acc-2")

	assert.ErrorIs(t, err, ErrNotAnonymous)
}

func TestLogout_ReloadsIndependentGuestCart(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e, store := newTestEngine(t, remote, []domain.CartItem{guestLine(10, 2, "9.99")})

	_, err := e.Login(ctx, "acc-1")
	require.NoError(t, err)
	require.NoError(t, wait(t, e.AddToCart(ctx, mug(), 1)))

	require.NoError(t, e.Logout(ctx))

	assert.Equal(t, StateAnonymous, e.State())
	assert.Empty(t, e.AccountID())
	snap := e.Snapshot()
	assert.Equal(t, domain.OriginGuest, snap.Origin)
	assert.Empty(t, snap.Items)

	require.NoError(t, wait(t, e.AddToCart(ctx, mug(), 1)))
	assert.Equal(t, map[int64]int{7: 1}, quantities(store.Load(ctx)))
	assert.Equal(t, map[int64]int{10: 2, 7: 1}, quantities(remote.activeCart("acc-1")))
}

func TestLogout_RequiresAuthenticated(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRemote(), nil)

	assert.ErrorIs(t, e.Logout(context.Background()), ErrNotAuthenticated)
}

func TestOnAuthTransition(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, newFakeRemote(), []domain.CartItem{guestLine(10, 1, "9.99")})

	report, err := e.OnAuthTransition(ctx, Transition{Direction: DirectionLogin, AccountID: "acc-1"})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, StateAuthenticated, e.State())

	report, err = e.OnAuthTransition(ctx, Transition{Direction: DirectionLogout})
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, StateAnonymous, e.State())
}

func TestSettleAfterLogoutIsDiscarded(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 3, "9.99"))
	e, store := loggedIn(t, remote, "acc-1")

	g := remote.hold("update")
	m := e.SetQuantity(ctx, 10, 5)
	<-g.arrived

	require.NoError(t, e.Logout(ctx))
	close(g.release)

	assert.ErrorIs(t, wait(t, m), ErrDiscarded)
	assert.Empty(t, e.Snapshot().Items)
	assert.Equal(t, domain.OriginGuest, e.Snapshot().Origin)
	assert.Empty(t, store.Load(ctx).Items)
}

func TestConfirmFailure_RollsBackExactly(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 3, "9.99"))
	remote.fail("update", netErr, netErr)
	e, _ := loggedIn(t, remote, "acc-1", WithConfirmAttempts(2))
	before, _ := e.Snapshot().Item(10)

	m := e.SetQuantity(ctx, 10, 5)
	applied, _ := e.Snapshot().Item(10)
	assert.Equal(t, 5, applied.Quantity)

	err := wait(t, m)

	require.ErrorIs(t, err, domain.ErrNetwork)
	after, ok := e.Snapshot().Item(10)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Len(t, remote.callsTo("update"), 2)
}

func TestConfirm_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 3, "9.99"))
	remote.fail("update", netErr)
	e, _ := loggedIn(t, remote, "acc-1")

	require.NoError(t, wait(t, e.SetQuantity(ctx, 10, 5)))

	assert.Equal(t, map[int64]int{10: 5}, quantities(e.Snapshot()))
	assert.Equal(t, map[int64]int{10: 5}, quantities(remote.activeCart("acc-1")))
}

func TestConfirm_AuthErrorRollsBackAndNotifies(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 3, "9.99"))
	remote.fail("update", fmt.Errorf("token expired: %w", domain.ErrAuth))

	notified := make(chan error, 1)
	e, _ := loggedIn(t, remote, "acc-1", WithAuthFailureHandler(func(_ context.Context, err error) {
		notified <- err
	}))

	err := wait(t, e.SetQuantity(ctx, 10, 5))

	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, map[int64]int{10: 3}, quantities(e.Snapshot()))
	assert.Len(t, remote.callsTo("update"), 1)
	select {
	case got := <-notified:
		assert.ErrorIs(t, got, domain.ErrAuth)
	case <-time.After(time.Second):
		t.Fatal("auth failure handler not called")
	}
}

func TestOrderedCart_RefusesWritesAndMovesToNewActiveCart(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	seeded := remote.seed("acc-1", guestLine(10, 1, "9.99"))
	e, _ := loggedIn(t, remote, "acc-1")

	require.NoError(t, e.CloseCart(ctx))
	assert.Equal(t, domain.StatusOrdered, e.Snapshot().Status)

	err := wait(t, e.SetQuantity(ctx, 10, 4))

	require.ErrorIs(t, err, domain.ErrStaleCart)
	assert.Empty(t, remote.callsTo("update"))
	snap := e.Snapshot()
	assert.Equal(t, domain.StatusActive, snap.Status)
	assert.NotEqual(t, seeded.ID, snap.ID)
	assert.Empty(t, snap.Items)
}

func TestConflict_DiscardsChangeAndRefetches(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	old := remote.seed("acc-1", guestLine(10, 1, "9.99"))
	e, _ := loggedIn(t, remote, "acc-1")

	remote.order(old.ID)
	next := remote.seed("acc-1", guestLine(20, 1, "5.00"))

	err := wait(t, e.AddToCart(ctx, mug(), 1))

	require.ErrorIs(t, err, domain.ErrStaleCart)
	require.ErrorIs(t, err, domain.ErrConflict)
	snap := e.Snapshot()
	assert.Equal(t, next.ID, snap.ID)
	assert.Equal(t, map[int64]int{20: 1}, quantities(snap))
}

func TestSameProductConfirmsInIssueOrder(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e, _ := loggedIn(t, remote, "acc-1")

	g := remote.hold("add")
	m1 := e.AddToCart(ctx, mug(), 1)
	<-g.arrived
	m2 := e.SetQuantity(ctx, mug().ID, 4)

	// other products are not held back
	other := domain.Product{ID: 20, Name: "Tea", UnitPriceTTC: price("3.00")}
	require.NoError(t, wait(t, e.AddToCart(ctx, other, 1)))
	select {
	case <-m2.Done():
		t.Fatal("second change settled before the first")
	default:
	}

	close(g.release)
	require.NoError(t, wait(t, m1))
	require.NoError(t, wait(t, m2))

	line, ok := e.Snapshot().Item(mug().ID)
	require.True(t, ok)
	assert.Equal(t, 4, line.Quantity)
	assert.NotEmpty(t, line.ItemID)

	server, _ := remote.activeCart("acc-1").Item(mug().ID)
	assert.Equal(t, 4, server.Quantity)
	updates := remote.callsTo("update")
	require.Len(t, updates, 1)
	assert.Equal(t, 4, updates[0].quantity)
}

func TestQueuedChangesUseLineIDsFromApplyTime(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 3, "9.99"))
	remote.fail("remove", netErr, netErr, netErr)
	e, _ := loggedIn(t, remote, "acc-1")

	g := remote.hold("update")
	m1 := e.SetQuantity(ctx, 10, 4)
	<-g.arrived
	m2 := e.SetQuantity(ctx, 10, 5)
	m3 := e.RemoveFromCart(ctx, 10)
	_, inView := e.Snapshot().Item(10)
	assert.False(t, inView)
	close(g.release)

	require.NoError(t, wait(t, m1))
	require.NoError(t, wait(t, m2))
	require.ErrorIs(t, wait(t, m3), domain.ErrNetwork)

	updates := remote.callsTo("update")
	require.Len(t, updates, 2)
	assert.Equal(t, 4, updates[0].quantity)
	assert.Equal(t, 5, updates[1].quantity)
	assert.Equal(t, quantities(remote.activeCart("acc-1")), quantities(e.Snapshot()))
	assert.Equal(t, map[int64]int{10: 5}, quantities(e.Snapshot()))
}

func TestSetAfterReAddUsesNewLineID(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(7, 1, "4.50"))
	e, _ := loggedIn(t, remote, "acc-1")

	require.NoError(t, wait(t, e.RemoveFromCart(ctx, 7)))
	g := remote.hold("add")
	m1 := e.AddToCart(ctx, mug(), 2)
	<-g.arrived
	m2 := e.SetQuantity(ctx, 7, 6)
	close(g.release)

	require.NoError(t, wait(t, m1))
	require.NoError(t, wait(t, m2))
	assert.Equal(t, map[int64]int{7: 6}, quantities(remote.activeCart("acc-1")))
	assert.Equal(t, map[int64]int{7: 6}, quantities(e.Snapshot()))
}

func TestClearCart(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 1, "9.99"), guestLine(20, 2, "5.00"))
	e, _ := loggedIn(t, remote, "acc-1")

	cleared := e.ClearCart(ctx)
	add := e.AddToCart(ctx, mug(), 1)

	require.NoError(t, wait(t, cleared))
	require.NoError(t, wait(t, add))
	assert.Equal(t, map[int64]int{7: 1}, quantities(e.Snapshot()))
	assert.Equal(t, map[int64]int{7: 1}, quantities(remote.activeCart("acc-1")))
}

func TestClearCart_RollbackRestoresLines(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.seed("acc-1", guestLine(10, 1, "9.99"), guestLine(20, 2, "5.00"))
	remote.fail("clear", fmt.Errorf("forbidden: %w", domain.ErrAuth))
	e, _ := loggedIn(t, remote, "acc-1")
	before := e.Snapshot()

	err := wait(t, e.ClearCart(ctx))

	require.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, before.Items, e.Snapshot().Items)
}

func TestSubscribe_PublishesOptimisticView(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, newFakeRemote(), nil)

	updates, stop := e.Subscribe()
	defer stop()
	initial := <-updates
	assert.True(t, initial.IsEmpty())

	e.AddToCart(ctx, mug(), 3)

	select {
	case cart := <-updates:
		assert.Equal(t, map[int64]int{7: 3}, quantities(cart))
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
}

func TestRefresh_ReplacesViewWithServerCopy(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	e, _ := loggedIn(t, remote, "acc-1")

	remote.seed("acc-1", guestLine(10, 2, "9.99"))

	require.NoError(t, e.Refresh(ctx))
	assert.Equal(t, map[int64]int{10: 2}, quantities(e.Snapshot()))
}

func TestCloseCart_RequiresAuthenticated(t *testing.T) {
	e, _ := newTestEngine(t, newFakeRemote(), nil)

	err := e.CloseCart(context.Background())

	assert.True(t, errors.Is(err, ErrNotAuthenticated))
}
