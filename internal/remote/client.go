// Package remote is the client of the server-authoritative account cart
// resource.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TokenSource supplies the bearer token of the signed-in identity.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	breaker *gobreaker.CircuitBreaker[*cartapi.CartResponse]
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithTokenSource(ts TokenSource) Option {
	return func(cl *Client) { cl.tokens = ts }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// NewClient returns a client for the resource rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tokens: StaticToken(""),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "remote-cart")
	c.breaker = gobreaker.NewCircuitBreaker[*cartapi.CartResponse](gobreaker.Settings{
		Name:        "cart-service",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// only transport trouble counts against the service
			return err == nil || !Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// FetchActive returns the account's ACTIVE cart. An account without one gets
// an empty ACTIVE cart with no ID; the server creates it on first add.
func (c *Client) FetchActive(ctx context.Context, accountID string) (*domain.Cart, error) {
	path := "/carts/active/" + url.PathEscape(accountID)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.Cart == nil {
		return domain.NewAccountCart(accountID), nil
	}
	return resp.Cart.ToDomain(), nil
}

// AddItem adds item.Quantity of item.ProductID. Adding a product already in
// the cart increases its quantity; the snapshot fields are used only when the
// server creates a new line.
func (c *Client) AddItem(ctx context.Context, cartID, accountID string, item domain.CartItem) (*domain.Cart, error) {
	if item.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	return c.cart(ctx, http.MethodPost, "/carts/add-cart-item", cartapi.AddCartItemRequest{
		CartID:       cartID,
		AccountID:    accountID,
		ProductID:    item.ProductID,
		Quantity:     item.Quantity,
		UnitPriceTTC: item.UnitPriceTTC,
		DisplayName:  item.DisplayName,
		ImageURL:     item.ImageURL,
	})
}

// UpdateItemQuantity sets an absolute quantity. Removal is RemoveItem's job.
func (c *Client) UpdateItemQuantity(ctx context.Context, cartID, itemID string, quantity int) (*domain.Cart, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	return c.cart(ctx, http.MethodPost, "/carts/update-cart-item", cartapi.UpdateCartItemRequest{
		CartID:     cartID,
		CartItemID: itemID,
		Quantity:   quantity,
	})
}

func (c *Client) RemoveItem(ctx context.Context, cartID string, productID int64, itemID string) (*domain.Cart, error) {
	return c.cart(ctx, http.MethodPost, "/carts/remove-cart-item", cartapi.RemoveCartItemRequest{
		CartID:     cartID,
		ProductID:  productID,
		CartItemID: itemID,
	})
}

// SetStatus is only used to close a cart; reopening is refused server-side.
func (c *Client) SetStatus(ctx context.Context, cartID string, status domain.Status) (*domain.Cart, error) {
	path := "/carts/" + url.PathEscape(cartID) + "/status"
	return c.cart(ctx, http.MethodPatch, path, cartapi.SetStatusRequest{Status: string(status)})
}

// Clear empties the cart server-side.
func (c *Client) Clear(ctx context.Context, cartID string) error {
	_, err := c.cart(ctx, http.MethodPost, "/carts/clear-cart", cartapi.ClearCartRequest{CartID: cartID})
	return err
}

func (c *Client) cart(ctx context.Context, method, path string, body any) (*domain.Cart, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if resp.Cart == nil {
		return nil, &Error{Kind: domain.ErrCartNotFound, Message: "response carried no cart"}
	}
	return resp.Cart.ToDomain(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*cartapi.CartResponse, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	resp, err := c.breaker.Execute(func() (*cartapi.CartResponse, error) {
		return c.roundTrip(ctx, method, path, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, networkError(err)
	}
	if err != nil {
		c.log.DebugContext(ctx, "cart request failed", "method", method, "path", path, "err", err)
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (*cartapi.CartResponse, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &Error{Kind: domain.ErrAuth, Err: err}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, networkError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body cartapi.ErrorResponse
		_ = json.Unmarshal(data, &body)
		return nil, statusError(resp.StatusCode, body)
	}

	var out cartapi.CartResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, networkError(fmt.Errorf("decode response: %w", err))
		}
	}
	return &out, nil
}
