// Package poller consumes completed-checkout events and closes the buyer's
// ACTIVE cart, so the next add starts a fresh one.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

var ErrMissingAccount = errors.New("missing or invalid user_id")

// CartCloser marks an account's ACTIVE cart ORDERED.
type CartCloser interface {
	CloseActive(ctx context.Context, accountID string) error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

type checkoutEvent struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
	AccountID  string `json:"account_id"`
}

type Poller struct {
	carts  CartCloser
	reader *kafka.Reader
	log    *slog.Logger
	retry  time.Duration
}

func NewPoller(carts CartCloser, cfg Config, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxBytes: 10e6, // 10MB
	})
	return &Poller{
		carts:  carts,
		reader: reader,
		log:    log.With("component", "checkout-poller", "topic", cfg.Topic),
		retry:  time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			p.log.ErrorContext(ctx, "poll failed", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retry):
			}
		}
	}
}

func (p *Poller) Close() {
	if err := p.reader.Close(); err != nil {
		p.log.Error("error closing reader", "err", err)
	}
}

// poll handles one message. The offset is committed once the cart is closed
// or the message is known to be unusable; a failed close is read again.
func (p *Poller) poll(ctx context.Context) error {
	m, err := p.reader.FetchMessage(ctx)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}

	err = p.handle(ctx, m.Value)
	if errors.Is(err, ErrMissingAccount) {
		p.log.WarnContext(ctx, "skipping checkout event", "offset", m.Offset, "err", err)
	} else if err != nil {
		return err
	}

	if err := p.reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func (p *Poller) handle(ctx context.Context, value []byte) error {
	return closeForEvent(ctx, p.carts, p.log, value)
}

// closeForEvent closes the cart of the account named by a checkout event.
// Events without an account are reported as ErrMissingAccount.
func closeForEvent(ctx context.Context, carts CartCloser, log *slog.Logger, value []byte) error {
	var event checkoutEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingAccount, err)
	}
	accountID := event.UserID
	if accountID == "" {
		accountID = event.AccountID
	}
	if accountID == "" {
		return ErrMissingAccount
	}

	if err := carts.CloseActive(ctx, accountID); err != nil {
		return fmt.Errorf("close cart of %s: %w", accountID, err)
	}
	log.InfoContext(ctx, "cart closed after checkout", "account_id", accountID, "checkout_id", event.CheckoutID)
	return nil
}
