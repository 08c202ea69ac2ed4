// Command cartsync drives the cart engine from the shell. The guest cart
// lives in a local SQLite file; once logged in, changes go to the account
// cart service.
//
//	cartsync [flags] add <productId> <quantity> -price 4.50 -name Mug
//	cartsync set <productId> <quantity>
//	cartsync remove <productId>
//	cartsync clear | show | checkout
//	cartsync login <accountId>
//	cartsync logout
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fjod/go_cart/cartsync/internal/config"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/engine"
	"github.com/fjod/go_cart/cartsync/internal/guest"
	"github.com/fjod/go_cart/cartsync/internal/logger"
	"github.com/fjod/go_cart/cartsync/internal/remote"
	"github.com/shopspring/decimal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "cartsync:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: cartsync <add|set|remove|clear|show|checkout|login|logout> [args]")
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("missing command")
	}
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, "cartsync", cfg.LogLevel)

	var medium guest.Medium
	db, err := guest.OpenSQLite(ctx, cfg.GuestDBPath)
	if err != nil {
		log.Warn("guest cart file unavailable, using memory", "path", cfg.GuestDBPath, "err", err)
	} else {
		defer db.Close()
		medium = db
	}
	store := guest.NewStore(medium, guest.WithLogger(log))

	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RequestTimeout,
		remote.WithTokenSource(remote.StaticToken(cfg.AccessToken)),
		remote.WithLogger(log))

	session := sessionFile(cfg.SessionPath)
	var e *engine.Engine
	e = engine.New(ctx, store, client,
		engine.WithLogger(log),
		engine.WithMergeAttempts(cfg.MergeAttempts),
		engine.WithConfirmAttempts(cfg.ConfirmAttempts),
		engine.WithAuthFailureHandler(func(ctx context.Context, err error) {
			log.Error("session rejected by cart service, logging out", "err", err)
			if err := e.Logout(context.WithoutCancel(ctx)); err != nil {
				log.Warn("logout after auth failure", "err", err)
			}
			session.forget(log)
		}),
	)

	if accountID := session.load(); accountID != "" {
		if _, err := e.Login(ctx, accountID); err != nil {
			log.Warn("could not restore session", "account_id", accountID, "err", err)
			if errors.Is(err, domain.ErrAuth) {
				session.forget(log)
			}
		}
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "add":
		err = add(ctx, e, rest)
	case "set":
		err = setQuantity(ctx, e, rest)
	case "remove":
		err = remove(ctx, e, rest)
	case "clear":
		err = e.ClearCart(ctx).Wait(ctx)
	case "show":
	case "checkout":
		err = e.CloseCart(ctx)
	case "login":
		err = login(ctx, e, session, rest, out)
	case "logout":
		if err = e.Logout(ctx); err == nil {
			session.forget(log)
		}
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
	if drainErr := e.Drain(ctx); err == nil {
		err = drainErr
	}
	if err != nil {
		return err
	}

	printCart(out, e)
	return nil
}

func add(ctx context.Context, e *engine.Engine, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	price := fs.String("price", "0", "unit price including tax")
	name := fs.String("name", "", "display name")
	image := fs.String("image", "", "image url")
	productID, quantity, err := productAndQuantity(fs, args)
	if err != nil {
		return err
	}
	unitPrice, err := decimal.NewFromString(*price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", *price, err)
	}

	product := domain.Product{ID: productID, Name: *name, ImageURL: *image, UnitPriceTTC: unitPrice}
	return e.AddToCart(ctx, product, quantity).Wait(ctx)
}

func setQuantity(ctx context.Context, e *engine.Engine, args []string) error {
	productID, quantity, err := productAndQuantity(flag.NewFlagSet("set", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	return e.SetQuantity(ctx, productID, quantity).Wait(ctx)
}

func remove(ctx context.Context, e *engine.Engine, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: remove <productId>")
	}
	productID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid product id %q", args[0])
	}
	return e.RemoveFromCart(ctx, productID).Wait(ctx)
}

// productAndQuantity parses "<productId> <quantity> [flags]".
func productAndQuantity(fs *flag.FlagSet, args []string) (int64, int, error) {
	if len(args) < 2 {
		return 0, 0, fmt.Errorf("usage: %s <productId> <quantity>", fs.Name())
	}
	if err := fs.Parse(args[2:]); err != nil {
		return 0, 0, err
	}
	productID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid product id %q", args[0])
	}
	quantity, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid quantity %q", args[1])
	}
	return productID, quantity, nil
}

func login(ctx context.Context, e *engine.Engine, session sessionFile, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: login <accountId>")
	}
	if e.State() == engine.StateAuthenticated {
		if e.AccountID() == args[0] {
			return nil
		}
		if err := e.Logout(ctx); err != nil {
			return err
		}
	}
	report, err := e.Login(ctx, args[0])
	if err != nil {
		return err
	}
	if err := session.save(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(out, "merged %d line(s) into cart %s\n", len(report.Merged), report.CartID)
	for _, u := range report.Unmerged {
		fmt.Fprintf(out, "  not merged: product %d x%d: %v\n", u.Item.ProductID, u.Item.Quantity, u.Err)
	}
	return nil
}

func printCart(out io.Writer, e *engine.Engine) {
	cart := e.Snapshot()
	who := "guest"
	if id := e.AccountID(); id != "" {
		who = "account " + id
	}
	fmt.Fprintf(out, "%s cart (%s)\n", who, e.State())
	for _, item := range cart.Items {
		fmt.Fprintf(out, "  %-6d %-24s %3d x %8s = %8s\n",
			item.ProductID, item.DisplayName, item.Quantity,
			item.UnitPriceTTC.StringFixed(2), item.LineTotal().StringFixed(2))
	}
	fmt.Fprintf(out, "  %d item(s), total %s\n", e.ItemCount(), e.Total().StringFixed(2))
}

type sessionFile string

func (s sessionFile) load() string {
	data, err := os.ReadFile(string(s))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (s sessionFile) save(accountID string) error {
	return os.WriteFile(string(s), []byte(accountID+"\n"), 0o600)
}

func (s sessionFile) forget(log *slog.Logger) {
	if err := os.Remove(string(s)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove session file", "path", string(s), "err", err)
	}
}
