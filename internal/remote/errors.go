package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/fjod/go_cart/cartsync/internal/domain"
)

var ErrBadRequest = errors.New("bad request")

// Error is returned by every Client call that fails. Kind is one of the
// domain sentinels (ErrNetwork, ErrAuth, ErrConflict, ...) so callers match
// with errors.Is.
type Error struct {
	Kind       error
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func networkError(err error) *Error {
	return &Error{Kind: domain.ErrNetwork, Err: err}
}

// statusError converts a non-2xx response into an *Error.
func statusError(status int, body cartapi.ErrorResponse) *Error {
	e := &Error{StatusCode: status, Code: body.Code, Message: body.Error}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = domain.ErrAuth
	case status == http.StatusConflict:
		e.Kind = domain.ErrConflict
	case status == http.StatusNotFound && body.Code == cartapi.CodeItemNotFound:
		e.Kind = domain.ErrItemNotFound
	case status == http.StatusNotFound:
		e.Kind = domain.ErrCartNotFound
	case status == http.StatusBadRequest && body.Code == cartapi.CodeInvalidQuantity:
		e.Kind = domain.ErrInvalidQuantity
	case status == http.StatusBadRequest:
		e.Kind = ErrBadRequest
	default:
		// 429, 5xx and anything unexpected are transient
		e.Kind = domain.ErrNetwork
	}
	return e
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, domain.ErrNetwork)
}
