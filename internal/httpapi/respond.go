package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjod/go_cart/cartsync/internal/cartapi"
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/service"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, cartapi.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func respondCart(w http.ResponseWriter, cart *domain.Cart) {
	respondJSON(w, http.StatusOK, cartapi.CartResponse{Cart: cartapi.FromDomain(cart)})
}

// statusFor maps service errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest, cartapi.CodeInvalidQuantity
	case errors.Is(err, service.ErrInvalidProduct),
		errors.Is(err, service.ErrInvalidPrice),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrMissingAccount):
		return http.StatusBadRequest, cartapi.CodeInvalidRequest
	case errors.Is(err, domain.ErrItemNotFound):
		return http.StatusNotFound, cartapi.CodeItemNotFound
	case errors.Is(err, domain.ErrCartNotFound):
		return http.StatusNotFound, cartapi.CodeCartNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, cartapi.CodeCartNotActive
	default:
		return http.StatusInternalServerError, cartapi.CodeInternal
	}
}

func (h *CartHandler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "request failed", "err", err)
		respondError(w, status, code, "internal server error")
		return
	}
	respondError(w, status, code, err.Error())
}
