package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront-checkout/internal/domain"
	checkoutsvc "storefront-checkout/internal/service/checkout"
	guestsvc "storefront-checkout/internal/service/guest"
)

var errUnauthenticated = errors.New("a user id or guest token is required")

type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	LineID       string `json:"lineId,omitempty"`
	DiscountCode string `json:"discountCode,omitempty"`
	ProductID    string `json:"productId,omitempty"`
	MinimumCents int64  `json:"minimumCents,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Ordered: the first match wins.
var errorMappings = []errorMapping{
	{errUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{guestsvc.ErrInvalidToken, http.StatusUnauthorized, "invalid_guest_token"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrCatalogMismatch, http.StatusConflict, "catalog_mismatch"},
	{domain.ErrBelowMinimumPrice, http.StatusUnprocessableEntity, "below_minimum_price"},
	{domain.ErrIneligibleDiscount, http.StatusUnprocessableEntity, "ineligible_discount"},
	{domain.ErrDiscountBelowFloor, http.StatusUnprocessableEntity, "discount_below_floor"},
	{domain.ErrCartFull, http.StatusConflict, "cart_full"},
	{domain.ErrBundleContentsChanged, http.StatusConflict, "bundle_contents_changed"},
	{domain.ErrCheckoutAlreadyInProgress, http.StatusConflict, "checkout_in_progress"},
	{domain.ErrPriceChanged, http.StatusConflict, "price_changed"},
	{domain.ErrDiscountChanged, http.StatusConflict, "discount_changed"},
	{domain.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
	{domain.ErrCartNotAlive, http.StatusConflict, "cart_not_alive"},
	{domain.ErrChargeFailed, http.StatusPaymentRequired, "charge_failed"},
}

func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	body := errorBody{Code: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		body.Message = "internal error"
	}

	var (
		rej        *checkoutsvc.Rejection
		inelig     *domain.IneligibleError
		belowPrice *domain.MinimumPriceError
		floor      *domain.FloorError
		mismatch   *domain.MismatchError
	)
	switch {
	case errors.As(err, &rej):
		body.LineID = rej.LineID
		body.DiscountCode = rej.Code
	case errors.As(err, &inelig):
		body.DiscountCode = inelig.Code
	case errors.As(err, &belowPrice):
		body.ProductID = belowPrice.ProductID
		body.MinimumCents = belowPrice.MinimumCents
	case errors.As(err, &floor):
		body.LineID = floor.LineID
		body.MinimumCents = floor.MinimumCents
	case errors.As(err, &mismatch):
		body.ProductID = mismatch.ProductID
	}
	c.JSON(status, gin.H{"error": body})
}
