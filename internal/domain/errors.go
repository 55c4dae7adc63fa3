package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested entity was not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a uniqueness constraint was hit.
	ErrAlreadyExists = errors.New("already exists")

	ErrCatalogMismatch           = errors.New("catalog mismatch")
	ErrBelowMinimumPrice         = errors.New("below minimum price")
	ErrIneligibleDiscount        = errors.New("ineligible discount")
	ErrDiscountBelowFloor        = errors.New("discount below floor")
	ErrCartFull                  = errors.New("cart full")
	ErrBundleContentsChanged     = errors.New("bundle contents changed")
	ErrCheckoutAlreadyInProgress = errors.New("checkout already in progress")
	ErrPartialFailure            = errors.New("partial failure")

	// ErrPriceChanged is the drift reason when a line's price moved since it was displayed.
	ErrPriceChanged = errors.New("price changed")
	// ErrDiscountChanged is the drift reason when an applied code stopped applying.
	ErrDiscountChanged = errors.New("discount changed")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrChargeFailed    = errors.New("charge failed")
	ErrCartNotAlive    = errors.New("cart is not alive")
	// ErrInvalidInput marks malformed requests (missing ids, negative quantities).
	ErrInvalidInput = errors.New("invalid input")
)

// MismatchError describes which catalog fact no longer matches a cart line.
type MismatchError struct {
	ProductID string
	Reason    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("catalog mismatch for product %s: %s", e.ProductID, e.Reason)
}

func (e *MismatchError) Unwrap() error { return ErrCatalogMismatch }

// Mismatch builds a MismatchError.
func Mismatch(productID, format string, args ...any) error {
	return &MismatchError{ProductID: productID, Reason: fmt.Sprintf(format, args...)}
}

// MinimumPriceError reports a pay-what-you-want amount under the product floor.
type MinimumPriceError struct {
	ProductID    string
	OfferedCents int64
	MinimumCents int64
	Currency     string
}

func (e *MinimumPriceError) Error() string {
	return fmt.Sprintf("price %d %s for product %s is below the minimum of %d", e.OfferedCents, e.Currency, e.ProductID, e.MinimumCents)
}

func (e *MinimumPriceError) Unwrap() error { return ErrBelowMinimumPrice }

// IneligibleError names the offer code that cannot be applied and why.
type IneligibleError struct {
	Code   string
	Reason string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("discount code %q cannot be applied: %s", e.Code, e.Reason)
}

func (e *IneligibleError) Unwrap() error { return ErrIneligibleDiscount }

// FloorError is returned when stacking codes leaves a line priced between zero
// and the currency's minimum chargeable amount.
type FloorError struct {
	Codes        []string
	LineID       string
	Currency     string
	PriceCents   int64
	MinimumCents int64
}

func (e *FloorError) Error() string {
	return fmt.Sprintf("discount %s would price line %s at %d %s, below the minimum of %d",
		strings.Join(e.Codes, ","), e.LineID, e.PriceCents, e.Currency, e.MinimumCents)
}

func (e *FloorError) Unwrap() error { return ErrDiscountBelowFloor }

// SellerFailure records why one seller group could not be charged.
type SellerFailure struct {
	SellerID string
	Currency string
	Reason   string
}

// PartialFailure is returned when at least one seller group settled and at
// least one did not. Settled groups stay valid.
type PartialFailure struct {
	OrderID            string
	SucceededSellerIDs []string
	Failures           []SellerFailure
	RetryCartID        string
}

func (e *PartialFailure) Error() string {
	failed := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		failed = append(failed, f.SellerID+": "+f.Reason)
	}
	return fmt.Sprintf("order %s partially failed (succeeded: %s; failed: %s)",
		e.OrderID, strings.Join(e.SucceededSellerIDs, ","), strings.Join(failed, "; "))
}

func (e *PartialFailure) Unwrap() error { return ErrPartialFailure }

// FailedSellerIDs lists the sellers whose charge did not go through.
func (e *PartialFailure) FailedSellerIDs() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.SellerID)
	}
	return out
}
