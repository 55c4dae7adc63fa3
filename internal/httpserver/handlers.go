package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
	cartsvc "storefront-checkout/internal/service/cart"
	checkoutsvc "storefront-checkout/internal/service/checkout"
)

type handlers struct {
	carts    cartService
	checkout checkoutService
	guests   guestService
	catalog  catalogService
	logger   zerolog.Logger
}

type guestSessionResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *handlers) createGuestSession(c *gin.Context) {
	sess, err := h.guests.Issue(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, guestSessionResponse{Token: sess.Token, ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339)})
}

func (h *handlers) getProduct(c *gin.Context) {
	p, err := h.catalog.Get(c.Request.Context(), c.Param("productID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *handlers) listSellerProducts(c *gin.Context) {
	items, err := h.catalog.ListBySeller(c.Request.Context(), c.Param("sellerID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": items, "count": len(items)})
}

func (h *handlers) getCart(c *gin.Context) {
	view, err := h.carts.Get(c.Request.Context(), identityFrom(c).Owner)
	respondView(c, view, err)
}

func (h *handlers) addLine(c *gin.Context) {
	var in cartsvc.AddLineInput
	if !bind(c, &in) {
		return
	}
	view, err := h.carts.AddLine(c.Request.Context(), identityFrom(c).Owner, in)
	respondView(c, view, err)
}

func (h *handlers) updateLine(c *gin.Context) {
	var in cartsvc.UpdateLineInput
	if !bind(c, &in) {
		return
	}
	view, err := h.carts.UpdateLine(c.Request.Context(), identityFrom(c).Owner, c.Param("lineID"), in)
	respondView(c, view, err)
}

func (h *handlers) removeLine(c *gin.Context) {
	view, err := h.carts.RemoveLine(c.Request.Context(), identityFrom(c).Owner, c.Param("lineID"))
	respondView(c, view, err)
}

type applyCodeRequest struct {
	Code   string            `json:"code"`
	Source domain.CodeSource `json:"source"`
}

func (h *handlers) applyCode(c *gin.Context) {
	var in applyCodeRequest
	if !bind(c, &in) {
		return
	}
	switch in.Source {
	case "":
		in.Source = domain.CodeSourceManual
	case domain.CodeSourceManual, domain.CodeSourceURL:
	default:
		writeError(c, fmt.Errorf("%w: unknown code source %q", domain.ErrInvalidInput, in.Source))
		return
	}
	view, err := h.carts.ApplyCode(c.Request.Context(), identityFrom(c).Owner, in.Code, in.Source)
	respondView(c, view, err)
}

func (h *handlers) removeCode(c *gin.Context) {
	view, err := h.carts.RemoveCode(c.Request.Context(), identityFrom(c).Owner, c.Param("code"))
	respondView(c, view, err)
}

// mergeCart folds the guest cart named by the guest token into the user's
// cart. Both headers must be present.
func (h *handlers) mergeCart(c *gin.Context) {
	id := identityFrom(c)
	if id.Owner.UserID == "" || id.GuestID == "" {
		writeError(c, fmt.Errorf("%w: merge needs both %s and %s", domain.ErrInvalidInput, userHeader, guestHeader))
		return
	}
	view, err := h.carts.MergeGuestIntoUser(c.Request.Context(), id.GuestID, id.Owner.UserID)
	respondView(c, view, err)
}

type checkoutRequest struct {
	ExpectedTotals map[string]int64 `json:"expectedTotals,omitempty"`
	PaymentMethod  string           `json:"paymentMethod,omitempty"`
}

func (h *handlers) submitCheckout(c *gin.Context) {
	var in checkoutRequest
	if c.Request.ContentLength != 0 && !bind(c, &in) {
		return
	}
	out, err := h.checkout.Submit(c.Request.Context(), checkoutsvc.Request{
		Owner:          identityFrom(c).Owner,
		ExpectedTotals: in.ExpectedTotals,
		PaymentMethod:  in.PaymentMethod,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	resp := toCheckoutResponse(out.Result)
	if out.Result.Failure != nil {
		h.logger.Warn().Str("order_id", out.Result.Order.ID).Strs("failed_sellers", out.Result.Failure.FailedSellerIDs()).Msg("checkout partially failed")
		c.JSON(http.StatusMultiStatus, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return false
	}
	return true
}

func respondView(c *gin.Context, view *cartsvc.View, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if view == nil {
		writeError(c, errors.New("cart service returned no view"))
		return
	}
	c.JSON(http.StatusOK, view)
}
