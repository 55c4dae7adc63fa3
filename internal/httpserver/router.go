package httpserver

import (
	"context"
	"errors"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
	cartsvc "storefront-checkout/internal/service/cart"
	checkoutsvc "storefront-checkout/internal/service/checkout"
	guestsvc "storefront-checkout/internal/service/guest"
)

type cartService interface {
	Get(ctx context.Context, owner domain.Owner) (*cartsvc.View, error)
	AddLine(ctx context.Context, owner domain.Owner, in cartsvc.AddLineInput) (*cartsvc.View, error)
	UpdateLine(ctx context.Context, owner domain.Owner, lineID string, in cartsvc.UpdateLineInput) (*cartsvc.View, error)
	RemoveLine(ctx context.Context, owner domain.Owner, lineID string) (*cartsvc.View, error)
	ApplyCode(ctx context.Context, owner domain.Owner, code string, source domain.CodeSource) (*cartsvc.View, error)
	RemoveCode(ctx context.Context, owner domain.Owner, code string) (*cartsvc.View, error)
	MergeGuestIntoUser(ctx context.Context, guestID, userID string) (*cartsvc.View, error)
}

type checkoutService interface {
	Submit(ctx context.Context, req checkoutsvc.Request) (*checkoutsvc.Outcome, error)
}

type catalogService interface {
	Get(ctx context.Context, id string) (*domain.Product, error)
	ListBySeller(ctx context.Context, sellerID string) ([]domain.Product, error)
}

type guestService interface {
	Issue(ctx context.Context) (*guestsvc.Session, error)
	Lookup(ctx context.Context, token string) (string, error)
}

// Deps are the services the routes call into.
type Deps struct {
	Carts       cartService
	Checkout    checkoutService
	Guests      guestService
	Catalog     catalogService
	CORSOrigins []string
}

// buildRouter wires routes for the API.
func buildRouter(logger zerolog.Logger, db Pinger, deps Deps) (*gin.Engine, error) {
	if deps.Carts == nil || deps.Checkout == nil || deps.Guests == nil || deps.Catalog == nil {
		return nil, errors.New("httpserver: cart, checkout, guest and catalog services are required")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery(), cors.New(corsConfig(deps.CORSOrigins)))

	router.GET("/healthz", healthHandler)
	router.GET("/readyz", readyHandler(db))

	h := &handlers{carts: deps.Carts, checkout: deps.Checkout, guests: deps.Guests, catalog: deps.Catalog, logger: logger}
	router.POST("/guest-sessions", h.createGuestSession)
	router.GET("/products/:productID", h.getProduct)
	router.GET("/sellers/:sellerID/products", h.listSellerProducts)

	authed := router.Group("/", identityMiddleware(deps.Guests))
	authed.GET("/cart", h.getCart)
	authed.POST("/cart/lines", h.addLine)
	authed.PATCH("/cart/lines/:lineID", h.updateLine)
	authed.DELETE("/cart/lines/:lineID", h.removeLine)
	authed.POST("/cart/codes", h.applyCode)
	authed.DELETE("/cart/codes/:code", h.removeCode)
	authed.POST("/cart/merge", h.mergeCart)
	authed.POST("/checkout", h.submitCheckout)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", userHeader, guestHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
