package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"storefront-checkout/internal/domain"
)

const (
	// userHeader carries the authenticated user id set by the upstream gateway.
	userHeader      = "X-User-ID"
	guestHeader     = "X-Guest-Token"
	requestIDHeader = "X-Request-ID"
)

type ctxKey string

const identityCtxKey ctxKey = "identity"

// identity is who is calling. Owner is the user when logged in, otherwise the
// guest. GuestID is kept separately so login can merge the guest cart.
type identity struct {
	Owner   domain.Owner
	GuestID string
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		c.Next()

		ev := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request completed")
	}
}

// identityMiddleware resolves the caller from the user header or the guest
// token. Requests with neither are rejected.
func identityMiddleware(guests guestService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var id identity
		if token := strings.TrimSpace(c.GetHeader(guestHeader)); token != "" {
			guestID, err := guests.Lookup(c.Request.Context(), token)
			if err != nil {
				writeError(c, err)
				c.Abort()
				return
			}
			id.GuestID = guestID
			id.Owner = domain.Owner{GuestID: guestID}
		}
		if userID := strings.TrimSpace(c.GetHeader(userHeader)); userID != "" {
			id.Owner = domain.Owner{UserID: userID}
		}
		if id.Owner.IsZero() {
			writeError(c, errUnauthenticated)
			c.Abort()
			return
		}
		ctx := context.WithValue(c.Request.Context(), identityCtxKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func identityFrom(c *gin.Context) identity {
	id, _ := c.Request.Context().Value(identityCtxKey).(identity)
	return id
}
