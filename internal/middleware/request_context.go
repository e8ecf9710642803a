package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const correlationHeader = "X-Correlation-ID"

type correlationIDKey struct{}

// RequestContext binds a correlation id and, for plain HTTP requests, the request
// deadline to the user context that services receive. Websocket upgrades keep an
// open-ended context since the stream outlives the handshake.
func RequestContext(timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		correlationID := strings.TrimSpace(c.Get(correlationHeader))
		if correlationID == "" {
			correlationID = strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		}
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		c.Locals("correlation_id", correlationID)
		c.Set(correlationHeader, correlationID)

		ctx := ContextWithCorrelation(c.UserContext(), correlationID)
		if timeout > 0 && !websocket.IsWebSocketUpgrade(c) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		c.SetUserContext(ctx)

		return c.Next()
	}
}

// CorrelationIDFromContext extracts the correlation identifier from context, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals("correlation_id").(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

// ContextWithCorrelation attaches the correlation identifier to the provided context.
func ContextWithCorrelation(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" || CorrelationIDFromContext(ctx) == correlationID {
		return ctx
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}
