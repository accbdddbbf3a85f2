package audit

import (
	"context"

	"github.com/labstack/echo/v4"
)

type ctxKey struct{}

// ClientIP stores the caller's address on the request context so audit
// entries written deep in a service can record it.
func ClientIP() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), ctxKey{}, c.RealIP())
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxKey{}).(string)
	return ip
}
