package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const DBConnKey contextKey = "db_conn"

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchema reports whether name is safe to use as a schema identifier.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// SearchPath returns the SET statement that scopes a connection to schema.
func SearchPath(schema string) string {
	return fmt.Sprintf("SET search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
}

// ConnMiddleware acquires one connection per request, points its search_path
// at schema and stores it on the request context. Repositories pick it up
// through ConnFromContext and fall back to the pool otherwise.
func ConnMiddleware(pool *pgxpool.Pool, schema string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if schema != "public" {
				if _, err := conn.Exec(ctx, SearchPath(schema)); err != nil {
					return echo.NewHTTPError(http.StatusInternalServerError, "schema resolution failed")
				}
			}

			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// EnsureSchema creates schema if missing and applies pending migrations to it.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema, migrationsDir string) (int, error) {
	if !ValidSchema(schema) {
		return 0, fmt.Errorf("invalid schema identifier: %s", schema)
	}

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}

	return NewMigrator(pool, migrationsDir).Up(ctx, schema)
}
