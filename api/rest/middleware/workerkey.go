// Package middleware holds the REST middlewares.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"
)

const workerKeyScheme = "Worker-Key "

// WorkerKey guards internal endpoints with a shared key
// carried as "Authorization: Worker-Key <key>". Both sides
// are hashed before comparison so the check is constant
// time regardless of length. Defense in depth; the internal
// surface is expected to also be network-isolated.
func WorkerKey(key string) echo.MiddlewareFunc {
	want := sha256.Sum256([]byte(key))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if key == "" || !strings.HasPrefix(header, workerKeyScheme) {
				return echo.ErrUnauthorized
			}

			got := sha256.Sum256([]byte(strings.TrimPrefix(header, workerKeyScheme)))
			if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
				return echo.ErrUnauthorized
			}

			return next(c)
		}
	}
}
