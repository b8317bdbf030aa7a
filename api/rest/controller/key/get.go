// Package key publishes the callback verification key set.
package key

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/internal/token"
)

// Controller carries the token service.
type Controller struct {
	Tokens *token.Service
}

// Response is the published key set, JWK-shaped.
type Response struct {
	Keys []token.Key `json:"keys"`
}

// Get returns every key a valid outstanding token may be
// signed with. Key ids are content-derived, so consumers can
// cache aggressively and refetch only on an unknown kid.
func (ct *Controller) Get(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "max-age=300")

	return c.JSON(http.StatusOK, Response{Keys: ct.Tokens.KeySet()})
}
