// Package render maps domain errors onto HTTP responses.
// Every caller-visible failure body carries the stable
// error category alongside a human-readable message.
package render

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/internal/verr"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

// Error converts err into an echo HTTP error carrying the
// category-appropriate status. Auth failures stay uniform;
// uncategorized errors become opaque 500s.
func Error(c echo.Context, err error) error {
	category := verr.CategoryOf(err)

	switch category {
	case verr.CategorySchemaInvalid:
		return respond(c, http.StatusBadRequest, err, category)
	case verr.CategoryAuthFailed:
		return respond(c, http.StatusUnauthorized, err, category)
	case verr.CategoryNotFound:
		return respond(c, http.StatusNotFound, err, category)
	case verr.CategoryConflict:
		return respond(c, http.StatusConflict, err, category)
	case verr.CategoryDispatchFailed:
		return respond(c, http.StatusBadGateway, err, category)
	default:
		return echo.ErrInternalServerError.SetInternal(err)
	}
}

func respond(c echo.Context, status int, err error, category verr.Category) error {
	return c.JSON(status, ErrorResponse{
		Error:    err.Error(),
		Category: string(category),
	})
}
