package run

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/api/rest/render"
)

// HeaderIdempotencyKey shields retried submissions from
// duplicate dispatch.
const HeaderIdempotencyKey = "Idempotency-Key"

// Post submits an input envelope for dispatch. Returns 201
// with the new run, or 200 with the existing run when the
// idempotency key resolved the submission.
func (ct *Controller) Post(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	res, err := ct.Dispatcher.Dispatch(
		c.Request().Context(),
		body,
		c.Request().Header.Get(HeaderIdempotencyKey),
		"",
	)
	if err != nil {
		return render.Error(c, err)
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}

	return c.JSON(status, res.Run)
}
