package run

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/api/rest/render"
	"github.com/verdex-cloud/verdex/api/rest/service/runsvc"
)

// Cancel requests cancellation. 200 with the run when this
// request won the terminal write, 409 with the run when it
// already finished some other way.
func (ct *Controller) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	r, canceled, err := runsvc.Service(c.Request().Context(), ct.Store).Cancel(id)
	if err != nil {
		return render.Error(c, err)
	}

	if !canceled {
		return c.JSON(http.StatusConflict, r)
	}

	return c.JSON(http.StatusOK, r)
}
