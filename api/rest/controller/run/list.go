package run

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/api/rest/render"
	"github.com/verdex-cloud/verdex/api/rest/service/runsvc"
)

// List returns runs filtered by org, status, and limit.
func (ct *Controller) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	runs, err := runsvc.Service(c.Request().Context(), ct.Store).List(&runsvc.ListRequest{
		OrgID:  c.QueryParam("org_id"),
		Status: c.QueryParam("status"),
		Limit:  limit,
	})
	if err != nil {
		return render.Error(c, err)
	}

	return c.JSON(http.StatusOK, runs)
}
