// Package sweep exposes the manual sweep trigger for
// operators, behind the worker key.
package sweep

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/internal/sched"
)

// Controller carries the scheduler the sweeps run on.
type Controller struct {
	Scheduler *sched.Scheduler
}

// Response acknowledges a fired sweep.
type Response struct {
	Name  string `json:"name"`
	Fired bool   `json:"fired"`
}

// Post fires a named sweep immediately, outside its
// schedule.
func (ct *Controller) Post(c echo.Context) error {
	name := c.Param("name")

	if err := ct.Scheduler.Fire(c.Request().Context(), name); err != nil {
		if errors.Is(err, sched.ErrUnknownEntry) {
			return echo.ErrNotFound.SetInternal(err)
		}
		return echo.ErrInternalServerError.SetInternal(err)
	}

	return c.JSON(http.StatusOK, Response{Name: name, Fired: true})
}
