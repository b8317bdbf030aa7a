package run

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/api/rest/render"
	"github.com/verdex-cloud/verdex/api/rest/service/runsvc"
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/internal/models"
)

// GetResponse is a run plus the backend's current view of
// the job, when one is reachable. The stored status remains
// the source of truth; backend_status is best effort.
type GetResponse struct {
	*models.ValidationRun
	BackendStatus backend.Status `json:"backend_status,omitempty"`
}

// Get returns one run by id.
func (ct *Controller) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	ctx := c.Request().Context()

	r, err := runsvc.Service(ctx, ct.Store).Get(id)
	if err != nil {
		return render.Error(c, err)
	}

	resp := &GetResponse{ValidationRun: r}

	if ct.Backend != nil && !r.Status.Terminal() && r.BackendHandle != "" {
		kind, handleID, _ := strings.Cut(r.BackendHandle, ":")
		status, err := ct.Backend.Status(ctx, &backend.JobHandle{Kind: kind, ID: handleID})
		if err == nil {
			resp.BackendStatus = status
		}
	}

	return c.JSON(http.StatusOK, resp)
}
