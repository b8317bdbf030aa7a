// Package callback holds the callback ingestion controller.
package callback

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/api/rest/render"
	"github.com/verdex-cloud/verdex/internal/receiver"
)

const bearerScheme = "Bearer "

// Controller carries the callback receiver.
type Controller struct {
	Receiver *receiver.Receiver
}

// Request is the callback body posted by validator
// containers. The result envelope itself stays in blob
// storage; only its URI travels here.
type Request struct {
	RunID      uuid.UUID `json:"run_id"`
	CallbackID string    `json:"callback_id"`
	Status     string    `json:"status"`
	ResultURI  string    `json:"result_uri,omitempty"`
}

// Response reports how the delivery was handled.
type Response struct {
	RunID   uuid.UUID `json:"run_id"`
	Status  string    `json:"status"`
	Outcome string    `json:"outcome"`
}

// Post ingests one callback. Replays and terminal no-ops
// return 200 like first deliveries; redelivering validators
// must never interpret success as failure.
func (ct *Controller) Post(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return echo.ErrBadRequest.SetInternal(err)
	}

	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if !strings.HasPrefix(header, bearerScheme) {
		return echo.ErrUnauthorized
	}

	outcome, err := ct.Receiver.Handle(c.Request().Context(), &receiver.Callback{
		RunID:      req.RunID,
		CallbackID: req.CallbackID,
		Status:     req.Status,
		ResultURI:  req.ResultURI,
		Token:      strings.TrimPrefix(header, bearerScheme),
	})
	if err != nil {
		return render.Error(c, err)
	}

	return c.JSON(http.StatusOK, Response{
		RunID:   outcome.Run.ID,
		Status:  string(outcome.Run.Status),
		Outcome: label(outcome),
	})
}

func label(o *receiver.Outcome) string {
	switch {
	case o.Replayed:
		return "replayed"
	case o.Applied:
		return "applied"
	default:
		return "noop_terminal"
	}
}
