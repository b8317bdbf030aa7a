// Package rest binds the v1 REST endpoints.
package rest

import (
	"github.com/labstack/echo/v4"
	"github.com/verdex-cloud/verdex/api/rest/controller/callback"
	"github.com/verdex-cloud/verdex/api/rest/controller/key"
	runctl "github.com/verdex-cloud/verdex/api/rest/controller/run"
	"github.com/verdex-cloud/verdex/api/rest/controller/sweep"
	"github.com/verdex-cloud/verdex/api/rest/middleware"
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/internal/dispatch"
	"github.com/verdex-cloud/verdex/internal/receiver"
	"github.com/verdex-cloud/verdex/internal/run"
	"github.com/verdex-cloud/verdex/internal/sched"
	"github.com/verdex-cloud/verdex/internal/token"
)

// Deps are the collaborators the v1 surface is built from.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Receiver   *receiver.Receiver
	Store      *run.Store
	Backend    backend.Backend
	Tokens     *token.Service
	Scheduler  *sched.Scheduler
	WorkerKey  string
}

// Bind the REST endpoints to the versioned endpoint group.
func Bind(g *echo.Group, deps *Deps) {
	// runs
	{
		ctl := &runctl.Controller{
			Dispatcher: deps.Dispatcher,
			Store:      deps.Store,
			Backend:    deps.Backend,
		}
		g.POST("/runs", ctl.Post)
		g.GET("/runs", ctl.List)
		g.GET("/runs/:id", ctl.Get)
		g.POST("/runs/:id/cancel", ctl.Cancel)
	}

	// callbacks
	{
		ctl := &callback.Controller{Receiver: deps.Receiver}
		g.POST("/callbacks", ctl.Post)
	}

	// verification keys
	{
		ctl := &key.Controller{Tokens: deps.Tokens}
		g.GET("/keys", ctl.Get)
	}

	// internal
	{
		ctl := &sweep.Controller{Scheduler: deps.Scheduler}
		internal := g.Group("/internal", middleware.WorkerKey(deps.WorkerKey))
		internal.POST("/sweeps/:name", ctl.Post)
	}
}
