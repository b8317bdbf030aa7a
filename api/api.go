// Package api hosts the HTTP surface: health, metrics, and
// the versioned REST endpoints.
package api

import (
	"fmt"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	rest "github.com/verdex-cloud/verdex/api/rest/v1"
	"github.com/verdex-cloud/verdex/pkg/env"
)

// Start launches Verdex's API.
func Start(deps *rest.Deps) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// health
	e.GET("/health", Health)

	// metrics
	e.Use(echoprometheus.NewMiddleware("verdex"))
	e.GET("/metrics", echoprometheus.NewHandler())

	// REST
	rest.Bind(e.Group("/v1"), deps)

	return e.Start(fmt.Sprintf(":%v", env.Variables().Port))
}
