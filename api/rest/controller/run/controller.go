// Package run holds the run endpoint controllers, one verb
// per file.
package run

import (
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/internal/dispatch"
	runstore "github.com/verdex-cloud/verdex/internal/run"
)

// Controller carries the collaborators the run endpoints
// need.
type Controller struct {
	Dispatcher *dispatch.Dispatcher
	Store      *runstore.Store
	Backend    backend.Backend
}
