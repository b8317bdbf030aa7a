// Package runsvc is the read/cancel service behind the run
// endpoints. Submission goes through the dispatcher; this
// service only exposes lookups and the race-safe cancel.
package runsvc

import (
	"context"

	"github.com/google/uuid"
	"github.com/verdex-cloud/verdex/internal/models"
	"github.com/verdex-cloud/verdex/internal/run"
)

// Run is the service interface the controllers consume.
type Run interface {
	List(req *ListRequest) ([]*models.ValidationRun, error)
	Get(id uuid.UUID) (*models.ValidationRun, error)
	Cancel(id uuid.UUID) (*models.ValidationRun, bool, error)
}

type runService struct {
	ctx   context.Context
	store *run.Store
}

// Service builds a request-scoped run service.
func Service(ctx context.Context, store *run.Store) Run {
	return &runService{ctx: ctx, store: store}
}

// ListRequest filters run listings.
type ListRequest struct {
	OrgID  string
	Status string
	Limit  int
}

func (s *runService) List(req *ListRequest) ([]*models.ValidationRun, error) {
	return s.store.List(s.ctx, &run.ListRequest{
		OrgID:  req.OrgID,
		Status: models.RunStatus(req.Status),
		Limit:  req.Limit,
	})
}

func (s *runService) Get(id uuid.UUID) (*models.ValidationRun, error) {
	return s.store.Get(s.ctx, id)
}

// Cancel applies the conditional terminal write and reports
// whether this request won it. The losing side still gets
// the run back so the caller can see what finished first.
func (s *runService) Cancel(id uuid.UUID) (*models.ValidationRun, bool, error) {
	canceled, err := s.store.Cancel(s.ctx, id)
	if err != nil {
		return nil, false, err
	}

	r, err := s.store.Get(s.ctx, id)
	if err != nil {
		return nil, false, err
	}

	return r, canceled, nil
}
