package docker

import (
	"context"
	"io"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/verdex-cloud/verdex/internal/backend"
)

var (
	stateMap = map[string]backend.Status{
		"created":    backend.StatusPending,
		"running":    backend.StatusRunning,
		"paused":     backend.StatusError, // a validator should never be paused
		"restarting": backend.StatusError, // a validator should never be restarting
		"removing":   backend.StatusDone,
		"exited":     backend.StatusDone,
		"dead":       backend.StatusError,
	}
)

// dockerBackend is the narrow slice of the Docker SDK the
// engine needs, so tests can substitute a mock daemon.
type dockerBackend interface {
	ContainerInspect(context.Context, string) (dockercontainer.InspectResponse, error)
	ContainerCreate(context.Context, *dockercontainer.Config, *dockercontainer.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (dockercontainer.CreateResponse, error)
	ContainerStart(context.Context, string, dockercontainer.StartOptions) error
	ContainerStop(context.Context, string, dockercontainer.StopOptions) error
	ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error)
}
