// Package docker runs validator containers against a local
// Docker socket. Used for self-hosted and single-host
// deployments.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/pkg/log"
)

const handleKind = "docker"

// Limits are the resource constraints applied to every
// validator container at launch time.
type Limits struct {
	MemoryBytes int64
	NanoCPUs    int64
	NetworkMode string
}

type dockerEngine struct {
	backend dockerBackend
	limits  Limits
}

// NewBackend creates a Docker execution backend on the
// local socket.
func NewBackend(limits Limits) (backend.Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, err
	}

	return &dockerEngine{backend: cli, limits: limits}, nil
}

// Trigger pulls the validator image, creates the container
// with the envelope location in its environment and the
// configured resource limits, starts it, and arms a hard
// wall-clock stop at the job timeout.
func (e *dockerEngine) Trigger(ctx context.Context, req *backend.TriggerRequest) (*backend.JobHandle, error) {
	log.Info("pulling validator image", "image", req.Image)

	r, err := e.backend.ImagePull(ctx, req.Image, image.PullOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Error("close docker pull reader", "error", err)
		}
	}()

	if _, err = io.ReadAll(r); err != nil {
		return nil, err
	}

	cfg := &dockercontainer.Config{
		Image:  req.Image,
		Env:    formatEnv(backend.Env(req)),
		Labels: map[string]string{backend.Label: req.RunID.String()},
	}

	hostCfg := &dockercontainer.HostConfig{
		Resources: dockercontainer.Resources{
			Memory:   e.limits.MemoryBytes,
			NanoCPUs: e.limits.NanoCPUs,
		},
	}
	if e.limits.NetworkMode != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(e.limits.NetworkMode)
	}

	name := fmt.Sprintf("verdex-run-%s", req.RunID)

	log.Info("creating validator container", "image", req.Image, "run_id", req.RunID)

	created, err := e.backend.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, err
	}

	if err = e.backend.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		return nil, err
	}

	log.Info(
		"validator container started",
		"image", req.Image,
		"run_id", req.RunID,
		"id", created.ID,
	)

	e.armStop(created.ID, req.Timeout)

	return &backend.JobHandle{Kind: handleKind, ID: created.ID}, nil
}

// Status maps the container state onto the best-effort
// backend status.
func (e *dockerEngine) Status(ctx context.Context, handle *backend.JobHandle) (backend.Status, error) {
	metadata, err := e.backend.ContainerInspect(ctx, handle.ID)
	if err != nil {
		return backend.StatusError, err
	}

	if status, ok := stateMap[metadata.State.Status]; ok {
		return status, nil
	}

	return backend.StatusError, nil
}

// armStop enforces the hard wall-clock timeout. The stop is
// best-effort; the watchdog remains the liveness guarantee
// when the daemon is unreachable.
func (e *dockerEngine) armStop(id string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	go func() {
		<-time.After(timeout)

		stopTimeout := int((10 * time.Second).Seconds())
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		metadata, err := e.backend.ContainerInspect(ctx, id)
		if err != nil || !metadata.State.Running {
			return
		}

		log.Warn("stopping validator container at wall-clock timeout", "id", id)

		if err := e.backend.ContainerStop(ctx, id, dockercontainer.StopOptions{Timeout: &stopTimeout}); err != nil {
			log.Error("timeout stop failure", "id", id, "error", err)
		}
	}()
}

func formatEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return env
}
