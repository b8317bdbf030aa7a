// Package runtime builds the configured collaborators from
// the environment. Both the API process and the queue worker
// wire themselves through these builders.
package runtime

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/verdex-cloud/verdex/internal/backend"
	"github.com/verdex-cloud/verdex/internal/backend/docker"
	"github.com/verdex-cloud/verdex/internal/backend/kubernetes"
	"github.com/verdex-cloud/verdex/internal/backend/queue"
	"github.com/verdex-cloud/verdex/internal/blob"
	"github.com/verdex-cloud/verdex/internal/token"
	"github.com/verdex-cloud/verdex/pkg/env"
	"github.com/verdex-cloud/verdex/pkg/log"
)

// Backend kinds selectable through the environment.
const (
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
	BackendQueue      = "queue"
)

// BuildSigner returns the Vault transit signer when Vault is
// configured, otherwise a process-local key. The local key
// is for development: it does not survive restarts, so
// outstanding tokens die with the process.
func BuildSigner(ctx context.Context, vars env.Environment) (token.Signer, error) {
	if vars.VaultAddr != "" {
		signer, err := token.NewVaultSigner(ctx, vars.VaultAddr, vars.VaultToken, vars.VaultTransitKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to configure vault signer")
		}
		log.Info("callback tokens signed via vault transit", "key", vars.VaultTransitKey)
		return signer, nil
	}

	log.Warn("vault not configured, using ephemeral signing key")
	return token.NewStaticSigner()
}

// BuildTokens assembles the callback token service.
func BuildTokens(ctx context.Context, vars env.Environment) (*token.Service, error) {
	signer, err := BuildSigner(ctx, vars)
	if err != nil {
		return nil, err
	}

	return token.NewService(signer, vars.TokenGrace, vars.TokenMaxTTL), nil
}

// BuildBlob connects the envelope blob store.
func BuildBlob(ctx context.Context, vars env.Environment) (blob.Store, error) {
	return blob.NewMinioStore(ctx, blob.Config{
		Endpoint:  vars.BlobEndpoint,
		AccessKey: vars.BlobAccessKey,
		SecretKey: vars.BlobSecretKey,
		Bucket:    vars.BlobBucket,
		Region:    vars.BlobRegion,
		UseSSL:    vars.BlobUseSSL,
	})
}

// BuildDirectBackend builds a backend that starts jobs
// itself, never the queue indirection. The queue consumer
// delegates here.
func BuildDirectBackend(kind string, vars env.Environment) (backend.Backend, error) {
	switch kind {
	case BackendDocker:
		return docker.NewBackend(docker.Limits{
			MemoryBytes: vars.DockerMemoryBytes,
			NanoCPUs:    vars.DockerNanoCPUs,
			NetworkMode: vars.DockerNetworkMode,
		})
	case BackendKubernetes:
		return kubernetes.NewBackend(vars.KubernetesConfig, vars.KubernetesNamespace), nil
	default:
		return nil, errors.Errorf("unknown execution backend %q", kind)
	}
}

// BuildBackend builds the backend the dispatcher triggers,
// including the queue variant.
func BuildBackend(vars env.Environment) (backend.Backend, error) {
	if vars.Backend != BackendQueue {
		return BuildDirectBackend(vars.Backend, vars)
	}

	ch, err := DialQueue(vars)
	if err != nil {
		return nil, err
	}

	return queue.NewBackend(ch, vars.QueueName, vars.DispatchDeadline)
}

// DialQueue opens an AMQP channel to the dispatch broker.
func DialQueue(vars env.Environment) (*amqp.Channel, error) {
	conn, err := amqp.Dial(vars.QueueURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to dispatch broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open dispatch channel")
	}

	return ch, nil
}

// BuildLocks returns the scheduler leader-lock client, or
// nil when redis is not configured.
func BuildLocks(vars env.Environment) *redis.Client {
	if vars.RedisAddr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     vars.RedisAddr,
		Password: vars.RedisPassword,
	})
}
