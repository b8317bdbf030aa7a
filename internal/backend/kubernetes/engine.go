// Package kubernetes runs validator containers as batch/v1
// Jobs, the managed job-execution variant for cluster
// deployments.
package kubernetes

import (
	"context"
	"fmt"
	"os/user"
	"path/filepath"

	"github.com/verdex-cloud/verdex/internal/backend"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	batchv1client "k8s.io/client-go/kubernetes/typed/batch/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	handleKind = "kubernetes"
	kubeConfig = ".kube/config"

	// completed jobs are garbage-collected by the cluster
	// after this window; results live in blob storage.
	ttlAfterFinishedSeconds int32 = 3600
)

type kubernetesBackend interface {
	batchv1client.JobInterface
}

type kubernetesEngine struct {
	backend   kubernetesBackend
	namespace string
}

var getKubernetesJobs = func(k8sCfg, namespace string) batchv1client.JobInterface {
	config, err := rest.InClusterConfig()
	if err != nil {
		if k8sCfg == "" {
			u, _ := user.Current()
			k8sCfg = filepath.Join(u.HomeDir, kubeConfig)
		} else {
			k8sCfg = filepath.Join(k8sCfg, kubeConfig)
		}

		config, err = clientcmd.BuildConfigFromFlags("", k8sCfg)
		if err != nil {
			panic(err)
		}
	}

	cli, err := kubernetes.NewForConfig(config)
	if err != nil {
		panic(err)
	}

	return cli.BatchV1().Jobs(namespace)
}

// NewBackend creates a Kubernetes execution backend. When
// jobs is provided it overrides the client, which is how
// tests inject a fake.
func NewBackend(k8sCfg, namespace string, jobs ...batchv1client.JobInterface) backend.Backend {
	var b batchv1client.JobInterface

	if len(jobs) > 0 {
		b = jobs[0]
	} else {
		b = getKubernetesJobs(k8sCfg, namespace)
	}

	return &kubernetesEngine{backend: b, namespace: namespace}
}

// Trigger creates a batch Job for the run. The cluster owns
// retry semantics; we disable them (backoff limit zero) so
// a crashed validator surfaces through the watchdog rather
// than re-running with a consumed callback token.
func (e *kubernetesEngine) Trigger(ctx context.Context, req *backend.TriggerRequest) (*backend.JobHandle, error) {
	var (
		backoffLimit   int32 = 0
		ttl                  = ttlAfterFinishedSeconds
		activeDeadline       = int64(req.Timeout.Seconds())
	)

	env := make([]v1.EnvVar, 0, 4)
	for k, v := range backend.Env(req) {
		env = append(env, v1.EnvVar{Name: k, Value: v})
	}

	spec := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("verdex-run-%s", req.RunID),
			Namespace: e.namespace,
			Labels:    map[string]string{backend.Label: req.RunID.String()},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			ActiveDeadlineSeconds:   &activeDeadline,
			TTLSecondsAfterFinished: &ttl,
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{backend.Label: req.RunID.String()},
				},
				Spec: v1.PodSpec{
					RestartPolicy: v1.RestartPolicyNever,
					Containers: []v1.Container{
						{
							Name:            "validator",
							Image:           req.Image,
							Env:             env,
							ImagePullPolicy: v1.PullAlways,
						},
					},
				},
			},
		},
	}

	job, err := e.backend.Create(ctx, spec, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}

	return &backend.JobHandle{Kind: handleKind, ID: job.Name}, nil
}

// Status maps the Job status onto the best-effort backend
// status.
func (e *kubernetesEngine) Status(ctx context.Context, handle *backend.JobHandle) (backend.Status, error) {
	job, err := e.backend.Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		return backend.StatusError, err
	}

	switch {
	case job.Status.Succeeded > 0:
		return backend.StatusDone, nil
	case job.Status.Failed > 0:
		return backend.StatusError, nil
	case job.Status.Active > 0:
		return backend.StatusRunning, nil
	default:
		return backend.StatusPending, nil
	}
}
