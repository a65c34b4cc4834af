package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cascade-labs/cascade-go/internal/platform/k8s"
)

// KubernetesBackend dispatches steps as batch/v1 Jobs with backoffLimit 0:
// one pod attempt per step run, retry policy belongs to the caller.
type KubernetesBackend struct {
	client         *k8s.Client
	namespace      string
	jobTTLSeconds  int32
	serviceAccount string
	pollInterval   time.Duration
	timeout        time.Duration
}

type KubernetesConfig struct {
	Namespace      string
	JobTTLSeconds  int32
	ServiceAccount string
	PollInterval   time.Duration
	Timeout        time.Duration
}

func NewKubernetesBackend(client *k8s.Client, cfg KubernetesConfig) (*KubernetesBackend, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if cfg.JobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &KubernetesBackend{
		client:         client,
		namespace:      namespace,
		jobTTLSeconds:  cfg.JobTTLSeconds,
		serviceAccount: strings.TrimSpace(cfg.ServiceAccount),
		pollInterval:   poll,
		timeout:        cfg.Timeout,
	}, nil
}

func (b *KubernetesBackend) Name() string {
	return "kubernetes"
}

func (b *KubernetesBackend) Dispatch(ctx context.Context, stepExec StepExecution) (Handle, error) {
	if err := stepExec.validate(); err != nil {
		return Handle{}, err
	}
	jobName := ExecutionName(stepExec.StepRunID)

	labels := map[string]string{
		"app.kubernetes.io/name":      "cascade",
		"app.kubernetes.io/component": "step-job",
		"cascade.run_id":              stepExec.RunID,
		"cascade.step_run_id":         stepExec.StepRunID,
	}

	container := k8s.Container{
		Name:    "step",
		Image:   stepExec.Image,
		Command: append([]string(nil), stepExec.Command...),
		Args:    append([]string(nil), stepExec.Args...),
	}
	for _, v := range BaseEnv(stepExec) {
		container.Env = append(container.Env, k8s.EnvVar{Name: v.Name, Value: v.Value})
	}

	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if b.serviceAccount != "" {
		podSpec.ServiceAccountName = b.serviceAccount
	}

	backoff := int32(0)
	var ttl *int32
	if b.jobTTLSeconds > 0 {
		ttl = &b.jobTTLSeconds
	}

	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      jobName,
			Namespace: b.namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}

	if err := b.client.CreateJob(ctx, b.namespace, job); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return Handle{}, fmt.Errorf("create step job: %w", err)
	}
	return Handle{Backend: b.Name(), ID: jobName}, nil
}

func (b *KubernetesBackend) Await(ctx context.Context, handle Handle) (Result, error) {
	if strings.TrimSpace(handle.ID) == "" {
		return Result{}, errors.New("job name is required")
	}

	deadline := time.Time{}
	if b.timeout > 0 {
		deadline = time.Now().Add(b.timeout)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		job, err := b.client.GetJob(ctx, b.namespace, handle.ID)
		if errors.Is(err, k8s.ErrNotFound) {
			return Result{}, ErrHandleNotFound
		}
		if err != nil {
			return Result{}, fmt.Errorf("get step job: %w", err)
		}
		if result, terminal := jobOutcome(job); terminal {
			return result, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return Result{}, ErrAwaitTimeout
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobOutcome(job k8s.Job) (Result, bool) {
	for _, cond := range job.Status.Conditions {
		if !strings.EqualFold(cond.Status, "True") {
			continue
		}
		switch cond.Type {
		case "Complete":
			return Result{Success: true}, true
		case "Failed":
			message := strings.TrimSpace(cond.Message)
			if message == "" {
				message = strings.TrimSpace(cond.Reason)
			}
			if message == "" {
				message = "job failed"
			}
			return Result{Success: false, Message: message}, true
		}
	}
	return Result{}, false
}

func (b *KubernetesBackend) Cleanup(ctx context.Context, handle Handle) error {
	if strings.TrimSpace(handle.ID) == "" {
		return nil
	}
	err := b.client.DeleteJob(ctx, b.namespace, handle.ID)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("delete step job: %w", err)
}
