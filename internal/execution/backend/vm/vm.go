// Package vm is the remote-VM reference backend: every dispatched step
// provisions exactly one compute instance whose bootstrap script runs the
// step container and then terminates the instance through its own metadata
// identity. Await polls instance state; a step is done when its instance
// leaves the running state.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cascade-labs/cascade-go/internal/execution/backend"
	"github.com/cascade-labs/cascade-go/internal/platform/compute"
	"github.com/cascade-labs/cascade-go/internal/platform/env"
)

const (
	defaultInstanceType = "t2.micro"
	defaultPollInterval = 10 * time.Second
	defaultAwaitTimeout = 30 * time.Minute
)

type Config struct {
	Region      string
	Credentials compute.Credentials

	// ImageID pins the machine image. When empty the newest image matching
	// ImageNameFilter/ImageOwner is used.
	ImageID         string
	ImageNameFilter string
	ImageOwner      string

	InstanceType   string
	SecurityGroups []string
	KeyName        string

	PollInterval time.Duration
	AwaitTimeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	pollInterval, err := env.Duration("CASCADE_VM_POLL_INTERVAL", defaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	awaitTimeout, err := env.Duration("CASCADE_VM_AWAIT_TIMEOUT", defaultAwaitTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Region: env.String("CASCADE_VM_REGION", ""),
		Credentials: compute.Credentials{
			AccessKeyID:     env.String("CASCADE_VM_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.String("CASCADE_VM_SECRET_ACCESS_KEY", ""),
			SessionToken:    env.String("CASCADE_VM_SESSION_TOKEN", ""),
		},
		ImageID:         env.String("CASCADE_VM_IMAGE_ID", ""),
		ImageNameFilter: env.String("CASCADE_VM_IMAGE_NAME_FILTER", "AWS Deep Learning Base AMI*"),
		ImageOwner:      env.String("CASCADE_VM_IMAGE_OWNER", "amazon"),
		InstanceType:    env.String("CASCADE_VM_INSTANCE_TYPE", defaultInstanceType),
		SecurityGroups:  env.StringSlice("CASCADE_VM_SECURITY_GROUPS", nil),
		KeyName:         env.String("CASCADE_VM_KEY_NAME", ""),
		PollInterval:    pollInterval,
		AwaitTimeout:    awaitTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if err := c.Credentials.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ImageID) == "" && strings.TrimSpace(c.ImageNameFilter) == "" {
		return errors.New("image id or image name filter is required")
	}
	return nil
}

// Backend provisions one instance per dispatched step.
type Backend struct {
	provider     Provider
	logger       *slog.Logger
	cfg          Config
	pollInterval time.Duration
	timeout      time.Duration
}

func New(provider Provider, logger *slog.Logger, cfg Config) (*Backend, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.InstanceType) == "" {
		cfg.InstanceType = defaultInstanceType
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	timeout := cfg.AwaitTimeout
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}
	return &Backend{
		provider:     provider,
		logger:       logger,
		cfg:          cfg,
		pollInterval: poll,
		timeout:      timeout,
	}, nil
}

func (b *Backend) Name() string {
	return "vm"
}

func (b *Backend) Dispatch(ctx context.Context, stepExec backend.StepExecution) (backend.Handle, error) {
	imageID, err := b.resolveImage(ctx)
	if err != nil {
		return backend.Handle{}, err
	}

	input := compute.RunInstanceInput{
		Name:           backend.ExecutionName(stepExec.StepRunID),
		ImageID:        imageID,
		InstanceType:   b.cfg.InstanceType,
		UserData:       b.bootstrapScript(stepExec),
		SecurityGroups: b.cfg.SecurityGroups,
		KeyName:        b.cfg.KeyName,
	}

	instance, err := b.provider.RunInstance(ctx, input)
	if err != nil {
		return backend.Handle{}, fmt.Errorf("provision instance: %w", err)
	}
	b.logger.Info("vm instance provisioned",
		"step_run_id", stepExec.StepRunID,
		"instance_id", instance.InstanceID,
		"image_id", imageID,
		"instance_type", b.cfg.InstanceType,
	)
	return backend.Handle{Backend: b.Name(), ID: instance.InstanceID}, nil
}

// resolveImage returns the configured image id, or the single most recently
// created image matching the name filter.
func (b *Backend) resolveImage(ctx context.Context) (string, error) {
	if id := strings.TrimSpace(b.cfg.ImageID); id != "" {
		return id, nil
	}
	images, err := b.provider.DescribeImages(ctx, compute.ImageFilter{
		NamePattern: b.cfg.ImageNameFilter,
		Owner:       b.cfg.ImageOwner,
	})
	if err != nil {
		return "", fmt.Errorf("describe images: %w", err)
	}
	if len(images) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoMatchingImage, b.cfg.ImageNameFilter)
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].CreationDate.After(images[j].CreationDate)
	})
	return images[0].ImageID, nil
}

// bootstrapScript renders the user-data script: a minimal credentials file
// scoped to the backend's region, the step container run, then
// self-termination through the instance-metadata identity. The common path
// needs no provider-side deletion call; Cleanup covers the failure path.
func (b *Backend) bootstrapScript(stepExec backend.StepExecution) string {
	region := strings.TrimSpace(b.cfg.Region)

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	sb.WriteString("mkdir -p /tmp/cascade_config\n")
	sb.WriteString("cat > /tmp/cascade_config/credentials <<'EOF'\n")
	sb.WriteString("[default]\n")
	sb.WriteString("aws_access_key_id = " + b.cfg.Credentials.AccessKeyID + "\n")
	sb.WriteString("aws_secret_access_key = " + b.cfg.Credentials.SecretAccessKey + "\n")
	if token := strings.TrimSpace(b.cfg.Credentials.SessionToken); token != "" {
		sb.WriteString("aws_session_token = " + token + "\n")
	}
	sb.WriteString("region = " + region + "\n")
	sb.WriteString("EOF\n")

	sb.WriteString("sudo HOME=/home/root docker run --net=host")
	sb.WriteString(" -v /tmp/cascade_config:/root/.aws")
	for _, v := range backend.BaseEnv(stepExec) {
		sb.WriteString(" --env " + shellQuote(v.Name+"="+v.Value))
	}
	sb.WriteString(" " + shellQuote(stepExec.Image))
	for _, part := range append(append([]string(nil), stepExec.Command...), stepExec.Args...) {
		sb.WriteString(" " + shellQuote(part))
	}
	sb.WriteString("\n")

	sb.WriteString("instanceId=$(curl -s http://169.254.169.254/latest/meta-data/instance-id)\n")
	sb.WriteString("/usr/bin/aws ec2 terminate-instances --instance-ids $instanceId --region " + region + "\n")
	return sb.String()
}

// Await polls the instance until it leaves the running state. The bootstrap
// script terminates the instance on container exit, so a non-running state
// is the completion signal; a timeout force-terminates through Cleanup and
// reports failure.
func (b *Backend) Await(ctx context.Context, handle backend.Handle) (backend.Result, error) {
	instanceID := strings.TrimSpace(handle.ID)
	if instanceID == "" {
		return backend.Result{}, errors.New("instance id is required")
	}

	deadline := time.Now().Add(b.timeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	lastState := ""
	for {
		instance, err := b.provider.DescribeInstance(ctx, instanceID)
		switch {
		case errors.Is(err, compute.ErrInstanceNotFound):
			// Terminated instances age out of describe results.
			return backend.Result{Success: true}, nil
		case err != nil:
			return backend.Result{}, fmt.Errorf("describe instance: %w", err)
		}

		if instance.State != lastState {
			// Best-effort log surface; no ordering guarantee beyond
			// delivery before Await returns.
			b.logger.Debug("vm instance state", "instance_id", instanceID, "state", instance.State)
			lastState = instance.State
		}

		switch instance.State {
		case compute.StateShuttingDown, compute.StateTerminated:
			return backend.Result{Success: true}, nil
		case compute.StateStopped, compute.StateStopping:
			return backend.Result{Success: false, Message: "instance stopped without self-terminating"}, nil
		}

		if time.Now().After(deadline) {
			if cleanupErr := b.Cleanup(ctx, handle); cleanupErr != nil {
				b.logger.Error("vm cleanup after timeout failed", "instance_id", instanceID, "error", cleanupErr)
			}
			return backend.Result{}, fmt.Errorf("instance %s still %s after %s: %w", instanceID, instance.State, b.timeout, backend.ErrAwaitTimeout)
		}

		select {
		case <-ctx.Done():
			return backend.Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cleanup force-terminates the instance. Missing instances are fine: the
// bootstrap script normally tears the instance down itself.
func (b *Backend) Cleanup(ctx context.Context, handle backend.Handle) error {
	instanceID := strings.TrimSpace(handle.ID)
	if instanceID == "" {
		return nil
	}
	err := b.provider.TerminateInstance(ctx, instanceID)
	if err == nil || errors.Is(err, compute.ErrInstanceNotFound) {
		return nil
	}
	return fmt.Errorf("terminate instance: %w", err)
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$`&|;<>(){}*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
