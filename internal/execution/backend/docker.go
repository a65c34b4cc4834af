package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DockerBackend dispatches steps as detached containers through the docker
// CLI and observes them with docker inspect.
type DockerBackend struct {
	dockerBin    string
	network      string
	pollInterval time.Duration
	timeout      time.Duration
}

type DockerConfig struct {
	DockerBin    string
	Network      string
	PollInterval time.Duration
	Timeout      time.Duration
}

func NewDockerBackend(cfg DockerConfig) (*DockerBackend, error) {
	bin := strings.TrimSpace(cfg.DockerBin)
	if bin == "" {
		bin = "docker"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = "host"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &DockerBackend{
		dockerBin:    bin,
		network:      network,
		pollInterval: poll,
		timeout:      cfg.Timeout,
	}, nil
}

func (b *DockerBackend) Name() string {
	return "docker"
}

func (b *DockerBackend) Dispatch(ctx context.Context, stepExec StepExecution) (Handle, error) {
	if err := stepExec.validate(); err != nil {
		return Handle{}, err
	}
	name := ExecutionName(stepExec.StepRunID)

	args := []string{
		"run",
		"--detach",
		"--name", name,
		"--network", b.network,
	}
	for _, v := range BaseEnv(stepExec) {
		args = append(args, "-e", v.Name+"="+v.Value)
	}
	args = append(args, stepExec.Image)
	args = append(args, stepExec.Command...)
	args = append(args, stepExec.Args...)

	cmd := exec.CommandContext(ctx, b.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return Handle{}, fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return Handle{Backend: b.Name(), ID: name}, nil
}

type dockerState struct {
	Status   string `json:"Status"`
	ExitCode int    `json:"ExitCode"`
}

func (b *DockerBackend) Await(ctx context.Context, handle Handle) (Result, error) {
	if strings.TrimSpace(handle.ID) == "" {
		return Result{}, errors.New("container name is required")
	}

	deadline := time.Time{}
	if b.timeout > 0 {
		deadline = time.Now().Add(b.timeout)
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		state, err := b.inspect(ctx, handle.ID)
		if err != nil {
			return Result{}, err
		}
		switch strings.ToLower(strings.TrimSpace(state.Status)) {
		case "exited", "dead":
			if state.ExitCode == 0 {
				return Result{Success: true}, nil
			}
			return Result{Success: false, Message: fmt.Sprintf("container exited with code %d", state.ExitCode)}, nil
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

func (b *DockerBackend) inspect(ctx context.Context, name string) (dockerState, error) {
	cmd := exec.CommandContext(ctx, b.dockerBin, "inspect", "--format", "{{json .State}}", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return dockerState{}, ErrHandleNotFound
		}
		return dockerState{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}
	var state dockerState
	if err := json.Unmarshal(out, &state); err != nil {
		return dockerState{}, fmt.Errorf("parse docker inspect: %w", err)
	}
	return state, nil
}

func (b *DockerBackend) Cleanup(ctx context.Context, handle Handle) error {
	if strings.TrimSpace(handle.ID) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, b.dockerBin, "rm", "-f", handle.ID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") || strings.Contains(text, "not found") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, text)
	}
	return nil
}
