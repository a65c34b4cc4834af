package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cascade-labs/cascade-go/internal/domain"
)

func TestExecutionName(t *testing.T) {
	if got := ExecutionName("Step_Run_42"); got != "cascade-step-step-run-42" {
		t.Fatalf("ExecutionName() = %q", got)
	}
}

func TestBaseEnvDropsReservedNames(t *testing.T) {
	env := BaseEnv(StepExecution{
		RunID:     "r1",
		StepRunID: "s1",
		StepName:  "train",
		RunToken:  "tok",
		Env: []domain.EnvVar{
			{Name: "CASCADE_RUN_ID", Value: "spoofed"},
			{Name: "EPOCHS", Value: "10"},
		},
	})

	byName := make(map[string]string, len(env))
	for _, v := range env {
		byName[v.Name] = v.Value
	}
	if byName[EnvRunID] != "r1" {
		t.Fatalf("%s = %q, want r1", EnvRunID, byName[EnvRunID])
	}
	if byName[EnvRunToken] != "tok" {
		t.Fatalf("%s = %q, want tok", EnvRunToken, byName[EnvRunToken])
	}
	if byName["EPOCHS"] != "10" {
		t.Fatalf("EPOCHS = %q, want 10", byName["EPOCHS"])
	}
}

func localExec(command ...string) StepExecution {
	return StepExecution{
		RunID:     "r1",
		StepRunID: "s1",
		StepName:  "step",
		Image:     "unused",
		Command:   command,
	}
}

func TestLocalBackendSuccess(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), time.Minute)

	handle, err := b.Dispatch(context.Background(), localExec("true"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	result, err := b.Await(context.Background(), handle)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if err := b.Cleanup(context.Background(), handle); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestLocalBackendFailure(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), time.Minute)

	handle, err := b.Dispatch(context.Background(), localExec("false"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	result, err := b.Await(context.Background(), handle)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if result.Success {
		t.Fatal("failing command reported success")
	}
}

func TestLocalBackendCleanupKillsRunningStep(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), time.Minute)

	handle, err := b.Dispatch(context.Background(), localExec("sleep", "60"))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if err := b.Cleanup(context.Background(), handle); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestLocalBackendAwaitUnknownHandle(t *testing.T) {
	b := NewLocalBackend(t.TempDir(), time.Minute)
	if _, err := b.Await(context.Background(), Handle{ID: "nope"}); !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("Await() error = %v, want ErrHandleNotFound", err)
	}
}
