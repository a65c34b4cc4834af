package domain

import "testing"

func TestCanTransitionRunStatus(t *testing.T) {
	tests := []struct {
		name    string
		current RunStatus
		next    RunStatus
		want    bool
	}{
		{"queued to running", RunStatusQueued, RunStatusRunning, true},
		{"queued to canceled", RunStatusQueued, RunStatusCanceled, true},
		{"queued to completed", RunStatusQueued, RunStatusCompleted, false},
		{"running to completed", RunStatusRunning, RunStatusCompleted, true},
		{"running to failed", RunStatusRunning, RunStatusFailed, true},
		{"running to canceled", RunStatusRunning, RunStatusCanceled, true},
		{"running to queued", RunStatusRunning, RunStatusQueued, false},
		{"completed is final", RunStatusCompleted, RunStatusRunning, false},
		{"failed is final", RunStatusFailed, RunStatusRunning, false},
		{"canceled is final", RunStatusCanceled, RunStatusRunning, false},
		{"no self transition", RunStatusRunning, RunStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionRunStatus(tt.current, tt.next); got != tt.want {
				t.Fatalf("CanTransitionRunStatus(%q, %q) = %v, want %v", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestCanTransitionStepStatus(t *testing.T) {
	tests := []struct {
		name    string
		current StepStatus
		next    StepStatus
		want    bool
	}{
		{"pending to running", StepStatusPending, StepStatusRunning, true},
		{"pending to cached", StepStatusPending, StepStatusCached, true},
		{"pending to failed", StepStatusPending, StepStatusFailed, true},
		{"pending to completed", StepStatusPending, StepStatusCompleted, false},
		{"running to completed", StepStatusRunning, StepStatusCompleted, true},
		{"running to failed", StepStatusRunning, StepStatusFailed, true},
		{"running to cached", StepStatusRunning, StepStatusCached, false},
		{"cached is final", StepStatusCached, StepStatusRunning, false},
		{"completed is final", StepStatusCompleted, StepStatusFailed, false},
		{"failed is final", StepStatusFailed, StepStatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransitionStepStatus(tt.current, tt.next); got != tt.want {
				t.Fatalf("CanTransitionStepStatus(%q, %q) = %v, want %v", tt.current, tt.next, got, tt.want)
			}
		})
	}
}

func TestStepStatusPredicates(t *testing.T) {
	if !StepStatusCached.Terminal() || !StepStatusCompleted.Terminal() || !StepStatusFailed.Terminal() {
		t.Fatal("cached, completed and failed must be terminal")
	}
	if StepStatusPending.Terminal() || StepStatusRunning.Terminal() {
		t.Fatal("pending and running must not be terminal")
	}
	if !StepStatusCached.Successful() || !StepStatusCompleted.Successful() {
		t.Fatal("cached and completed must be successful")
	}
	if StepStatusFailed.Successful() {
		t.Fatal("failed must not be successful")
	}
}

func TestNormalizeStatuses(t *testing.T) {
	if got := NormalizeRunStatus("  Running "); got != RunStatusRunning {
		t.Fatalf("NormalizeRunStatus = %q, want %q", got, RunStatusRunning)
	}
	if got := NormalizeRunStatus("cancelled"); got != RunStatusCanceled {
		t.Fatalf("NormalizeRunStatus = %q, want %q", got, RunStatusCanceled)
	}
	if got := NormalizeRunStatus("bogus"); got != "" {
		t.Fatalf("NormalizeRunStatus = %q, want empty", got)
	}
	if got := NormalizeStepStatus("CACHED"); got != StepStatusCached {
		t.Fatalf("NormalizeStepStatus = %q, want %q", got, StepStatusCached)
	}
	if got := NormalizeStepStatus("bogus"); got != "" {
		t.Fatalf("NormalizeStepStatus = %q, want empty", got)
	}
}
