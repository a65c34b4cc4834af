package runevent

import (
	"strings"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	base := Event{
		OccurredAt: time.Now(),
		RunID:      "run-1",
		FromStatus: "PENDING",
		ToStatus:   "RUNNING",
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing occurred at", func(e *Event) { e.OccurredAt = time.Time{} }},
		{"missing run id", func(e *Event) { e.RunID = "  " }},
		{"missing from status", func(e *Event) { e.FromStatus = "" }},
		{"missing to status", func(e *Event) { e.ToStatus = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := base
			tc.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestComputeIntegritySHA256Deterministic(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	event := Event{
		OccurredAt: at,
		RunID:      "run-1",
		StepRunID:  "step-run-1",
		FromStatus: "RUNNING",
		ToStatus:   "FAILED",
		Reason:     "upstream failure",
	}

	first, err := ComputeIntegritySHA256(event)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() error = %v", err)
	}
	second, err := ComputeIntegritySHA256(event)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() error = %v", err)
	}
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first, second)
	}
	if len(first) != 64 || strings.ToLower(first) != first {
		t.Fatalf("hash %q is not lowercase hex sha256", first)
	}

	event.Reason = "canceled"
	changed, err := ComputeIntegritySHA256(event)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() error = %v", err)
	}
	if changed == first {
		t.Fatal("hash did not change when reason changed")
	}
}

func TestComputeIntegritySHA256TrimsAndNormalizes(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Event{OccurredAt: at, RunID: "run-1", FromStatus: "PENDING", ToStatus: "RUNNING"}
	b := Event{OccurredAt: at.In(time.FixedZone("X", 3600)), RunID: " run-1 ", FromStatus: "PENDING", ToStatus: "RUNNING"}

	ha, err := ComputeIntegritySHA256(a)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() error = %v", err)
	}
	hb, err := ComputeIntegritySHA256(b)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() error = %v", err)
	}
	if ha != hb {
		t.Fatalf("equivalent events hash differently: %s vs %s", ha, hb)
	}
}
