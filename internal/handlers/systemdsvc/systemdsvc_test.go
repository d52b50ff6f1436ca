package systemdsvc

import (
	"context"
	"encoding/json"
	"testing"
)

func fakeRunner(calls *[][]string, responses map[string]string, fail map[string]bool) func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		call := append([]string{name}, args...)
		*calls = append(*calls, call)
		key := ""
		if len(args) > 0 {
			key = args[0]
		}
		if fail[key] {
			return nil, &fakeError{"failed"}
		}
		return []byte(responses[key]), nil
	}
}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func TestHandler_ValidateRejectsUnknownAction(t *testing.T) {
	h := New()
	data, _ := json.Marshal(StepData{Action: "bogus", Unit: "nginx.service"})
	if err := h.Validate(data); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestHandler_SnapshotCapturesPriorState(t *testing.T) {
	var calls [][]string
	h := &Handler{runner: fakeRunner(&calls, map[string]string{"is-enabled": "enabled\n", "is-active": "active\n"}, nil)}
	data, _ := json.Marshal(StepData{Action: ActionStop, Unit: "nginx.service"})

	snap, err := h.Snapshot(context.Background(), data)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	var sd snapshotData
	json.Unmarshal(snap, &sd)
	if !sd.Enabled || !sd.Active {
		t.Errorf("expected enabled+active snapshot, got %+v", sd)
	}
}

func TestHandler_CompensateRestoresInactiveDisabled(t *testing.T) {
	var calls [][]string
	h := &Handler{runner: fakeRunner(&calls, nil, nil)}
	data, _ := json.Marshal(StepData{Action: ActionStart, Unit: "nginx.service"})
	snap, _ := json.Marshal(snapshotData{Enabled: false, Active: false})

	if err := h.Compensate(context.Background(), data, snap); err != nil {
		t.Fatalf("compensate failed: %v", err)
	}
	foundDisable, foundStop := false, false
	for _, c := range calls {
		if c[1] == "disable" {
			foundDisable = true
		}
		if c[1] == "stop" {
			foundStop = true
		}
	}
	if !foundDisable || !foundStop {
		t.Errorf("expected disable+stop calls, got %v", calls)
	}
}
