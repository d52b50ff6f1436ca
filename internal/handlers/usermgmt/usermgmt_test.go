package usermgmt

import (
	"context"
	"encoding/json"
	"testing"
)

func fakeRunner(calls *[][]string, responses map[string]string) func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		call := append([]string{name}, args...)
		*calls = append(*calls, call)
		if resp, ok := responses[name]; ok {
			return []byte(resp), nil
		}
		return nil, &fakeError{"not found"}
	}
}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func TestHandler_SnapshotAbsentUser(t *testing.T) {
	var calls [][]string
	h := &Handler{runner: fakeRunner(&calls, nil)}
	data, _ := json.Marshal(StepData{Action: ActionCreate, Username: "deploy"})

	snap, err := h.Snapshot(context.Background(), data)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	var rec userRecord
	json.Unmarshal(snap, &rec)
	if rec.Existed {
		t.Errorf("expected existed=false for absent user, got %+v", rec)
	}
}

func TestHandler_CompensateRemovesCreatedUser(t *testing.T) {
	var calls [][]string
	h := &Handler{runner: fakeRunner(&calls, nil)}
	data, _ := json.Marshal(StepData{Action: ActionCreate, Username: "deploy"})
	snap, _ := json.Marshal(userRecord{Existed: false})

	if err := h.Compensate(context.Background(), data, snap); err != nil {
		t.Fatalf("compensate failed: %v", err)
	}
	if len(calls) != 1 || calls[0][0] != "userdel" {
		t.Fatalf("expected a userdel call, got %v", calls)
	}
}

func TestHandler_ValidateRequiresUsername(t *testing.T) {
	h := New()
	data, _ := json.Marshal(StepData{Action: ActionCreate})
	if err := h.Validate(data); err == nil {
		t.Fatal("expected validation error for missing username")
	}
}
