package aptpkg

import (
	"context"
	"encoding/json"
	"testing"
)

func fakeRunner(t *testing.T, calls *[][]string, fail map[string]bool) func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		call := append([]string{name}, args...)
		*calls = append(*calls, call)
		key := name
		if len(args) > 0 {
			key = name + " " + args[0]
		}
		if fail[key] {
			return nil, errFake
		}
		return []byte("1.0"), nil
	}
}

var errFake = &fakeError{"fake failure"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func TestHandler_ValidateRejectsUnknownAction(t *testing.T) {
	h := New()
	data, _ := json.Marshal(StepData{Action: "bogus", Packages: []string{"nginx"}})
	if err := h.Validate(data); err == nil {
		t.Fatal("expected validation error for unknown action")
	}
}

func TestHandler_ValidateRequiresPackages(t *testing.T) {
	h := New()
	data, _ := json.Marshal(StepData{Action: ActionInstall})
	if err := h.Validate(data); err == nil {
		t.Fatal("expected validation error for empty package list")
	}
}

func TestHandler_ApplyInstallsPackages(t *testing.T) {
	var calls [][]string
	h := &Handler{runner: fakeRunner(t, &calls, nil)}
	data, _ := json.Marshal(StepData{Action: ActionInstall, Packages: []string{"nginx"}})

	if err := h.Apply(context.Background(), data); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected update+install calls, got %v", calls)
	}
}

func TestHandler_CompensateRemovesNewlyInstalled(t *testing.T) {
	var calls [][]string
	h := &Handler{runner: fakeRunner(t, &calls, nil)}
	snap, _ := json.Marshal(snapshotData{States: []packageState{{Name: "nginx", Installed: false}}})

	if err := h.Compensate(context.Background(), nil, snap); err != nil {
		t.Fatalf("compensate failed: %v", err)
	}
	if len(calls) != 1 || calls[0][1] != "remove" {
		t.Fatalf("expected a remove call, got %v", calls)
	}
}
