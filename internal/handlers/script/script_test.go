package script

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestHandler_ValidateRequiresCommand(t *testing.T) {
	h := New(5 * time.Minute)
	data, _ := json.Marshal(StepData{})
	if err := h.Validate(data); err == nil {
		t.Fatal("expected validation error for missing command")
	}
}

func TestHandler_CompensateRequiresRollbackScript(t *testing.T) {
	h := New(5 * time.Minute)
	data, _ := json.Marshal(StepData{Command: "/bin/true"})
	if err := h.Compensate(context.Background(), data, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected compensate error when rollback_script is absent")
	}
}

func TestHandler_ApplyAndCompensateInvokeRunner(t *testing.T) {
	var applyCmd, compensateCmd string
	h := &Handler{runner: func(ctx context.Context, timeout time.Duration, command string, args ...string) error {
		if applyCmd == "" {
			applyCmd = command
		} else {
			compensateCmd = command
		}
		return nil
	}}
	data, _ := json.Marshal(StepData{Command: "/bin/do-it", RollbackScript: "/bin/undo-it"})

	if err := h.Apply(context.Background(), data); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := h.Compensate(context.Background(), data, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("compensate failed: %v", err)
	}
	if applyCmd != "/bin/do-it" || compensateCmd != "/bin/undo-it" {
		t.Errorf("unexpected commands invoked: apply=%q compensate=%q", applyCmd, compensateCmd)
	}
}
