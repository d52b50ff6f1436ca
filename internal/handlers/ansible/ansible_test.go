package ansible

import (
	"context"
	"encoding/json"
	"testing"
)

func TestHandler_ValidateRequiresPlaybook(t *testing.T) {
	h := New("/etc/txinstall/ansible")
	data, _ := json.Marshal(StepData{})
	if err := h.Validate(data); err == nil {
		t.Fatal("expected validation error for missing playbook")
	}
}

func TestHandler_ResolveRelativePlaybook(t *testing.T) {
	h := New("/etc/txinstall/ansible")
	got := h.resolve("site.yml")
	want := "/etc/txinstall/ansible/site.yml"
	if got != want {
		t.Errorf("resolve(%q) = %q, want %q", "site.yml", got, want)
	}
}

func TestHandler_CompensateRequiresRollbackPlaybook(t *testing.T) {
	h := New("/etc/txinstall/ansible")
	data, _ := json.Marshal(StepData{Playbook: "site.yml"})
	if err := h.Compensate(context.Background(), data, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected compensate error when rollback_playbook is absent")
	}
}

func TestHandler_ApplyInvokesAnsiblePlaybook(t *testing.T) {
	var invokedArgs []string
	h := &Handler{playbookDir: "/etc/txinstall/ansible", runner: func(ctx context.Context, name string, args ...string) error {
		invokedArgs = args
		return nil
	}}
	data, _ := json.Marshal(StepData{Playbook: "site.yml", Vars: map[string]string{"env": "prod"}})

	if err := h.Apply(context.Background(), data); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(invokedArgs) < 1 || invokedArgs[0] != "/etc/txinstall/ansible/site.yml" {
		t.Errorf("unexpected invocation args: %v", invokedArgs)
	}
}
