// Package ansible implements the ansible_playbook step handler: running
// a declared playbook via the ansible-playbook binary. No Go library in
// the dependency set wraps ansible-runner, so this shells out directly,
// mirroring the playbook-path resolution of the reference ansible
// backend it was grown from.
package ansible

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// StepData is the step-specific payload for an ansible_playbook step.
type StepData struct {
	Playbook         string            `json:"playbook"`
	RollbackPlaybook string            `json:"rollback_playbook,omitempty"`
	Vars             map[string]string `json:"vars,omitempty"`
}

// Handler implements handlers.Handler for ansible_playbook steps.
type Handler struct {
	playbookDir string
	runner      func(ctx context.Context, name string, args ...string) error
}

// New builds an ansible_playbook handler. Relative playbook paths are
// resolved under playbookDir, absolute paths are used as-is.
func New(playbookDir string) *Handler {
	return &Handler{playbookDir: playbookDir, runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return nil
}

func (h *Handler) resolve(playbook string) string {
	if filepath.IsAbs(playbook) {
		return playbook
	}
	return filepath.Join(h.playbookDir, playbook)
}

func (h *Handler) Validate(data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "invalid ansible_playbook step data")
	}
	if sd.Playbook == "" {
		return pkgerrors.New(pkgerrors.KindValidation, "ansible_playbook step requires a playbook")
	}
	return nil
}

// Snapshot returns an empty blob: an ansible_playbook step's rollback
// path is whatever rollback_playbook the operator declares, not
// something this handler can capture automatically.
func (h *Handler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (h *Handler) run(ctx context.Context, playbook string, vars map[string]string) error {
	args := []string{h.resolve(playbook)}
	for k, v := range vars {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	return h.runner(ctx, "ansible-playbook", args...)
}

func (h *Handler) Apply(ctx context.Context, data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid ansible_playbook step data")
	}
	slog.Info("ansible_playbook_apply", "playbook", sd.Playbook)
	if err := h.run(ctx, sd.Playbook, sd.Vars); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "ansible-playbook run failed")
	}
	return nil
}

func (h *Handler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid ansible_playbook step data")
	}
	if sd.RollbackPlaybook == "" {
		return pkgerrors.New(pkgerrors.KindCompensate, "ansible_playbook step has no rollback_playbook to compensate with")
	}
	slog.Info("ansible_playbook_compensate", "rollback_playbook", sd.RollbackPlaybook)
	if err := h.run(ctx, sd.RollbackPlaybook, sd.Vars); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "ansible-playbook rollback run failed")
	}
	return nil
}
