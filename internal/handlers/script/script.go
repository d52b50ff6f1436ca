// Package script implements the custom_script step handler: running an
// operator-supplied script with a timeout. Because an arbitrary script's
// side effects cannot be captured automatically, compensation requires
// the step to declare a paired rollback script explicitly.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// StepData is the step-specific payload for a custom_script step.
type StepData struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	RollbackScript string   `json:"rollback_script,omitempty"`
	RollbackArgs   []string `json:"rollback_args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// Handler implements handlers.Handler for custom_script steps.
type Handler struct {
	runner         func(ctx context.Context, timeout time.Duration, command string, args ...string) error
	defaultTimeout time.Duration
}

// New builds a custom_script handler that executes scripts directly,
// falling back to defaultTimeout for any step that doesn't set its own
// timeout_seconds.
func New(defaultTimeout time.Duration) *Handler {
	return &Handler{runner: runScript, defaultTimeout: defaultTimeout}
}

func runScript(ctx context.Context, timeout time.Duration, command string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w: %s", command, args, err, stderr.String())
	}
	return nil
}

func (h *Handler) Validate(data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "invalid custom_script step data")
	}
	if sd.Command == "" {
		return pkgerrors.New(pkgerrors.KindValidation, "custom_script step requires a command")
	}
	return nil
}

// Snapshot returns an empty blob: a custom_script step's pre-image is
// whatever the operator's rollback_script knows how to restore, not
// something this handler can capture automatically.
func (h *Handler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (h *Handler) Apply(ctx context.Context, data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid custom_script step data")
	}
	timeout := h.defaultTimeout
	if sd.TimeoutSeconds > 0 {
		timeout = time.Duration(sd.TimeoutSeconds) * time.Second
	}
	slog.Info("custom_script_apply", "command", sd.Command)
	if err := h.runner(ctx, timeout, sd.Command, sd.Args...); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "custom_script command failed")
	}
	return nil
}

func (h *Handler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid custom_script step data")
	}
	if sd.RollbackScript == "" {
		return pkgerrors.New(pkgerrors.KindCompensate, "custom_script step has no rollback_script to compensate with")
	}
	timeout := h.defaultTimeout
	if sd.TimeoutSeconds > 0 {
		timeout = time.Duration(sd.TimeoutSeconds) * time.Second
	}
	slog.Info("custom_script_compensate", "rollback_script", sd.RollbackScript)
	if err := h.runner(ctx, timeout, sd.RollbackScript, sd.RollbackArgs...); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "custom_script rollback_script failed")
	}
	return nil
}
