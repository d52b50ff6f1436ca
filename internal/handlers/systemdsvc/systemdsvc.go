// Package systemdsvc implements the systemd_service step handler:
// enabling, disabling, starting, stopping, or restarting a unit via
// systemctl, with compensation restoring the unit's prior enabled and
// active state.
package systemdsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// Action is the systemctl verb a step requests.
type Action string

const (
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
)

// StepData is the step-specific payload for a systemd_service step.
type StepData struct {
	Action Action `json:"action"`
	Unit   string `json:"service"`
}

type snapshotData struct {
	Enabled bool `json:"enabled"`
	Active  bool `json:"active"`
}

// Handler implements handlers.Handler for systemd_service steps.
type Handler struct {
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New builds a systemd_service handler that shells out to systemctl.
func New() *Handler {
	return &Handler{runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (h *Handler) Validate(data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "invalid systemd_service step data")
	}
	if sd.Unit == "" {
		return pkgerrors.New(pkgerrors.KindValidation, "systemd_service step requires a unit")
	}
	switch sd.Action {
	case ActionEnable, ActionDisable, ActionStart, ActionStop, ActionRestart:
	default:
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("systemd_service action %q is not recognized", sd.Action))
	}
	return nil
}

func (h *Handler) isEnabled(ctx context.Context, unit string) bool {
	out, err := h.runner(ctx, "systemctl", "is-enabled", unit)
	return err == nil && strings.TrimSpace(string(out)) == "enabled"
}

func (h *Handler) isActive(ctx context.Context, unit string) bool {
	out, err := h.runner(ctx, "systemctl", "is-active", unit)
	return err == nil && strings.TrimSpace(string(out)) == "active"
}

func (h *Handler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "invalid systemd_service step data")
	}

	snap := snapshotData{
		Enabled: h.isEnabled(ctx, sd.Unit),
		Active:  h.isActive(ctx, sd.Unit),
	}
	blob, err := json.Marshal(snap)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to marshal systemd_service snapshot")
	}
	slog.Info("systemd_service_snapshot", "unit", sd.Unit, "enabled", snap.Enabled, "active", snap.Active)
	return blob, nil
}

func (h *Handler) Apply(ctx context.Context, data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid systemd_service step data")
	}

	slog.Info("systemd_service_apply", "action", sd.Action, "unit", sd.Unit)
	if _, err := h.runner(ctx, "systemctl", string(sd.Action), sd.Unit); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, fmt.Sprintf("systemctl %s %s failed", sd.Action, sd.Unit))
	}
	return nil
}

func (h *Handler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid systemd_service step data")
	}
	var snap snapshotData
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid systemd_service snapshot")
	}

	var firstErr error
	if snap.Enabled {
		if _, err := h.runner(ctx, "systemctl", "enable", sd.Unit); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to re-enable unit")
		}
	} else {
		if _, err := h.runner(ctx, "systemctl", "disable", sd.Unit); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to disable unit")
		}
	}

	if snap.Active {
		if _, err := h.runner(ctx, "systemctl", "start", sd.Unit); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to start unit")
		}
	} else {
		if _, err := h.runner(ctx, "systemctl", "stop", sd.Unit); err != nil && firstErr == nil {
			firstErr = pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to stop unit")
		}
	}
	slog.Info("systemd_service_compensate", "unit", sd.Unit, "restored_enabled", snap.Enabled, "restored_active", snap.Active)
	return firstErr
}
