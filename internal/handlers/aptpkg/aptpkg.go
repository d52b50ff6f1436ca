// Package aptpkg implements the apt_package step handler: installing,
// removing, or upgrading Debian packages via apt-get, with compensation
// driven by a captured pre-image of the packages' installed state.
package aptpkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// Action is the apt operation a step requests.
type Action string

const (
	ActionInstall Action = "install"
	ActionRemove  Action = "remove"
	ActionUpdate  Action = "update"
)

// StepData is the step-specific payload for an apt_package step.
type StepData struct {
	Action   Action   `json:"action"`
	Packages []string `json:"packages"`
}

// packageState is the pre-image captured for one package: whether it was
// installed, and at which version.
type packageState struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

// snapshotData is the pre-image for an entire apt_package step.
type snapshotData struct {
	States []packageState `json:"states"`
}

// Handler implements handlers.Handler for apt_package steps.
type Handler struct {
	// runner defaults to runCommand; tests substitute a fake.
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New builds an apt_package handler that shells out to apt-get/dpkg.
func New() *Handler {
	return &Handler{runner: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (h *Handler) Validate(data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "invalid apt_package step data")
	}
	if len(sd.Packages) == 0 {
		return pkgerrors.New(pkgerrors.KindValidation, "apt_package step requires at least one package")
	}
	switch sd.Action {
	case ActionInstall, ActionRemove, ActionUpdate:
	default:
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("apt_package action %q is not one of install, remove, update", sd.Action))
	}
	return nil
}

func (h *Handler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "invalid apt_package step data")
	}

	var states []packageState
	for _, name := range sd.Packages {
		out, err := h.runner(ctx, "dpkg-query", "-W", "-f=${Version}", name)
		if err != nil {
			states = append(states, packageState{Name: name, Installed: false})
			continue
		}
		states = append(states, packageState{Name: name, Installed: true, Version: string(out)})
	}

	blob, err := json.Marshal(snapshotData{States: states})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to marshal apt_package snapshot")
	}
	slog.Info("apt_package_snapshot", "packages", sd.Packages)
	return blob, nil
}

func (h *Handler) Apply(ctx context.Context, data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid apt_package step data")
	}

	slog.Info("apt_package_apply", "action", sd.Action, "packages", sd.Packages)
	if _, err := h.runner(ctx, "apt-get", "update"); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "apt-get update failed")
	}

	var args []string
	switch sd.Action {
	case ActionInstall:
		args = append([]string{"install", "-y"}, sd.Packages...)
	case ActionRemove:
		args = append([]string{"remove", "-y"}, sd.Packages...)
	case ActionUpdate:
		args = append([]string{"install", "--only-upgrade", "-y"}, sd.Packages...)
	}
	if _, err := h.runner(ctx, "apt-get", args...); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, fmt.Sprintf("apt-get %s failed", sd.Action))
	}
	return nil
}

func (h *Handler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	var snap snapshotData
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid apt_package snapshot")
	}

	var firstErr error
	for _, st := range snap.States {
		if st.Installed {
			pkgSpec := st.Name
			if st.Version != "" {
				pkgSpec = fmt.Sprintf("%s=%s", st.Name, st.Version)
			}
			if _, err := h.runner(ctx, "apt-get", "install", "-y", pkgSpec); err != nil && firstErr == nil {
				firstErr = pkgerrors.Wrap(pkgerrors.KindCompensate, err, fmt.Sprintf("failed to reinstall %s", st.Name))
			}
		} else {
			if _, err := h.runner(ctx, "apt-get", "remove", "-y", st.Name); err != nil && firstErr == nil {
				firstErr = pkgerrors.Wrap(pkgerrors.KindCompensate, err, fmt.Sprintf("failed to remove %s", st.Name))
			}
		}
	}
	return firstErr
}
