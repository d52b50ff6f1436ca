// Package usermgmt implements the user_management step handler:
// creating, modifying, or removing a system user account via
// useradd/usermod/userdel, with compensation restoring the prior
// account record or absence.
package usermgmt

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

// Action is the user-management operation a step requests.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionRemove Action = "remove"
)

// UserData carries the optional account fields a create/modify step may set.
type UserData struct {
	Home   string   `json:"home,omitempty"`
	Shell  string   `json:"shell,omitempty"`
	Groups []string `json:"groups,omitempty"`
	System bool     `json:"system,omitempty"`
}

// StepData is the step-specific payload for a user_management step.
type StepData struct {
	Action   Action   `json:"action"`
	Username string   `json:"username"`
	UserData UserData `json:"user_data,omitempty"`
}

// userRecord is the pre-image of one account.
type userRecord struct {
	Existed bool     `json:"existed"`
	UID     string   `json:"uid,omitempty"`
	Home    string   `json:"home,omitempty"`
	Shell   string   `json:"shell,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// Handler implements handlers.Handler for user_management steps.
type Handler struct {
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// New builds a user_management handler that shells out to
// useradd/usermod/userdel/getent.
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
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "invalid user_management step data")
	}
	if sd.Username == "" {
		return pkgerrors.New(pkgerrors.KindValidation, "user_management step requires a username")
	}
	switch sd.Action {
	case ActionCreate, ActionModify, ActionRemove:
	default:
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("user_management action %q is not recognized", sd.Action))
	}
	return nil
}

// lookup queries getent for the user's passwd entry; returns existed=false
// if the user does not exist.
func (h *Handler) lookup(ctx context.Context, username string) userRecord {
	out, err := h.runner(ctx, "getent", "passwd", username)
	if err != nil {
		return userRecord{Existed: false}
	}
	fields := strings.Split(strings.TrimSpace(string(out)), ":")
	rec := userRecord{Existed: true}
	if len(fields) >= 6 {
		rec.UID = fields[2]
		rec.Home = fields[5]
	}
	if len(fields) >= 7 {
		rec.Shell = fields[6]
	}
	if groupsOut, err := h.runner(ctx, "id", "-Gn", username); err == nil {
		rec.Groups = strings.Fields(strings.TrimSpace(string(groupsOut)))
	}
	return rec
}

func (h *Handler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "invalid user_management step data")
	}
	rec := h.lookup(ctx, sd.Username)
	blob, err := json.Marshal(rec)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to marshal user_management snapshot")
	}
	slog.Info("user_management_snapshot", "username", sd.Username, "existed", rec.Existed)
	return blob, nil
}

func (h *Handler) Apply(ctx context.Context, data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid user_management step data")
	}

	slog.Info("user_management_apply", "action", sd.Action, "username", sd.Username)
	switch sd.Action {
	case ActionCreate:
		args := buildUserArgs(sd)
		args = append(args, sd.Username)
		if _, err := h.runner(ctx, "useradd", args...); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "useradd failed")
		}
	case ActionModify:
		args := buildUserArgs(sd)
		if len(args) == 0 {
			return nil
		}
		args = append(args, sd.Username)
		if _, err := h.runner(ctx, "usermod", args...); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "usermod failed")
		}
	case ActionRemove:
		if _, err := h.runner(ctx, "userdel", "-r", sd.Username); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "userdel failed")
		}
	}
	return nil
}

func buildUserArgs(sd StepData) []string {
	var args []string
	if sd.UserData.Home != "" {
		args = append(args, "-d", sd.UserData.Home)
	}
	if sd.UserData.Shell != "" {
		args = append(args, "-s", sd.UserData.Shell)
	}
	if len(sd.UserData.Groups) > 0 {
		args = append(args, "-G", strings.Join(sd.UserData.Groups, ","))
	}
	if sd.UserData.System {
		args = append(args, "-r")
	}
	return args
}

func (h *Handler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid user_management step data")
	}
	var rec userRecord
	if err := json.Unmarshal(snapshot, &rec); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid user_management snapshot")
	}

	if !rec.Existed {
		// The account did not exist before Apply, so the target state is
		// simply "absent". userdel failing here (already gone, or Apply
		// never got far enough to create it) still leaves us in that
		// target state, so it is tolerated rather than propagated.
		if _, err := h.runner(ctx, "userdel", "-r", sd.Username); err != nil {
			slog.Info("user_management_compensate_already_absent", "username", sd.Username, "userdel_error", err)
		} else {
			slog.Info("user_management_compensate_removed", "username", sd.Username)
		}
		return nil
	}

	// User existed before: if we removed it, recreate it; otherwise
	// restore the prior home, shell, and groups with usermod.
	switch sd.Action {
	case ActionRemove:
		args := []string{}
		if rec.UID != "" {
			args = append(args, "-u", rec.UID)
		}
		if rec.Home != "" {
			args = append(args, "-d", rec.Home)
		}
		if rec.Shell != "" {
			args = append(args, "-s", rec.Shell)
		}
		if len(rec.Groups) > 0 {
			args = append(args, "-G", strings.Join(rec.Groups, ","))
		}
		args = append(args, sd.Username)
		if _, err := h.runner(ctx, "useradd", args...); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to recreate removed user")
		}
	default:
		var args []string
		if rec.Home != "" {
			args = append(args, "-d", rec.Home)
		}
		if rec.Shell != "" {
			args = append(args, "-s", rec.Shell)
		}
		if len(rec.Groups) > 0 {
			args = append(args, "-G", strings.Join(rec.Groups, ","))
		}
		if len(args) == 0 {
			return nil
		}
		args = append(args, sd.Username)
		if _, err := h.runner(ctx, "usermod", args...); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to restore user record")
		}
	}
	slog.Info("user_management_compensate_restored", "username", sd.Username)
	return nil
}
