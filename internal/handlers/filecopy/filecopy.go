// Package filecopy implements the file_copy step handler: copying a
// local or s3:// source to a destination path with declared ownership
// and mode, snapshotting the prior file (or its absence) for rollback.
package filecopy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fly-io/txinstall/internal/artifact"
	"github.com/fly-io/txinstall/internal/pathsafety"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// inlineBackupLimit is the size at or below which a file's prior bytes are
// stored inline in the snapshot blob rather than as a backup file on disk.
const inlineBackupLimit = 1 << 20 // 1 MiB

// StepData is the step-specific payload for a file_copy step.
type StepData struct {
	Src   string `json:"src"`
	Dest  string `json:"dest"`
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
	Mode  string `json:"mode,omitempty"`
	// SHA256, if set, must match the fetched source's digest.
	SHA256 string `json:"sha256,omitempty"`
}

type snapshotData struct {
	Existed bool   `json:"existed"`
	Mode    uint32 `json:"mode,omitempty"`
	UID     int    `json:"uid,omitempty"`
	GID     int    `json:"gid,omitempty"`
	// Inline holds the prior content when small enough to store directly.
	Inline []byte `json:"inline,omitempty"`
	// BackupPath holds a path to a copy of the prior content when too
	// large to inline.
	BackupPath string `json:"backup_path,omitempty"`
}

// resolveOwnership looks up the numeric uid/gid for the declared owner
// and group names. Either may be empty, in which case -1 is returned
// for that component, meaning "leave unchanged" to os.Chown.
func resolveOwnership(owner, group string) (uid, gid int, err error) {
	uid, gid = -1, -1
	if owner != "" {
		u, lookupErr := user.Lookup(owner)
		if lookupErr != nil {
			return 0, 0, fmt.Errorf("failed to look up owner %q: %w", owner, lookupErr)
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse uid for owner %q: %w", owner, err)
		}
	}
	if group != "" {
		g, lookupErr := user.LookupGroup(group)
		if lookupErr != nil {
			return 0, 0, fmt.Errorf("failed to look up group %q: %w", group, lookupErr)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse gid for group %q: %w", group, err)
		}
	}
	return uid, gid, nil
}

// Handler implements handlers.Handler for file_copy steps.
type Handler struct {
	validator  *pathsafety.Validator
	fetcher    *artifact.Fetcher
	installRoot string
	backupDir  string
}

// New builds a file_copy handler. installRoot scopes where dest may
// land; backupDir is where large pre-images are archived for rollback.
func New(installRoot, backupDir string, maxFileSize int64, region string) *Handler {
	return &Handler{
		validator:   pathsafety.NewValidator(maxFileSize),
		fetcher:     artifact.NewFetcher(region),
		installRoot: installRoot,
		backupDir:   backupDir,
	}
}

func (h *Handler) Validate(data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "invalid file_copy step data")
	}
	if sd.Src == "" || sd.Dest == "" {
		return pkgerrors.New(pkgerrors.KindValidation, "file_copy requires both src and dest")
	}
	if _, err := h.validator.ValidateDestination(h.installRoot, sd.Dest); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "file_copy destination rejected")
	}
	return nil
}

func (h *Handler) Snapshot(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "invalid file_copy step data")
	}
	dest, err := h.validator.ValidateDestination(h.installRoot, sd.Dest)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "file_copy destination rejected")
	}

	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		blob, marshalErr := json.Marshal(snapshotData{Existed: false})
		if marshalErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, marshalErr, "failed to marshal absent snapshot")
		}
		return blob, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to stat destination")
	}

	snap := snapshotData{Existed: true, Mode: uint32(info.Mode().Perm())}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		snap.UID = int(st.Uid)
		snap.GID = int(st.Gid)
	}
	if info.Size() <= inlineBackupLimit {
		content, err := os.ReadFile(dest)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to read prior file content")
		}
		snap.Inline = content
	} else {
		if err := os.MkdirAll(h.backupDir, 0o755); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to create backup directory")
		}
		backupPath := filepath.Join(h.backupDir, fmt.Sprintf("%s.backup", filepath.Base(dest)))
		if err := copyFile(dest, backupPath); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to back up prior file")
		}
		snap.BackupPath = backupPath
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindSnapshot, err, "failed to marshal file_copy snapshot")
	}
	slog.Info("file_copy_snapshot", "dest", dest, "existed", snap.Existed)
	return blob, nil
}

func (h *Handler) Apply(ctx context.Context, data json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "invalid file_copy step data")
	}
	dest, err := h.validator.ValidateDestination(h.installRoot, sd.Dest)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "file_copy destination rejected")
	}

	src := sd.Src
	if artifact.IsRemote(src) {
		tmp := dest + ".fetching"
		result, err := h.fetcher.Fetch(ctx, src, tmp)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to fetch remote file_copy source")
		}
		if sd.SHA256 != "" && sd.SHA256 != result.SHA256 {
			os.Remove(tmp)
			return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("fetched source digest %s does not match declared %s", result.SHA256, sd.SHA256))
		}
		src = tmp
	}

	if info, err := os.Stat(src); err == nil {
		if err := h.validator.ValidateFileSize(info.Size()); err != nil {
			if artifact.IsRemote(sd.Src) {
				os.Remove(src)
			}
			return pkgerrors.Wrap(pkgerrors.KindValidation, err, "file_copy source rejected")
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to create destination directory")
	}
	if err := copyFile(src, dest); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to copy file")
	}
	if artifact.IsRemote(sd.Src) {
		os.Remove(src)
	}

	if sd.Mode != "" {
		var perm uint32
		if _, err := fmt.Sscanf(sd.Mode, "%o", &perm); err == nil {
			os.Chmod(dest, os.FileMode(perm))
		}
	}
	if sd.Owner != "" || sd.Group != "" {
		uid, gid, err := resolveOwnership(sd.Owner, sd.Group)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to resolve file_copy ownership")
		}
		if err := os.Chown(dest, uid, gid); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindApply, err, "failed to chown destination")
		}
	}
	slog.Info("file_copy_apply", "src", sd.Src, "dest", dest)
	return nil
}

func (h *Handler) Compensate(ctx context.Context, data, snapshot json.RawMessage) error {
	var sd StepData
	if err := json.Unmarshal(data, &sd); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid file_copy step data")
	}
	var snap snapshotData
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "invalid file_copy snapshot")
	}
	dest, err := h.validator.ValidateDestination(h.installRoot, sd.Dest)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "file_copy destination rejected")
	}

	if !snap.Existed {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to remove file that did not pre-exist")
		}
		slog.Info("file_copy_compensate_removed", "dest", dest)
		return nil
	}

	if len(snap.Inline) > 0 || snap.BackupPath == "" {
		if err := os.WriteFile(dest, snap.Inline, os.FileMode(snap.Mode)); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to restore inline content")
		}
	} else {
		if err := copyFile(snap.BackupPath, dest); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindCompensate, err, "failed to restore backed-up content")
		}
	}
	if snap.Mode != 0 {
		os.Chmod(dest, os.FileMode(snap.Mode))
	}
	if snap.UID != 0 || snap.GID != 0 {
		os.Chown(dest, snap.UID, snap.GID)
	}
	slog.Info("file_copy_compensate_restored", "dest", dest)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
