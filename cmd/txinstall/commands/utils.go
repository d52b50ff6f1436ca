package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fly-io/txinstall/internal/config"
	"github.com/fly-io/txinstall/internal/handlers"
	"github.com/fly-io/txinstall/internal/handlers/ansible"
	"github.com/fly-io/txinstall/internal/handlers/aptpkg"
	"github.com/fly-io/txinstall/internal/handlers/filecopy"
	"github.com/fly-io/txinstall/internal/handlers/script"
	"github.com/fly-io/txinstall/internal/handlers/systemdsvc"
	"github.com/fly-io/txinstall/internal/handlers/usermgmt"
	"github.com/fly-io/txinstall/internal/store"
	"github.com/fly-io/txinstall/internal/txn"
	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

const (
	stepAptPackage     = "apt_package"
	stepFileCopy       = "file_copy"
	stepSystemdService = "systemd_service"
	stepUserManagement = "user_management"
	stepCustomScript   = "custom_script"
	stepAnsiblePlaybook = "ansible_playbook"
)

// ensureDirectories creates all directories txinstall needs before a run.
func ensureDirectories(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to create durable log directory")
	}
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to create backup directory")
	}
	return nil
}

// buildRegistry wires every step handler against the given config.
func buildRegistry(cfg *config.Config) *handlers.Registry {
	reg := handlers.NewRegistry()
	reg.Register(stepAptPackage, aptpkg.New())
	reg.Register(stepFileCopy, filecopy.New(cfg.InstallRoot, cfg.BackupDir, cfg.MaxFileSize, cfg.S3Region))
	reg.Register(stepSystemdService, systemdsvc.New())
	reg.Register(stepUserManagement, usermgmt.New())
	reg.Register(stepCustomScript, script.New(time.Duration(cfg.ScriptTimeoutSeconds)*time.Second))
	reg.Register(stepAnsiblePlaybook, ansible.New(cfg.AnsiblePlaybookDir))
	return reg
}

// openManager loads config, ensures directories, opens the durable log,
// and wires it into a ready-to-use txn.Manager.
func openManager() (*config.Config, *store.Store, *txn.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "config invalid")
	}
	if err := ensureDirectories(cfg); err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	registry := buildRegistry(cfg)
	mgr := txn.New(st, registry)
	return cfg, st, mgr, nil
}

// rawStep is the subset of a step document needed to build a StepSpec
// without fully decoding its type-specific payload.
type rawStep struct {
	Type     string `json:"type"`
	Rollback string `json:"rollback"`
}

// stepSpecsFromRaw converts parsed install_steps into engine StepSpecs,
// defaulting an unset rollback strategy to auto.
func stepSpecsFromRaw(steps []json.RawMessage) ([]txn.StepSpec, error) {
	specs := make([]txn.StepSpec, 0, len(steps))
	for _, raw := range steps {
		var rs rawStep
		if err := json.Unmarshal(raw, &rs); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to read step type")
		}
		if rs.Rollback == "" {
			rs.Rollback = store.RollbackAuto
		}
		specs = append(specs, txn.StepSpec{Type: rs.Type, Data: raw, RollbackStrategy: rs.Rollback})
	}
	return specs, nil
}

// readFile reads a file's bytes, wrapping any error with storage context.
func readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindStorage, err, "failed to read metadata file")
	}
	return raw, nil
}

// requireRoot checks the process is running as root, mirroring the
// privilege check every mutating verb needs before touching the host.
func requireRoot() error {
	if os.Geteuid() != 0 {
		return pkgerrors.New(pkgerrors.KindValidation, "this command must be run as root")
	}
	return nil
}

// hostProbe is the subset of host facts CheckRequirements needs:
// architecture, OS version, available memory, and available disk space
// on the install root. Read directly from /proc and /etc/os-release —
// none of the vendored SDKs wrap this, it's plain host introspection.
func hostProbe(installRoot string) (arch, osVersion string, memMB, diskMB int, err error) {
	arch = runtime.GOARCH

	osVersion, err = readOSVersionID()
	if err != nil {
		return "", "", 0, 0, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to read /etc/os-release")
	}

	memMB, err = readAvailableMemMB()
	if err != nil {
		return "", "", 0, 0, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to read /proc/meminfo")
	}

	diskMB, err = readAvailableDiskMB(installRoot)
	if err != nil {
		return "", "", 0, 0, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to statfs install root")
	}
	return arch, osVersion, memMB, diskMB, nil
}

func readOSVersionID() (string, error) {
	f, err := os.Open("/etc/os-release")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VERSION_ID=") {
			continue
		}
		return strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), `"`), nil
	}
	return "", scanner.Err()
}

func readAvailableMemMB() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, scanner.Err()
}

func readAvailableDiskMB(path string) (int, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int(stat.Bavail * uint64(stat.Bsize) / 1024 / 1024), nil
}

// prePostStep is one pre_install/post_install entry: an ad hoc script or
// ansible_playbook run outside the transactional envelope, per the
// metadata schema's pre_install/post_install item shape.
type prePostStep struct {
	Type     string            `json:"type"`
	Script   string            `json:"script"`
	Playbook string            `json:"playbook"`
	Vars     map[string]string `json:"vars"`
}

// runPrePostSteps executes pre_install/post_install steps in order by
// reusing the custom_script and ansible_playbook handlers' Apply logic.
// These steps are not StepSpecs: they run outside Begin/Execute/Commit
// and are never snapshotted, tracked, or compensated.
func runPrePostSteps(ctx context.Context, cfg *config.Config, steps []json.RawMessage) error {
	scriptHandler := script.New(time.Duration(cfg.ScriptTimeoutSeconds) * time.Second)
	ansibleHandler := ansible.New(cfg.AnsiblePlaybookDir)

	for i, raw := range steps {
		var ps prePostStep
		if err := json.Unmarshal(raw, &ps); err != nil {
			return pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to read pre/post install step")
		}
		switch ps.Type {
		case "script":
			data, err := json.Marshal(script.StepData{Command: ps.Script})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to encode pre/post install script step")
			}
			if err := scriptHandler.Apply(ctx, data); err != nil {
				return pkgerrors.Wrap(pkgerrors.KindApply, err, "pre/post install script failed")
			}
		case "ansible_playbook":
			data, err := json.Marshal(ansible.StepData{Playbook: ps.Playbook, Vars: ps.Vars})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to encode pre/post install playbook step")
			}
			if err := ansibleHandler.Apply(ctx, data); err != nil {
				return pkgerrors.Wrap(pkgerrors.KindApply, err, "pre/post install playbook failed")
			}
		default:
			return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("pre/post install step %d has unrecognized type %q", i, ps.Type))
		}
	}
	return nil
}
