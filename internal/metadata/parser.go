// Package metadata parses package metadata documents (YAML, falling
// back to JSON), validates them against a JSON Schema, and extracts the
// sections the engine needs: package info, install steps, pre/post
// install steps, dependencies, conflicts, and system requirements.
package metadata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/xeipuuv/gojsonschema"
	yaml "go.yaml.in/yaml/v3"

	pkgerrors "github.com/fly-io/txinstall/pkg/errors"
)

// PackageInfo is the package sub-object.
type PackageInfo struct {
	Name        string `json:"name" yaml:"name"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Author      string `json:"author,omitempty" yaml:"author,omitempty"`
	License     string `json:"license,omitempty" yaml:"license,omitempty"`
}

// Requirements is the optional requirements sub-object.
type Requirements struct {
	MinMemory     int      `json:"min_memory,omitempty" yaml:"min_memory,omitempty"`
	MinDiskSpace  int      `json:"min_disk_space,omitempty" yaml:"min_disk_space,omitempty"`
	OSVersion     string   `json:"os_version,omitempty" yaml:"os_version,omitempty"`
	Architectures []string `json:"architectures,omitempty" yaml:"architectures,omitempty"`
}

// Document is a fully parsed package metadata document.
type Document struct {
	Package            PackageInfo       `json:"package" yaml:"package"`
	InstallSteps       []json.RawMessage `json:"install_steps" yaml:"-"`
	PreInstall         []json.RawMessage `json:"pre_install,omitempty" yaml:"-"`
	PostInstall        []json.RawMessage `json:"post_install,omitempty" yaml:"-"`
	Dependencies       []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Conflicts          []string          `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Requirements       Requirements      `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	AllowIrreversible  bool              `json:"allow_irreversible,omitempty" yaml:"allow_irreversible,omitempty"`

	raw map[string]interface{}
}

// Parser parses and validates package metadata documents.
type Parser struct {
	packageSchemaLoader gojsonschema.JSONLoader
	stepSchemaLoader    gojsonschema.JSONLoader
}

// New builds a Parser with the built-in schema.
func New() *Parser {
	return &Parser{
		packageSchemaLoader: gojsonschema.NewStringLoader(packageSchema),
		stepSchemaLoader:    gojsonschema.NewStringLoader(stepSchema),
	}
}

// ParseFile reads and parses the metadata document at path, trying YAML
// first and falling back to JSON, mirroring the original parser's
// documented try-YAML-then-JSON order.
func (p *Parser) ParseFile(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to read metadata file")
	}
	return p.ParseBytes(raw)
}

// ParseBytes parses raw metadata content.
func (p *Parser) ParseBytes(raw []byte) (*Document, error) {
	generic, err := decodeYAMLOrJSON(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "metadata is neither valid YAML nor valid JSON")
	}

	if err := p.ValidateMetadata(generic); err != nil {
		return nil, err
	}

	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to re-encode metadata as json")
	}
	var doc Document
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.KindValidation, err, "failed to decode metadata document")
	}
	doc.raw = generic

	slog.Info("metadata_parsed", "package_name", doc.Package.Name, "version", doc.Package.Version, "step_count", len(doc.InstallSteps))
	return &doc, nil
}

func decodeYAMLOrJSON(raw []byte) (map[string]interface{}, error) {
	var generic map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err == nil {
		return generic, nil
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("yaml and json decode both failed: %w", err)
	}
	return generic, nil
}

// ValidateMetadata validates a generic decoded document against the
// package schema.
func (p *Parser) ValidateMetadata(generic map[string]interface{}) error {
	documentLoader := gojsonschema.NewGoLoader(generic)
	result, err := gojsonschema.Validate(p.packageSchemaLoader, documentLoader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "schema validation failed to run")
	}
	if !result.Valid() {
		return pkgerrors.New(pkgerrors.KindValidation, formatSchemaErrors(result))
	}
	return nil
}

// ValidateStep validates a single step object against the step schema.
func (p *Parser) ValidateStep(step map[string]interface{}) error {
	documentLoader := gojsonschema.NewGoLoader(step)
	result, err := gojsonschema.Validate(p.stepSchemaLoader, documentLoader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.KindValidation, err, "step schema validation failed to run")
	}
	if !result.Valid() {
		return pkgerrors.New(pkgerrors.KindValidation, formatSchemaErrors(result))
	}
	return nil
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	msg := "metadata failed schema validation:"
	for _, e := range result.Errors() {
		msg += " " + e.String() + ";"
	}
	return msg
}

// CheckRequirements verifies the host satisfies doc.Requirements. arch
// and osVersion describe the current host; memMB and diskMB are the
// available resources.
func CheckRequirements(r Requirements, arch, osVersion string, memMB, diskMB int) error {
	if r.MinMemory > 0 && memMB < r.MinMemory {
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("host has %d MB memory, package requires at least %d MB", memMB, r.MinMemory))
	}
	if r.MinDiskSpace > 0 && diskMB < r.MinDiskSpace {
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("host has %d MB disk space, package requires at least %d MB", diskMB, r.MinDiskSpace))
	}
	if len(r.Architectures) > 0 {
		found := false
		for _, a := range r.Architectures {
			if a == arch {
				found = true
				break
			}
		}
		if !found {
			return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("host architecture %s is not in the supported list %v", arch, r.Architectures))
		}
	}
	if r.OSVersion != "" && r.OSVersion != osVersion {
		return pkgerrors.New(pkgerrors.KindValidation, fmt.Sprintf("host os version %s does not match required %s", osVersion, r.OSVersion))
	}
	return nil
}
