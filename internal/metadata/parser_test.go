package metadata

import "testing"

const validYAML = `
package:
  name: demo-package
  version: 1.2.3
install_steps:
  - type: apt_package
    action: install
    packages: [nginx]
    rollback: auto
  - type: custom_script
    command: /usr/local/bin/setup.sh
    rollback: manual
    rollback_script: /usr/local/bin/teardown.sh
requirements:
  min_memory: 256
  architectures: [amd64]
`

func TestParser_ParseBytes_ValidYAML(t *testing.T) {
	p := New()
	doc, err := p.ParseBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Package.Name != "demo-package" || doc.Package.Version != "1.2.3" {
		t.Errorf("unexpected package info: %+v", doc.Package)
	}
	if len(doc.InstallSteps) != 2 {
		t.Errorf("expected 2 install steps, got %d", len(doc.InstallSteps))
	}
}

func TestParser_ParseBytes_JSONFallback(t *testing.T) {
	p := New()
	jsonDoc := `{"package":{"name":"demo","version":"1.0.0"},"install_steps":[{"type":"apt_package","action":"install","packages":["curl"]}]}`
	doc, err := p.ParseBytes([]byte(jsonDoc))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if doc.Package.Name != "demo" {
		t.Errorf("unexpected package name: %s", doc.Package.Name)
	}
}

func TestParser_RejectsCustomScriptWithAutoRollback(t *testing.T) {
	p := New()
	bad := `
package:
  name: demo
  version: 1.0.0
install_steps:
  - type: custom_script
    command: /bin/true
    rollback: auto
`
	if _, err := p.ParseBytes([]byte(bad)); err == nil {
		t.Fatal("expected validation error: custom_script must not default to auto rollback")
	}
}

func TestParser_RejectsEmptyInstallSteps(t *testing.T) {
	p := New()
	bad := `
package:
  name: demo
  version: 1.0.0
install_steps: []
`
	if _, err := p.ParseBytes([]byte(bad)); err == nil {
		t.Fatal("expected validation error for empty install_steps")
	}
}

func TestParser_RejectsInvalidVersionPattern(t *testing.T) {
	p := New()
	bad := `
package:
  name: demo
  version: not-a-version
install_steps:
  - type: apt_package
    action: install
    packages: [nginx]
`
	if _, err := p.ParseBytes([]byte(bad)); err == nil {
		t.Fatal("expected validation error for malformed version")
	}
}

func TestCheckRequirements_RejectsUnsupportedArchitecture(t *testing.T) {
	r := Requirements{Architectures: []string{"amd64"}}
	if err := CheckRequirements(r, "arm64", "", 0, 0); err == nil {
		t.Fatal("expected requirements check to reject unsupported architecture")
	}
}

func TestCheckRequirements_PassesWithinLimits(t *testing.T) {
	r := Requirements{MinMemory: 128, MinDiskSpace: 100, Architectures: []string{"amd64"}}
	if err := CheckRequirements(r, "amd64", "", 512, 1000); err != nil {
		t.Fatalf("expected requirements check to pass, got %v", err)
	}
}
