package metadata

import (
	"fmt"

	yaml "go.yaml.in/yaml/v3"
)

// RenderTemplate builds a starter metadata document for a new package
// and renders it as YAML, for the CLI's create-template verb.
func RenderTemplate(packageName, version string) ([]byte, error) {
	template := map[string]interface{}{
		"package": map[string]interface{}{
			"name":        packageName,
			"version":     version,
			"description": "Package description",
			"author":      "Package author",
			"license":     "Package license",
		},
		"install_steps": []interface{}{
			map[string]interface{}{
				"type":        "apt_package",
				"action":      "install",
				"packages":    []string{"example-package"},
				"rollback":    "auto",
				"description": "Install example package",
			},
		},
		"pre_install":  []interface{}{},
		"post_install": []interface{}{},
		"dependencies": []interface{}{},
		"conflicts":    []interface{}{},
		"requirements": map[string]interface{}{
			"min_memory":     512,
			"min_disk_space": 100,
			"os_version":     "11.0",
			"architectures":  []string{"amd64", "arm64"},
		},
	}

	out, err := yaml.Marshal(template)
	if err != nil {
		return nil, fmt.Errorf("failed to render metadata template: %w", err)
	}
	return out, nil
}
