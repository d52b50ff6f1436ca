package metadata

// packageSchema is the JSON Schema (draft-07) a parsed package document
// must satisfy. It corrects two gaps found in the reference schema this
// was grown from: the install_steps "type" enum is missing custom_script,
// and "rollback" is missing the "none" strategy — both required by the
// full step-type and rollback-strategy vocabularies this system supports.
const packageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["package", "install_steps"],
  "properties": {
    "package": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "pattern": "^[a-zA-Z0-9_-]+$"},
        "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+(-[a-zA-Z0-9._]+)?$"},
        "description": {"type": "string"},
        "author": {"type": "string"},
        "license": {"type": "string"}
      },
      "additionalProperties": false
    },
    "install_steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {
            "type": "string",
            "enum": ["apt_package", "file_copy", "systemd_service", "user_management", "custom_script", "ansible_playbook"]
          },
          "rollback": {
            "type": "string",
            "enum": ["auto", "manual", "ansible", "none"]
          },
          "description": {"type": "string"}
        },
        "allOf": [
          {
            "if": {"properties": {"type": {"const": "apt_package"}}},
            "then": {
              "required": ["action", "packages"],
              "properties": {
                "action": {"type": "string", "enum": ["install", "remove", "update"]},
                "packages": {
                  "type": "array",
                  "minItems": 1,
                  "items": {"type": "string", "pattern": "^[a-zA-Z0-9._+-]+$"}
                }
              }
            }
          },
          {
            "if": {"properties": {"type": {"const": "file_copy"}}},
            "then": {
              "required": ["src", "dest"],
              "properties": {
                "src": {"type": "string"},
                "dest": {"type": "string"},
                "owner": {"type": "string"},
                "group": {"type": "string"},
                "mode": {"type": "string", "pattern": "^[0-7]{3,4}$"},
                "sha256": {"type": "string", "pattern": "^[a-f0-9]{64}$"}
              }
            }
          },
          {
            "if": {"properties": {"type": {"const": "systemd_service"}}},
            "then": {
              "required": ["service", "action"],
              "properties": {
                "service": {"type": "string"},
                "action": {"type": "string", "enum": ["enable", "disable", "start", "stop", "restart"]}
              }
            }
          },
          {
            "if": {"properties": {"type": {"const": "user_management"}}},
            "then": {
              "required": ["username", "action"],
              "properties": {
                "username": {"type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_-]*$"},
                "action": {"type": "string", "enum": ["create", "remove", "modify"]},
                "user_data": {
                  "type": "object",
                  "properties": {
                    "home": {"type": "string"},
                    "shell": {"type": "string"},
                    "groups": {"type": "array", "items": {"type": "string"}},
                    "system": {"type": "boolean"}
                  }
                }
              }
            }
          },
          {
            "if": {"properties": {"type": {"const": "custom_script"}}},
            "then": {
              "required": ["command", "rollback"],
              "not": {"properties": {"rollback": {"const": "auto"}}},
              "properties": {
                "command": {"type": "string"},
                "args": {"type": "array", "items": {"type": "string"}},
                "rollback_script": {"type": "string"},
                "timeout_seconds": {"type": "integer"}
              }
            }
          },
          {
            "if": {"properties": {"type": {"const": "ansible_playbook"}}},
            "then": {
              "required": ["playbook", "rollback"],
              "not": {"properties": {"rollback": {"const": "auto"}}},
              "properties": {
                "playbook": {"type": "string"},
                "rollback_playbook": {"type": "string"},
                "vars": {"type": "object"},
                "inventory": {"type": "string"}
              }
            }
          }
        ]
      }
    },
    "pre_install": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "enum": ["script", "ansible_playbook"]},
          "script": {"type": "string"},
          "playbook": {"type": "string"},
          "vars": {"type": "object"}
        }
      }
    },
    "post_install": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "enum": ["script", "ansible_playbook"]},
          "script": {"type": "string"},
          "playbook": {"type": "string"},
          "vars": {"type": "object"}
        }
      }
    },
    "dependencies": {"type": "array", "items": {"type": "string"}},
    "conflicts": {"type": "array", "items": {"type": "string"}},
    "allow_irreversible": {"type": "boolean"},
    "requirements": {
      "type": "object",
      "properties": {
        "min_memory": {"type": "integer"},
        "min_disk_space": {"type": "integer"},
        "os_version": {"type": "string"},
        "architectures": {"type": "array", "items": {"type": "string"}}
      }
    }
  },
  "additionalProperties": false
}`

// stepSchema validates a single step object in isolation (see
// Parser.ValidateStep); it checks only the step's type tag.
const stepSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "type": "string",
      "enum": ["apt_package", "file_copy", "systemd_service", "user_management", "custom_script", "ansible_playbook"]
    }
  }
}`
