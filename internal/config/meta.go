package config

import (
	"reflect"
	"strings"
)

// GetSettingsExample uses reflection to generate example settings
// This automatically stays in sync when new fields are added to Settings
func GetSettingsExample() map[string]any {
	var s Settings
	t := reflect.TypeOf(s)
	example := make(map[string]any)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		jsonTag := field.Tag.Get("json")
		if jsonTag == "" {
			continue
		}

		// Extract the JSON field name (before comma)
		jsonName := strings.Split(jsonTag, ",")[0]

		example[jsonName] = generateExampleValue(field.Type, jsonName)
	}

	return example
}

// generateExampleValue creates appropriate example values based on type and field name
func generateExampleValue(t reflect.Type, fieldName string) any {
	if t.Kind() == reflect.Ptr {
		elemType := t.Elem()

		if elemType.Name() == "Duration" {
			switch fieldName {
			case "approval_timeout":
				return "5m"
			case "cancel_grace":
				return "5s"
			case "command_timeout":
				return "60h"
			case "idle_timeout":
				return "30m"
			case "stop_grace":
				return "500ms"
			case "startup_timeout":
				return "30s"
			default:
				return "10s"
			}
		}

		switch elemType.Kind() {
		case reflect.Bool:
			return false
		case reflect.Int:
			switch fieldName {
			case "max_log_files":
				return 1000
			case "ssh_port":
				return 2222
			default:
				return 10
			}
		}
	}

	switch t.Kind() {
	case reflect.String:
		switch fieldName {
		case "agent_binary":
			return "codex"
		case "approval_policy":
			return "on-request"
		case "authorized_keys_path":
			return "~/.ssh/authorized_keys"
		case "cwd":
			return "~/src"
		case "db_path":
			return "~/.tether/history.db"
		case "instructions_file":
			return "~/.tether/instructions.md"
		case "mode":
			return "pipe"
		case "model":
			return "gpt-5.3-codex-high"
		case "sandbox":
			return "workspace-write"
		case "ssh_host":
			return "localhost"
		default:
			return "example"
		}
	case reflect.Slice:
		switch fieldName {
		case "agent_args":
			return []string{"-c", "features.web_search=true"}
		case "prompt_patterns":
			return []string{`^\s*›\s*$`, `\(y/n\)\s*$`}
		}
		return []string{"example1", "example2"}
	}

	return nil
}
