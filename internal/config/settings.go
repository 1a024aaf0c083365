package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration supports "90s" or a plain number of seconds in JSON
type Duration time.Duration

// UnmarshalJSON implements custom unmarshaling for Duration
func (d *Duration) UnmarshalJSON(data []byte) error {
	// Try number of seconds first
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(str))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", str, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON writes the duration in Go notation
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Or returns the duration, or def when unset
func (d *Duration) Or(def time.Duration) time.Duration {
	if d == nil || *d <= 0 {
		return def
	}
	return time.Duration(*d)
}

// StringArray supports both JSON arrays and comma-separated strings
type StringArray []string

// UnmarshalJSON implements custom unmarshaling for StringArray
func (sa *StringArray) UnmarshalJSON(data []byte) error {
	// Try array format first
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*sa = arr
		return nil
	}

	// Fall back to comma-separated string
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*sa = parseCommaSeparated(str)
	return nil
}

// parseCommaSeparated splits comma-separated string and trims whitespace
func parseCommaSeparated(s string) []string {
	if s == "" {
		return []string{}
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Settings represents the structure of ~/.tether/settings.json
type Settings struct {
	AgentBinary        string      `json:"agent_binary,omitempty"`
	AgentArgs          StringArray `json:"agent_args,omitempty"`
	ApprovalPolicy     string      `json:"approval_policy,omitempty"`
	ApprovalTimeout    *Duration   `json:"approval_timeout,omitempty"`
	AuthorizedKeysPath string      `json:"authorized_keys_path,omitempty"`
	CancelGrace        *Duration   `json:"cancel_grace,omitempty"`
	CommandTimeout     *Duration   `json:"command_timeout,omitempty"`
	Cwd                string      `json:"cwd,omitempty"`
	DBPath             string      `json:"db_path,omitempty"`
	Debug              *bool       `json:"debug,omitempty"`
	IdleTimeout        *Duration   `json:"idle_timeout,omitempty"`
	InstructionsFile   string      `json:"instructions_file,omitempty"`
	MaxLogFiles        *int        `json:"max_log_files,omitempty"`
	MaxQueueDepth      *int        `json:"max_queue_depth,omitempty"`
	MaxSessions        *int        `json:"max_sessions,omitempty"`
	Mode               string      `json:"mode,omitempty"`
	Model              string      `json:"model,omitempty"`
	PromptPatterns     StringArray `json:"prompt_patterns,omitempty"`
	QuietInterval      *Duration   `json:"quiet_interval,omitempty"`
	Sandbox            string      `json:"sandbox,omitempty"`
	SSHHost            string      `json:"ssh_host,omitempty"`
	SSHPort            *int        `json:"ssh_port,omitempty"`
	StartupTimeout     *Duration   `json:"startup_timeout,omitempty"`
	StopGrace          *Duration   `json:"stop_grace,omitempty"`
	SweepInterval      *Duration   `json:"sweep_interval,omitempty"`
}

// LoadSettings loads settings from $TETHER_HOME/settings.json (or ~/.tether/settings.json if not set)
// Returns empty Settings if file doesn't exist (not an error)
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom loads settings from an explicit path
func LoadSettingsFrom(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil // Not an error, use defaults
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("invalid settings.json: %w", err)
	}

	// Expand paths that start with ~
	settings.AuthorizedKeysPath = ExpandPath(settings.AuthorizedKeysPath)
	settings.Cwd = ExpandPath(settings.Cwd)
	settings.DBPath = ExpandPath(settings.DBPath)
	settings.InstructionsFile = ExpandPath(settings.InstructionsFile)

	return &settings, nil
}

// Instructions reads the default instructions file. No file configured
// means no instructions.
func (s *Settings) Instructions() (string, error) {
	if s.InstructionsFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.InstructionsFile)
	if err != nil {
		return "", fmt.Errorf("failed to read instructions file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
