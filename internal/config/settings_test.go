package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings_MissingFile(t *testing.T) {
	t.Setenv("TETHER_HOME", t.TempDir())

	settings, err := LoadSettings()

	require.NoError(t, err)
	assert.Equal(t, &Settings{}, settings)
}

func TestLoadSettings_InvalidJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TETHER_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte("{nope"), 0644))

	_, err := LoadSettings()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid settings.json")
}

func TestLoadSettings_Fields(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TETHER_HOME", home)
	userHome, err := os.UserHomeDir()
	require.NoError(t, err)

	content := `{
		"agent_args": "-c, features.x=true",
		"approval_policy": "never",
		"approval_timeout": 120,
		"cwd": "~/src",
		"idle_timeout": "45m",
		"max_sessions": 4,
		"mode": "terminal",
		"model": "gpt-5.3-codex-high",
		"prompt_patterns": ["^codex> $", "\\(y/n\\)$"],
		"quiet_interval": 2.5
	}`
	require.NoError(t, os.WriteFile(filepath.Join(home, "settings.json"), []byte(content), 0644))

	settings, err := LoadSettings()
	require.NoError(t, err)

	assert.Equal(t, StringArray{"-c", "features.x=true"}, settings.AgentArgs)
	assert.Equal(t, "never", settings.ApprovalPolicy)
	assert.Equal(t, 2*time.Minute, settings.ApprovalTimeout.Or(0))
	assert.Equal(t, filepath.Join(userHome, "src"), settings.Cwd)
	assert.Equal(t, 45*time.Minute, settings.IdleTimeout.Or(0))
	require.NotNil(t, settings.MaxSessions)
	assert.Equal(t, 4, *settings.MaxSessions)
	assert.Equal(t, "terminal", settings.Mode)
	assert.Equal(t, StringArray{"^codex> $", `\(y/n\)$`}, settings.PromptPatterns)
	assert.Equal(t, 2500*time.Millisecond, settings.QuietInterval.Or(0))
	assert.Equal(t, 30*time.Second, settings.StartupTimeout.Or(30*time.Second), "unset falls back")
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: `30`, want: 30 * time.Second},
		{name: "fractional seconds", input: `0.5`, want: 500 * time.Millisecond},
		{name: "go notation", input: `"1h30m"`, want: 90 * time.Minute},
		{name: "padded string", input: `" 5s "`, want: 5 * time.Second},
		{name: "garbage", input: `"soon"`, wantErr: true},
		{name: "wrong type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, time.Duration(d))
		})
	}
}

func TestDuration_Or(t *testing.T) {
	var unset *Duration
	zero := Duration(0)
	set := Duration(3 * time.Second)

	assert.Equal(t, time.Minute, unset.Or(time.Minute))
	assert.Equal(t, time.Minute, zero.Or(time.Minute))
	assert.Equal(t, 3*time.Second, set.Or(time.Minute))
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))

	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(data))
}

func TestSettings_Instructions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "instructions.md")
	require.NoError(t, os.WriteFile(path, []byte("\nBe brief.\n\n"), 0644))

	text, err := (&Settings{InstructionsFile: path}).Instructions()
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", text)

	text, err = (&Settings{}).Instructions()
	require.NoError(t, err)
	assert.Empty(t, text)

	_, err = (&Settings{InstructionsFile: filepath.Join(dir, "missing.md")}).Instructions()
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TETHER_HOME", home)

	assert.Equal(t, home, GetTetherHome())
	assert.Equal(t, filepath.Join(home, "history.db"), GetDBPath())
	assert.Equal(t, filepath.Join(home, "settings.json"), GetSettingsPath())
	assert.Equal(t, filepath.Join(home, "ssh", "id_ed25519"), GetHostKeyPath())
}

func TestExpandPath(t *testing.T) {
	userHome, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		input string
		want  string
	}{
		{input: "~", want: userHome},
		{input: "~/x/y", want: filepath.Join(userHome, "x/y")},
		{input: "/abs", want: "/abs"},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandPath(tt.input))
		})
	}
}

func TestGetSettingsExample_CoversEveryField(t *testing.T) {
	example := GetSettingsExample()

	data, err := json.Marshal(example)
	require.NoError(t, err)

	var settings Settings
	require.NoError(t, json.Unmarshal(data, &settings), "the example must load as settings")
	assert.Equal(t, "codex", settings.AgentBinary)
	assert.Equal(t, 5*time.Minute, settings.ApprovalTimeout.Or(0))
	require.NotNil(t, settings.SSHPort)
	assert.Equal(t, 2222, *settings.SSHPort)
	assert.Len(t, settings.PromptPatterns, 2)
	for key, value := range example {
		assert.NotNil(t, value, key)
	}
}
