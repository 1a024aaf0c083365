package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	adapteragent "github.com/renato0307/tether/internal/adapters/agent"
	"github.com/renato0307/tether/internal/config"
	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/services"
)

func duration(d time.Duration) *config.Duration {
	v := config.Duration(d)
	return &v
}

func intPtr(v int) *int { return &v }

func TestPoolConfig_Defaults(t *testing.T) {
	cfg, err := poolConfig(&config.Settings{})

	require.NoError(t, err)
	assert.Equal(t, services.DefaultApprovalTimeout, cfg.ApprovalTimeout)
	assert.Equal(t, services.DefaultIdleTimeout, cfg.IdleTimeout)
	assert.Equal(t, services.DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, services.DefaultCancelGrace, cfg.Session.CancelGrace)
	assert.Equal(t, services.DefaultCommandTimeout, cfg.Session.CommandTimeout)
	assert.Zero(t, cfg.MaxSessions)
	assert.Zero(t, cfg.Session.MaxQueueDepth)
	assert.Equal(t, domain.SessionConfig{}, cfg.Defaults)
}

func TestPoolConfig_FromSettings(t *testing.T) {
	instructions := filepath.Join(t.TempDir(), "AGENTS.md")
	require.NoError(t, os.WriteFile(instructions, []byte("  be brief\n"), 0644))

	cfg, err := poolConfig(&config.Settings{
		AgentArgs:        config.StringArray{"--yolo"},
		ApprovalPolicy:   "never",
		ApprovalTimeout:  duration(time.Minute),
		CancelGrace:      duration(2 * time.Second),
		CommandTimeout:   duration(time.Hour),
		Cwd:              "/work",
		IdleTimeout:      duration(10 * time.Minute),
		InstructionsFile: instructions,
		MaxQueueDepth:    intPtr(5),
		MaxSessions:      intPtr(3),
		Mode:             "terminal",
		Model:            "gpt-5.3-codex-high",
		Sandbox:          "workspace-write",
		SweepInterval:    duration(time.Second),
	})

	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.ApprovalTimeout)
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, services.SessionOptions{
		CancelGrace:    2 * time.Second,
		CommandTimeout: time.Hour,
		MaxQueueDepth:  5,
	}, cfg.Session)
	assert.Equal(t, domain.SessionConfig{
		ApprovalPolicy: domain.PolicyNever,
		Cwd:            "/work",
		ExtraArgs:      []string{"--yolo"},
		Instructions:   "be brief",
		Mode:           domain.ModeTerminal,
		Model:          "gpt-5.3-codex-high",
		Sandbox:        "workspace-write",
	}, cfg.Defaults)
}

func TestPoolConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		settings config.Settings
		wantErr  string
	}{
		{
			name:     "unknown mode",
			settings: config.Settings{Mode: "tmux"},
			wantErr:  `invalid mode "tmux"`,
		},
		{
			name:     "missing instructions file",
			settings: config.Settings{InstructionsFile: "/nonexistent/AGENTS.md"},
			wantErr:  "failed to read instructions file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := poolConfig(&tt.settings)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFactoryConfig(t *testing.T) {
	tests := []struct {
		name      string
		settings  config.Settings
		wantQuiet time.Duration
		wantStart time.Duration
		wantStop  time.Duration
	}{
		{
			name:      "defaults",
			wantQuiet: adapteragent.DefaultQuietInterval,
			wantStart: adapteragent.DefaultStartupTimeout,
			wantStop:  adapteragent.DefaultStopGrace,
		},
		{
			name: "overrides",
			settings: config.Settings{
				QuietInterval:  duration(3 * time.Second),
				StartupTimeout: duration(time.Minute),
				StopGrace:      duration(time.Second),
			},
			wantQuiet: 3 * time.Second,
			wantStart: time.Minute,
			wantStop:  time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.settings.AgentBinary = "/opt/codex"

			cfg, err := factoryConfig(&tt.settings)

			require.NoError(t, err)
			assert.Equal(t, "/opt/codex", cfg.Binary)
			assert.Equal(t, tt.wantQuiet, cfg.Driver.QuietInterval)
			assert.Equal(t, tt.wantQuiet, cfg.IdleCompletion.QuietInterval)
			assert.Equal(t, tt.wantStart, cfg.Driver.StartupTimeout)
			assert.Equal(t, tt.wantStop, cfg.Driver.StopGrace)
			assert.Nil(t, cfg.IdleCompletion.PromptPatterns, "defaults apply")
		})
	}
}

func TestFactoryConfig_PromptPatterns(t *testing.T) {
	cfg, err := factoryConfig(&config.Settings{PromptPatterns: config.StringArray{`^codex> $`}})

	require.NoError(t, err)
	require.Len(t, cfg.IdleCompletion.PromptPatterns, 1)
	assert.Equal(t, `^codex> $`, cfg.IdleCompletion.PromptPatterns[0].String())
	assert.Equal(t, cfg.IdleCompletion.PromptPatterns, cfg.Driver.PromptPatterns)

	_, err = factoryConfig(&config.Settings{PromptPatterns: config.StringArray{`[unclosed`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid prompt_patterns")

	_, err = NewContainer(&config.Settings{
		DBPath:         filepath.Join(t.TempDir(), "history.db"),
		PromptPatterns: config.StringArray{`[unclosed`},
	})
	assert.ErrorContains(t, err, "invalid prompt_patterns")
}

func TestNewContainer_OpensHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "db", "history.db")

	c, err := NewContainer(&config.Settings{DBPath: dbPath})
	require.NoError(t, err)
	defer c.Close()

	assert.FileExists(t, dbPath)
	assert.NotNil(t, c.Factory)
	assert.NotNil(t, c.HistoryStatsService)

	pool, err := c.NewPool()
	require.NoError(t, err)
	assert.Empty(t, pool.List())
}
