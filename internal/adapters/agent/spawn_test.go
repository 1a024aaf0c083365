package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renato0307/tether/internal/domain"
)

func TestPipeArgs(t *testing.T) {
	args := PipeArgs(domain.SessionConfig{
		ExtraArgs: []string{"-c", "features.x=true"},
		Model:     "gpt-5.3-codex-high",
		Sandbox:   "read-only",
	})

	assert.Equal(t, []string{"app-server", "--listen", "stdio://", "-c", "features.x=true"}, args)
}

func TestTerminalArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.SessionConfig
		want []string
	}{
		{
			name: "minimal",
			cfg:  domain.SessionConfig{},
			want: []string{"--cd", "/work"},
		},
		{
			name: "resume with everything",
			cfg: domain.SessionConfig{
				ApprovalPolicy: "on-failure",
				ExtraArgs:      []string{"--search"},
				Model:          "gpt-5.3-codex-xhigh",
				ResumeThreadID: "abc-123",
				Sandbox:        "workspace-write",
			},
			want: []string{
				"resume", "abc-123",
				"--sandbox", "workspace-write",
				"--ask-for-approval", "on-request",
				"--model", "gpt-5.3-codex",
				"-c", `model_reasoning_effort="xhigh"`,
				"--cd", "/work",
				"--search",
			},
		},
		{
			name: "model without effort",
			cfg:  domain.SessionConfig{Model: "gpt-5-mini"},
			want: []string{"--model", "gpt-5-mini", "--cd", "/work"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TerminalArgs(tt.cfg, "/work"))
		})
	}
}

func TestResolveCwd(t *testing.T) {
	dir := t.TempDir()
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.Equal(t, dir, resolveCwd(dir))
	assert.Equal(t, home, resolveCwd(filepath.Join(dir, "missing")))
	assert.Equal(t, home, resolveCwd(file), "a file is not a working directory")
	assert.Equal(t, home, resolveCwd(""))
}

func TestFactory_Defaults(t *testing.T) {
	f := NewFactory(FactoryConfig{})

	assert.Equal(t, "codex", f.cfg.Binary)
	assert.Equal(t, uint16(DefaultCols), f.cfg.Cols)
	assert.Equal(t, uint16(DefaultRows), f.cfg.Rows)
}

func TestFactory_NewDriver(t *testing.T) {
	f := NewFactory(FactoryConfig{Binary: "codex-test"})

	d, err := f.NewDriver(domain.SessionConfig{Cwd: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, domain.ModePipe, d.Mode())
	assert.Zero(t, d.PID(), "not started")

	d, err = f.NewDriver(domain.SessionConfig{Mode: domain.ModeTerminal})
	require.NoError(t, err)
	assert.Equal(t, domain.ModeTerminal, d.Mode())

	_, err = f.NewDriver(domain.SessionConfig{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFactory_NewDetector(t *testing.T) {
	f := NewFactory(FactoryConfig{})

	assert.IsType(t, &ProtocolCompletion{}, f.NewDetector(domain.SessionConfig{Mode: domain.ModePipe}))

	idle, ok := f.NewDetector(domain.SessionConfig{Mode: domain.ModeTerminal}).(*IdleCompletion)
	require.True(t, ok)
	assert.Equal(t, DefaultQuietInterval, idle.cfg.QuietInterval)
	assert.False(t, idle.resuming)

	resumed, ok := f.NewDetector(domain.SessionConfig{Mode: domain.ModeTerminal, ResumeThreadID: "abc"}).(*IdleCompletion)
	require.True(t, ok)
	assert.True(t, resumed.resuming)
}

func TestFactory_SpawnFailure(t *testing.T) {
	f := NewFactory(FactoryConfig{Binary: filepath.Join(t.TempDir(), "no-such-binary")})

	d, err := f.NewDriver(domain.SessionConfig{})
	require.NoError(t, err)

	err = d.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to spawn agent")

	_, open := <-d.Events()
	assert.False(t, open)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 5}

	n, err := b.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "world", b.String())

	b.Write([]byte("!!"))
	assert.Equal(t, "rld!!", b.String())
}
