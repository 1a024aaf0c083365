package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseModelEffort(t *testing.T) {
	tests := []struct {
		model      string
		wantBase   string
		wantEffort string
	}{
		{"gpt-5.3-codex", "gpt-5.3-codex", ""},
		{"opus", "opus", ""},
		{"gpt-5.3-codex-low", "gpt-5.3-codex", "low"},
		{"gpt-5.3-codex-medium", "gpt-5.3-codex", "medium"},
		{"gpt-5.3-codex-high", "gpt-5.3-codex", "high"},
		{"gpt-5.3-codex-xhigh", "gpt-5.3-codex", "xhigh"},
		{"gpt-5.1-codex-max", "gpt-5.1-codex-max", ""},
		{"gpt-5.1-codex-max-high", "gpt-5.1-codex-max", "high"},
		{"gpt-5.1-codex-max-xhigh", "gpt-5.1-codex-max", "xhigh"},
		{"gpt-5.1-codex-mini", "gpt-5.1-codex-mini", ""},
		{"gpt-5.1-codex-mini-low", "gpt-5.1-codex-mini", "low"},
		{"GPT-5.3-CODEX-HIGH", "GPT-5.3-CODEX", "high"},
		{"GPT-5.3-CODEX-EXTRA-HIGH", "GPT-5.3-CODEX", "xhigh"},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			base, effort := ParseModelEffort(tt.model)
			assert.Equal(t, tt.wantBase, base)
			assert.Equal(t, tt.wantEffort, effort)
		})
	}
}

func TestParseEffortHint(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantText   string
		wantEffort string
	}{
		{"high suffix", "fix bug -high", "fix bug", "high"},
		{"extra-high alias", "refactor parser -extra-high", "refactor parser", "xhigh"},
		{"uppercase", "write tests -LOW", "write tests", "low"},
		{"trailing newline", "fix bug -medium\n", "fix bug", "medium"},
		{"no hint", "fix bug", "fix bug", ""},
		{"unknown flag kept", "run ls -la", "run ls -la", ""},
		{"hint alone is text", "-high", "-high", ""},
		{"dash inside word", "use gpt-high model", "use gpt-high model", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, effort := ParseEffortHint(tt.input)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantEffort, effort)
		})
	}
}

func TestNewCommand_StripsEffortHint(t *testing.T) {
	cmd := NewCommand("fix bug -high")

	assert.Equal(t, "fix bug", cmd.Text)
	assert.Equal(t, "high", cmd.Effort)
}
