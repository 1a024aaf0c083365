package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/ports"
)

func TestIsSessionNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "sentinel", err: domain.ErrSessionNotFound, want: true},
		{name: "wrapped sentinel", err: fmt.Errorf("resume: %w", domain.ErrSessionNotFound), want: true},
		{name: "rpc error", err: &domain.RPCError{Code: -32000, Message: "Thread not found: abc"}, want: true},
		{name: "plain text", err: errors.New("No conversation found with id x"), want: true},
		{name: "unrelated", err: errors.New("rate limited"), want: false},
		{name: "fatal is never retried", err: fmt.Errorf("%w: %w", domain.ErrSessionFatal, domain.ErrSessionNotFound), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSessionNotFound(tt.err))
		})
	}
}

func TestResumeController_PassesThroughOtherErrors(t *testing.T) {
	factory := scriptedFactory(&codexScript{threadID: "thread-1"})
	s := NewSession("C1", domain.SessionConfig{}, factory, NewApprovalBridge(0), testOptions())
	r := &ResumeController{}

	calls := 0
	boom := errors.New("boom")
	_, err := r.Execute(context.Background(), s, func(context.Context) (ports.Completion, error) {
		calls++
		return ports.Completion{}, boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Zero(t, r.freshStarts)
	assert.Zero(t, factory.count())
}

func TestResumeController_FreshStartFailureIsFatal(t *testing.T) {
	factory := &fakeFactory{setup: func(_ int, d *fakeDriver) { d.startErr = domain.ErrStartupTimeout }}
	s := NewSession("C1", domain.SessionConfig{ResumeThreadID: "gone"}, factory, NewApprovalBridge(0), testOptions())
	r := &ResumeController{}

	calls := 0
	_, err := r.Execute(context.Background(), s, func(context.Context) (ports.Completion, error) {
		calls++
		return ports.Completion{}, domain.ErrSessionNotFound
	})

	require.ErrorIs(t, err, domain.ErrSessionFatal)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.freshStarts)
	assert.Empty(t, s.ThreadID())
}

func TestResumeController_RetriesOnce(t *testing.T) {
	factory := scriptedFactory(&codexScript{threadID: "thread-2"})
	s := NewSession("C1", domain.SessionConfig{ResumeThreadID: "gone"}, factory, NewApprovalBridge(0), testOptions())
	t.Cleanup(s.dropDriver)
	r := &ResumeController{}

	calls := 0
	c, err := r.Execute(context.Background(), s, func(context.Context) (ports.Completion, error) {
		calls++
		if calls == 1 {
			return ports.Completion{}, domain.ErrSessionNotFound
		}
		return ports.Completion{Done: true, Output: "ok"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", c.Output)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.freshStarts)
	require.Equal(t, 1, factory.count())
	assert.Empty(t, factory.driver(t, 0).cfg.ResumeThreadID)
}
