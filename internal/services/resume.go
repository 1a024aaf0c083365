package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/renato0307/tether/internal/domain"
	"github.com/renato0307/tether/internal/logging"
	"github.com/renato0307/tether/internal/ports"
)

// IsSessionNotFound reports whether err means the conversation being
// resumed no longer exists
func IsSessionNotFound(err error) bool {
	if err == nil || errors.Is(err, domain.ErrSessionFatal) {
		return false
	}
	var rpcErr *domain.RPCError
	if errors.As(err, &rpcErr) && domain.IsSessionNotFoundMessage(rpcErr.Message) {
		return true
	}
	return errors.Is(err, domain.ErrSessionNotFound) || domain.IsSessionNotFoundMessage(err.Error())
}

// ResumeController replaces a missing conversation with a fresh one and
// replays the command that hit it, once
type ResumeController struct {
	freshStarts int
}

// Execute runs attempt and, if it fails because the resumed conversation is
// gone, starts over on a fresh thread and runs it one more time. A second
// miss is fatal to the session.
func (r *ResumeController) Execute(ctx context.Context, s *Session, attempt func(context.Context) (ports.Completion, error)) (ports.Completion, error) {
	c, err := attempt(ctx)
	if !IsSessionNotFound(err) {
		return c, err
	}

	logging.Logger.Warn("Resume target missing, starting a fresh conversation",
		"session", s.Key(), "thread", s.ThreadID(), "error", err)

	if ferr := r.FreshStart(ctx, s); ferr != nil {
		return c, fmt.Errorf("%w: fresh start failed: %v", domain.ErrSessionFatal, ferr)
	}

	c, err = attempt(ctx)
	if IsSessionNotFound(err) {
		return c, fmt.Errorf("%w: conversation missing after fresh start: %v", domain.ErrSessionFatal, err)
	}
	return c, err
}

// FreshStart stops the session's agent and starts a new one with the same
// working directory and configuration but no conversation to resume
func (r *ResumeController) FreshStart(ctx context.Context, s *Session) error {
	r.freshStarts++
	s.dropDriver()
	s.resetThread()
	return s.spawnDriver(ctx)
}
