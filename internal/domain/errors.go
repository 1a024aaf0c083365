package domain

import (
	"errors"
	"strings"
)

var (
	ErrApprovalTimeout   = errors.New("approval decision timed out")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrItemNotFound      = errors.New("queue item not found")
	ErrParse             = errors.New("malformed protocol message")
	ErrPoolFull          = errors.New("session pool is full")
	ErrProcessClosed     = errors.New("process closed")
	ErrQueueFull         = errors.New("session queue is full")
	ErrSessionFatal      = errors.New("session failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session terminated")
	ErrStartupTimeout    = errors.New("process startup timed out")
	ErrUnknownSession    = errors.New("unknown session")
	ErrUnsupportedMethod = errors.New("method not supported")
)

var sessionNotFoundSignatures = []string{
	"no conversation found",
	"session not found",
	"thread not found",
}

// IsSessionNotFoundMessage matches the agent's "resume target missing" errors
func IsSessionNotFoundMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, sig := range sessionNotFoundSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
