package ports

import (
	"context"
	"time"

	"github.com/renato0307/tether/internal/domain"
)

// ProcessLifecycle starts and stops a child agent process
type ProcessLifecycle interface {
	// Start spawns the process and blocks until it reports readiness
	Start(ctx context.Context) error
	// Interrupt asks the process to stop its current work without exiting
	Interrupt() error
	// Terminate ends the process and releases its resources
	Terminate() error
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err returns the exit cause after Done is closed
	Err() error
	PID() int
}

// ProcessIO exchanges data with a child agent process
type ProcessIO interface {
	// Send writes raw input, queuing it while the process is not ready
	Send(input []byte) error
	// Request writes a JSON-RPC request and returns its id
	Request(method string, params any) (domain.RequestID, error)
	// Reply answers a request raised by the process
	Reply(id domain.RequestID, verb string, result any) error
	// Events is the ordered stream of parsed output, closed at EOF
	Events() <-chan domain.ProtocolEvent
}

// ProcessDriver is the composite interface owned by a single session
type ProcessDriver interface {
	ProcessLifecycle
	ProcessIO
	Mode() domain.DriverMode
}

// DriverFactory builds drivers and the matching completion detector
type DriverFactory interface {
	NewDriver(cfg domain.SessionConfig) (ProcessDriver, error)
	// NewDetector takes the config the driver was built with, including
	// the conversation it resumes
	NewDetector(cfg domain.SessionConfig) CompletionDetector
}

// Completion is the verdict of a detector for the running command
type Completion struct {
	Done        bool
	Err         error
	Interrupted bool
	Output      string
}

// CompletionDetector decides when a running command has finished
type CompletionDetector interface {
	// Begin resets state for a new command; turn is the id of the request
	// that started it, empty when the command was written as plain input
	Begin(now time.Time, turn domain.RequestID)
	Observe(ev domain.ProtocolEvent) Completion
	// Tick lets time-based detectors fire without new output
	Tick(now time.Time) Completion
}
