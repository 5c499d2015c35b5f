package supervisor

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned by Start when the service is starting or
// active with a live process.
var ErrAlreadyRunning = errors.New("service already running")

// UnknownServiceError reports a name absent from the descriptor table.
type UnknownServiceError struct {
	Name string
}

func (e *UnknownServiceError) Error() string { return fmt.Sprintf("unknown service: %s", e.Name) }

// ProcessSpawnError wraps an OS-level failure to launch a service.
type ProcessSpawnError struct {
	Service string
	Command string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Service, e.Command, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }
