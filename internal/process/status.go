package process

import "time"

// Status is a point-in-time view of a spawned child.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitErr   error     `json:"-"`
	// StopRequested is true when the exit followed an explicit Stop.
	StopRequested bool `json:"stop_requested"`
}
