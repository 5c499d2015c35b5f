package client

import "time"

// ServiceState is the runtime state of one supervised service.
type ServiceState struct {
	Name            string    `json:"name"`
	Port            int       `json:"port"`
	Status          string    `json:"status"`
	PID             int       `json:"pid,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	LastHealth      string    `json:"last_health"`
	LastError       string    `json:"last_error,omitempty"`
}

// Result is one entry of a bulk start, stop or health run.
type Result struct {
	Service string       `json:"service"`
	State   ServiceState `json:"state"`
	Healthy bool         `json:"healthy"`
	Error   string       `json:"error,omitempty"`
}

// HealthResult is the outcome of one health probe.
type HealthResult struct {
	URL        string        `json:"url"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// PortEntry is a reserved or registered port.
type PortEntry struct {
	Port     int    `json:"port"`
	Service  string `json:"service"`
	Status   string `json:"status,omitempty"`
	Reserved bool   `json:"reserved"`
}

// BatchRequest submits a command batch. Durations use time.ParseDuration syntax.
type BatchRequest struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	BatchType      string         `json:"batch_type,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Command        string         `json:"command"`
	WorkDir        string         `json:"work_dir,omitempty"`
	Env            []string       `json:"env,omitempty"`
	Items          []string       `json:"items"`
	Concurrency    int            `json:"concurrency,omitempty"`
	Timeout        string         `json:"timeout,omitempty"`
	Retries        int            `json:"retries,omitempty"`
	RetryDelay     string         `json:"retry_delay,omitempty"`
	PermanentCodes []int          `json:"permanent_codes,omitempty"`
}

// Batch is a persisted batch record.
type Batch struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	BatchType      string         `json:"batch_type,omitempty"`
	Priority       int            `json:"priority"`
	Status         string         `json:"status"`
	TotalCount     int            `json:"total_count"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	SkippedCount   int            `json:"skipped_count"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
}

// Progress holds batch counters.
type Progress struct {
	BatchID    string `json:"batch_id"`
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	InFlight   int    `json:"in_flight"`
	Status     string `json:"status"`
}

// BatchStatus pairs a batch record with its progress.
type BatchStatus struct {
	Batch    Batch    `json:"batch"`
	Progress Progress `json:"progress"`
}

// Finished reports whether the batch reached a terminal status.
func (b BatchStatus) Finished() bool {
	switch b.Batch.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Item is the persisted state of one batch item.
type Item struct {
	BatchID      string    `json:"batch_id"`
	Order        int       `json:"processing_order"`
	ItemRef      string    `json:"item_ref"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Token is a bearer token issued by the daemon's login endpoint.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
