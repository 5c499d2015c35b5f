// Package service holds the static descriptors of supervisable dev servers and
// the runtime state the supervisor tracks for each of them.
package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/devsvc/internal/logger"
)

// Status is the lifecycle state of a service.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusActive, StatusInactive, StatusError:
		return true
	}
	return false
}

// Live reports whether the status claims a running process.
func (s Status) Live() bool { return s == StatusStarting || s == StatusActive }

// Health is the result of the last health probe.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// CanTransition reports whether a service may move from one status to another.
// Error and inactive are reachable from anywhere; starting only from a
// non-live state; active only from starting or active.
func CanTransition(from, to Status) bool {
	if !to.Valid() {
		return false
	}
	switch to {
	case StatusInactive, StatusError:
		return true
	case StatusStarting:
		return from == "" || !from.Live()
	case StatusActive:
		return from == StatusStarting || from == StatusActive
	}
	return false
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Descriptor is the immutable configuration of one supervisable service.
type Descriptor struct {
	Name           string            `json:"name" mapstructure:"name"`
	DisplayName    string            `json:"display_name" mapstructure:"display_name"`
	Description    string            `json:"description" mapstructure:"description"`
	PreferredPort  int               `json:"preferred_port" mapstructure:"preferred_port"`
	Protocol       string            `json:"protocol" mapstructure:"protocol"`
	Host           string            `json:"host" mapstructure:"host"`
	BasePath       string            `json:"base_path" mapstructure:"base_path"`
	HealthPath     string            `json:"health_path" mapstructure:"health_path"`
	Command        string            `json:"command" mapstructure:"command"`
	WorkDir        string            `json:"work_dir" mapstructure:"work_dir"`
	ProcessPattern string            `json:"process_pattern" mapstructure:"process_pattern"`
	PortEnv        string            `json:"port_env" mapstructure:"port_env"`
	Env            []string          `json:"env" mapstructure:"env"`
	Log            logger.FileConfig `json:"log" mapstructure:"log"`
	Metadata       map[string]any    `json:"metadata" mapstructure:"metadata"`
}

// WithDefaults fills protocol, host, health path, display name and process
// pattern when they are empty.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Protocol == "" {
		d.Protocol = "http"
	}
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.HealthPath == "" {
		d.HealthPath = "/health"
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}
	if d.ProcessPattern == "" {
		d.ProcessPattern = d.Command
	}
	return d
}

// Validate checks a descriptor. It is run once at startup for every entry
// of the table.
func (d Descriptor) Validate() error {
	var errs []error
	if !nameRe.MatchString(d.Name) {
		errs = append(errs, fmt.Errorf("invalid service name %q", d.Name))
	}
	if strings.TrimSpace(d.Command) == "" {
		errs = append(errs, fmt.Errorf("service %s: command is required", d.Name))
	}
	if d.PreferredPort < 0 || d.PreferredPort > 65535 {
		errs = append(errs, fmt.Errorf("service %s: preferred port %d out of range", d.Name, d.PreferredPort))
	}
	if !envNameRe.MatchString(d.PortEnv) {
		errs = append(errs, fmt.Errorf("service %s: invalid port env name %q", d.Name, d.PortEnv))
	}
	if d.Protocol != "" && d.Protocol != "http" && d.Protocol != "https" {
		errs = append(errs, fmt.Errorf("service %s: unsupported protocol %q", d.Name, d.Protocol))
	}
	if d.HealthPath != "" && !strings.HasPrefix(d.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("service %s: health path must start with /", d.Name))
	}
	return errors.Join(errs...)
}

// HealthURL builds the probe URL for port.
func (d Descriptor) HealthURL(port int) string {
	d = d.WithDefaults()
	return fmt.Sprintf("%s://%s:%d%s", d.Protocol, d.Host, port, d.HealthPath)
}

// ValidateTable validates every descriptor and rejects duplicate names and
// duplicate preferred ports.
func ValidateTable(ds []Descriptor) error {
	var errs []error
	names := make(map[string]bool, len(ds))
	ports := make(map[int]string, len(ds))
	for _, d := range ds {
		if err := d.WithDefaults().Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("duplicate service name %q", d.Name))
		}
		names[d.Name] = true
		if d.PreferredPort > 0 {
			if other, ok := ports[d.PreferredPort]; ok {
				errs = append(errs, fmt.Errorf("services %s and %s share preferred port %d", other, d.Name, d.PreferredPort))
			}
			ports[d.PreferredPort] = d.Name
		}
	}
	return errors.Join(errs...)
}

// RuntimeState is the mutable state owned by the supervisor for one service.
type RuntimeState struct {
	Name            string    `json:"name"`
	Port            int       `json:"port"`
	Status          Status    `json:"status"`
	PID             int       `json:"pid,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
	LastHealth      Health    `json:"last_health"`
	LastError       string    `json:"last_error,omitempty"`
}

// NewState returns the initial inactive state for a descriptor.
func NewState(name string) RuntimeState {
	return RuntimeState{Name: name, Status: StatusInactive, LastHealth: HealthUnknown}
}
