// Package portalloc hands out free TCP ports for locally supervised services.
//
// A port is considered free when a TCP listener can be bound on it. The probe
// releases the listener immediately, so there is a window between the probe and
// the moment the child process binds the port in which another process may take
// it. Callers reserve the port in the allocator right after choosing it so that
// at least this process never hands it out twice.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
)

const (
	// DefaultRangeStart and DefaultRangeEnd bound the scan when no range is configured.
	DefaultRangeStart = 3000
	DefaultRangeEnd   = 3999
	// DefaultHost is the interface probed for availability.
	DefaultHost = "127.0.0.1"
)

var (
	// ErrNoAvailablePort is matched by *NoAvailablePortError via errors.Is.
	ErrNoAvailablePort = errors.New("no available port")
	// ErrInvalidRange is returned when the scan range is not a valid TCP port range.
	ErrInvalidRange = errors.New("invalid port range")
	// ErrPortTaken is returned by Reserve when another owner already holds the port.
	ErrPortTaken = errors.New("port already reserved")
)

// NoAvailablePortError reports an exhausted scan range.
type NoAvailablePortError struct {
	Preferred  int
	RangeStart int
	RangeEnd   int
}

func (e *NoAvailablePortError) Error() string {
	if e.Preferred > 0 {
		return fmt.Sprintf("no available port: preferred %d taken and range %d-%d exhausted", e.Preferred, e.RangeStart, e.RangeEnd)
	}
	return fmt.Sprintf("no available port in range %d-%d", e.RangeStart, e.RangeEnd)
}

func (e *NoAvailablePortError) Is(target error) bool { return target == ErrNoAvailablePort }

// ProbeFunc reports whether port can currently be bound.
type ProbeFunc func(port int) bool

// Allocator tracks ports handed out by this process.
type Allocator struct {
	mu        sync.Mutex
	host      string
	probe     ProbeFunc
	allocated map[int]string // port -> owner
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithHost sets the interface used by the default bind probe.
func WithHost(host string) Option {
	return func(a *Allocator) {
		if host != "" {
			a.host = host
		}
	}
}

// WithProbe replaces the bind probe. Used by tests.
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) {
		if p != nil {
			a.probe = p
		}
	}
}

func New(opts ...Option) *Allocator {
	a := &Allocator{host: DefaultHost, allocated: make(map[int]string)}
	for _, o := range opts {
		o(a)
	}
	if a.probe == nil {
		host := a.host
		a.probe = func(port int) bool { return IsPortFree(host, port) }
	}
	return a
}

// IsPortFree binds a TCP listener on host:port and closes it right away.
func IsPortFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindAvailablePort returns preferred when it is bindable and not reserved,
// otherwise the lowest bindable, unreserved port in [rangeStart, rangeEnd].
// Nothing is reserved by this call.
func (a *Allocator) FindAvailablePort(preferred, rangeStart, rangeEnd int) (int, error) {
	if rangeStart < 1 || rangeEnd > 65535 || rangeStart > rangeEnd {
		return 0, fmt.Errorf("%w: %d-%d", ErrInvalidRange, rangeStart, rangeEnd)
	}
	if preferred < 0 || preferred > 65535 {
		return 0, fmt.Errorf("%w: preferred port %d", ErrInvalidRange, preferred)
	}
	if preferred > 0 && !a.isReserved(preferred) && a.probe(preferred) {
		return preferred, nil
	}
	for port := rangeStart; port <= rangeEnd; port++ {
		if port == preferred || a.isReserved(port) {
			continue
		}
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, &NoAvailablePortError{Preferred: preferred, RangeStart: rangeStart, RangeEnd: rangeEnd}
}

// Reserve records port as owned by owner. Reserving a port already held by the
// same owner is a no-op.
func (a *Allocator) Reserve(port int, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.allocated[port]; ok && cur != owner {
		return fmt.Errorf("%w: %d held by %s", ErrPortTaken, port, cur)
	}
	a.allocated[port] = owner
	return nil
}

// Release forgets a reservation.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.allocated, port)
	a.mu.Unlock()
}

// ReleaseOwner drops every reservation held by owner and returns the freed ports.
func (a *Allocator) ReleaseOwner(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var freed []int
	for p, o := range a.allocated {
		if o == owner {
			delete(a.allocated, p)
			freed = append(freed, p)
		}
	}
	sort.Ints(freed)
	return freed
}

// Owner returns the owner of a reserved port.
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.allocated[port]
	return o, ok
}

// Allocated returns a copy of the reservation table.
func (a *Allocator) Allocated() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.allocated))
	for p, o := range a.allocated {
		out[p] = o
	}
	return out
}

func (a *Allocator) isReserved(port int) bool {
	a.mu.Lock()
	_, ok := a.allocated[port]
	a.mu.Unlock()
	return ok
}
