package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample holds CPU and memory usage of one supervised service.
type ResourceSample struct {
	Service    string    `json:"service"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig holds configuration for resource sampling.
type ResourceConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ResourceSampler periodically samples the processes of running services.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]ResourceSample
	procs  map[int32]*process.Process // kept so CPUPercent has a previous reading

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceSampler(cfg ResourceConfig) *ResourceSampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      name,
			Help:      help,
		}, []string{"service"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   interval,
		latest:     make(map[string]ResourceSample),
		procs:      make(map[int32]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of service processes."),
		memoryMB:   gauge("memory_mb", "Resident memory in MB of service processes."),
		numThreads: gauge("num_threads", "Number of threads of service processes."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of service processes (Unix only)."),
	}
}

// Register registers the sampler gauges with r.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context, pids func() map[string]int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(pids())
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every service in pids and drops samples of
// services that are no longer present.
func (s *ResourceSampler) Collect(pids map[string]int) {
	now := time.Now()
	fresh := make(map[string]ResourceSample, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		sample, err := s.sample(name, int32(pid), now)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		fresh[name] = sample
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.latest {
		if _, ok := fresh[name]; !ok {
			s.cpuPercent.DeleteLabelValues(name)
			s.memoryMB.DeleteLabelValues(name)
			s.numThreads.DeleteLabelValues(name)
			s.numFDs.DeleteLabelValues(name)
		}
	}
	live := make(map[int32]bool, len(fresh))
	for name, m := range fresh {
		live[m.PID] = true
		s.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		s.memoryMB.WithLabelValues(name).Set(m.MemoryMB)
		s.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			s.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
		}
	}
	for pid := range s.procs {
		if !live[pid] {
			delete(s.procs, pid)
		}
	}
	s.latest = fresh
}

func (s *ResourceSampler) handle(pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

func (s *ResourceSampler) sample(name string, pid int32, ts time.Time) (ResourceSample, error) {
	proc, err := s.handle(pid)
	if err != nil {
		return ResourceSample{}, fmt.Errorf("process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	out := ResourceSample{
		Service:    name,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

// Latest returns the most recent sample of service.
func (s *ResourceSampler) Latest(service string) (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.latest[service]
	return m, ok
}

// All returns the most recent samples ordered by service name.
func (s *ResourceSampler) All() []ResourceSample {
	s.mu.RLock()
	out := make([]ResourceSample, 0, len(s.latest))
	for _, m := range s.latest {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

func (s *ResourceSampler) Enabled() bool { return s.enabled }
