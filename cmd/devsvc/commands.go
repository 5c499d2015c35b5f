package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/devsvc"
	"github.com/loykin/devsvc/internal/auth"
	"github.com/loykin/devsvc/internal/logger"
	"github.com/loykin/devsvc/pkg/client"
)

type command struct {
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer
}

func (c *command) remote() bool { return c.flags.APIUrl != "" }

func (c *command) loadConfig() (*devsvc.Config, error) {
	cfg, err := devsvc.LoadConfig(c.flags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// open builds an in-process instance for one-shot commands. Metrics are
// off since nothing scrapes a short-lived CLI.
func (c *command) open() (*devsvc.Devsvc, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Metrics.Enabled = false
	log := slog.New(logger.NewColorTextHandler(c.errOut, &slog.HandlerOptions{Level: logger.ParseLevel(cfg.Log.Level)}, false))
	return devsvc.Open(cfg, devsvc.WithLogger(log))
}

func (c *command) apiClient(ctx context.Context, baseURL string) (*client.Client, error) {
	password := c.flags.APIPassword
	if password == "" {
		password = os.Getenv("DEVSVC_API_PASSWORD")
	}
	cl := client.New(client.Config{
		BaseURL:  baseURL,
		Timeout:  c.flags.APITimeout,
		Token:    c.flags.APIToken,
		Username: c.flags.APIUser,
		Password: password,
	})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'devsvc serve'", baseURL)
	}
	return cl, nil
}

func (c *command) api(ctx context.Context) (*client.Client, error) {
	return c.apiClient(ctx, c.flags.APIUrl)
}

// daemonURL is --api-url, or the API address from the config file.
func (c *command) daemonURL() (string, error) {
	if c.remote() {
		return c.flags.APIUrl, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return "", err
	}
	return "http://" + cfg.Server.Listen + cfg.Server.BasePath, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// Serve runs the daemon in the foreground, or re-executes it detached.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	if c.remote() {
		return errors.New("serve runs locally; drop --api-url")
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Daemonize {
		pid, err := daemonize(f.PidFile, f.LogFile)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "devsvc daemon started (pid %d)\n", pid)
		return nil
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	d, err := devsvc.Open(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	ctx, stop := signalContext(ctx)
	defer stop()
	_, _ = fmt.Fprintf(c.errOut, "Starting devsvc API on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)
	err = d.Serve(ctx, devsvc.ServeOptions{StartAll: f.StartAll, StopOnExit: f.StopOnExit})
	_, _ = fmt.Fprintln(c.errOut, "Shutting down...")
	return err
}

func (c *command) Start(ctx context.Context, f StartFlags) error {
	if !f.All && len(f.Names) == 0 {
		return errors.New("service name or --all is required")
	}
	if c.remote() {
		return c.startViaAPI(ctx, f)
	}
	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	var rows []row
	if f.All {
		for _, r := range d.StartAll(ctx) {
			rows = append(rows, resultRow(r))
		}
	} else {
		for _, n := range f.Names {
			st, err := d.Start(ctx, n)
			rows = append(rows, resultRow(devsvc.Result{Service: n, State: st, Err: err}))
		}
	}
	if f.Wait > 0 {
		c.waitHealthy(ctx, rows, f.Wait, func(ctx context.Context, name string) bool {
			return d.CheckHealth(ctx, name)
		})
	}
	c.printRows(rows)
	return failure("start", rows)
}

func (c *command) startViaAPI(ctx context.Context, f StartFlags) error {
	cl, err := c.api(ctx)
	if err != nil {
		return err
	}
	var rows []row
	if f.All {
		rs, err := cl.StartAll(ctx)
		if err != nil {
			return err
		}
		for _, r := range rs {
			rows = append(rows, remoteResultRow(r))
		}
	} else {
		for _, n := range f.Names {
			st, err := cl.Start(ctx, n)
			r := client.Result{Service: n, State: st}
			if err != nil {
				if client.IsConflict(err) {
					r.Error = devsvc.ErrAlreadyRunning.Error()
				} else {
					r.Error = err.Error()
				}
			}
			rows = append(rows, remoteResultRow(r))
		}
	}
	if f.Wait > 0 {
		c.waitHealthy(ctx, rows, f.Wait, func(ctx context.Context, name string) bool {
			h, err := cl.Health(ctx, name)
			return err == nil && h.Healthy
		})
	}
	c.printRows(rows)
	return failure("start", rows)
}

// waitHealthy polls the services started successfully until they report
// healthy or wait elapses. Unhealthy ones are marked failed.
func (c *command) waitHealthy(ctx context.Context, rows []row, wait time.Duration, check func(context.Context, string) bool) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	pending := make(map[int]bool)
	for i, r := range rows {
		if !r.failed && r.Error == "" {
			pending[i] = true
		}
	}
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for len(pending) > 0 {
		for i := range pending {
			if check(ctx, rows[i].Service) {
				rows[i].Status, rows[i].Health = "active", "healthy"
				delete(pending, i)
			}
		}
		if len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			for i := range pending {
				rows[i].Health = "unhealthy"
				rows[i].Error = fmt.Sprintf("not healthy after %s", wait)
				rows[i].failed = true
			}
			return
		case <-t.C:
		}
	}
}

func (c *command) Stop(ctx context.Context, f StopFlags) error {
	if !f.All && len(f.Names) == 0 {
		return errors.New("service name or --all is required")
	}
	if c.remote() {
		return c.stopViaAPI(ctx, f)
	}
	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	var rows []row
	if f.All {
		for _, r := range d.StopAll(ctx) {
			rows = append(rows, resultRow(r))
		}
	} else {
		for _, n := range f.Names {
			err := d.Stop(ctx, n)
			st, _ := d.Status(ctx, n)
			rows = append(rows, resultRow(devsvc.Result{Service: n, State: st, Err: err}))
		}
	}
	c.printRows(rows)
	return failure("stop", rows)
}

func (c *command) stopViaAPI(ctx context.Context, f StopFlags) error {
	cl, err := c.api(ctx)
	if err != nil {
		return err
	}
	var rows []row
	if f.All {
		rs, err := cl.StopAll(ctx)
		if err != nil {
			return err
		}
		for _, r := range rs {
			rows = append(rows, remoteResultRow(r))
		}
	} else {
		for _, n := range f.Names {
			r := client.Result{Service: n}
			if err := cl.Stop(ctx, n); err != nil {
				r.Error = err.Error()
			}
			r.State, _ = cl.Status(ctx, n)
			rows = append(rows, remoteResultRow(r))
		}
	}
	c.printRows(rows)
	return failure("stop", rows)
}

func (c *command) Status(ctx context.Context, names []string) error {
	var rows []row
	if c.remote() {
		cl, err := c.api(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			sts, err := cl.ListServices(ctx)
			if err != nil {
				return err
			}
			for _, st := range sts {
				rows = append(rows, remoteStateRow(st))
			}
		}
		for _, n := range names {
			st, err := cl.Status(ctx, n)
			if err != nil {
				return err
			}
			rows = append(rows, remoteStateRow(st))
		}
		c.printRows(rows)
		return nil
	}

	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if len(names) == 0 {
		for _, st := range d.List(ctx) {
			rows = append(rows, stateRow(st))
		}
	}
	for _, n := range names {
		st, err := d.Status(ctx, n)
		if err != nil {
			return err
		}
		rows = append(rows, stateRow(st))
	}
	c.printRows(rows)
	return nil
}

// Health probes services. Only live services that answer unhealthy make
// the command fail; stopped services are reported without failing.
func (c *command) Health(ctx context.Context, names []string) error {
	var rows []row
	add := func(st row, healthy bool, probeErr string) {
		if healthy {
			st.Health = "healthy"
		} else {
			st.Health = "unhealthy"
			if probeErr != "" {
				st.Error = probeErr
			}
			st.failed = st.Status == "starting" || st.Status == "active"
		}
		rows = append(rows, st)
	}

	if c.remote() {
		cl, err := c.api(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			rs, err := cl.MonitorAll(ctx)
			if err != nil {
				return err
			}
			for _, r := range rs {
				add(remoteStateRow(r.State), r.Healthy, r.Error)
			}
		}
		for _, n := range names {
			h, err := cl.Health(ctx, n)
			if err != nil {
				return err
			}
			st, _ := cl.Status(ctx, n)
			add(remoteStateRow(st), h.Healthy, h.Error)
		}
		c.printRows(rows)
		return failure("health check", rows)
	}

	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if len(names) == 0 {
		for _, r := range d.MonitorAll(ctx) {
			add(stateRow(r.State), r.Healthy, r.Error)
		}
	}
	for _, n := range names {
		if _, err := d.Status(ctx, n); err != nil {
			return err
		}
		h := d.Supervisor().CheckHealthDetail(ctx, n)
		st, _ := d.Status(ctx, n)
		add(stateRow(st), h.Healthy, h.Error)
	}
	c.printRows(rows)
	return failure("health check", rows)
}

func (c *command) Port(ctx context.Context, f PortFlags) error {
	if f.Find {
		if c.remote() {
			return errors.New("--find probes this machine; drop --api-url")
		}
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		cfg.Metrics.Enabled = false
		d, err := devsvc.Open(cfg, devsvc.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		port, err := d.Supervisor().Allocator().FindAvailablePort(f.Preferred, cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, port)
		return nil
	}

	var rows []row
	if c.remote() {
		cl, err := c.api(ctx)
		if err != nil {
			return err
		}
		if f.Name != "" {
			st, err := cl.Status(ctx, f.Name)
			if err != nil {
				return err
			}
			return c.printPort(remoteStateRow(st))
		}
		ports, err := cl.Ports(ctx)
		if err != nil {
			return err
		}
		for _, p := range ports {
			rows = append(rows, row{Service: p.Service, Status: p.Status, Port: p.Port})
		}
		c.printRows(rows)
		return nil
	}

	d, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	if f.Name != "" {
		st, err := d.Status(ctx, f.Name)
		if err != nil {
			return err
		}
		return c.printPort(stateRow(st))
	}
	for _, st := range d.List(ctx) {
		if st.Port > 0 && st.Status.Live() {
			rows = append(rows, stateRow(st))
		}
	}
	c.printRows(rows)
	return nil
}

func (c *command) printPort(r row) error {
	live := r.Status == "starting" || r.Status == "active"
	if !live || r.Port <= 0 {
		return fmt.Errorf("service %s is not running (status %s)", r.Service, r.Status)
	}
	if c.flags.JSON {
		printJSON(c.out, r)
		return nil
	}
	_, _ = fmt.Fprintln(c.out, r.Port)
	return nil
}

// splitList splits comma separated flag values and drops blanks.
func splitList(vals []string) []string {
	var out []string
	for _, v := range vals {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// HashPassword prints the bcrypt hash of the first line read from in.
func (c *command) HashPassword(in io.Reader, cost int) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read password: %w", err)
	}
	h, err := auth.HashPassword(strings.TrimRight(line, "\r\n"), cost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, h)
	return err
}
