package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/loykin/devsvc"
	"github.com/loykin/devsvc/pkg/client"
)

// row is one line of service output, local or remote.
type row struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Port      int       `json:"port,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Health    string    `json:"health,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	// already running is reported but not a failure
	failed bool
}

func stateRow(st devsvc.RuntimeState) row {
	return row{Service: st.Name, Status: string(st.Status), Port: st.Port, PID: st.PID,
		Health: string(st.LastHealth), StartedAt: st.StartedAt, Error: st.LastError}
}

func resultRow(r devsvc.Result) row {
	out := stateRow(r.State)
	out.Service = r.Service
	if r.Err != nil {
		out.Error = r.Err.Error()
		out.failed = !errors.Is(r.Err, devsvc.ErrAlreadyRunning)
	}
	return out
}

func remoteStateRow(st client.ServiceState) row {
	return row{Service: st.Name, Status: st.Status, Port: st.Port, PID: st.PID,
		Health: st.LastHealth, StartedAt: st.StartedAt, Error: st.LastError}
}

func remoteResultRow(r client.Result) row {
	out := remoteStateRow(r.State)
	out.Service = r.Service
	if r.Error != "" {
		out.Error = r.Error
		out.failed = r.Error != devsvc.ErrAlreadyRunning.Error()
	}
	return out
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func (c *command) printRows(rows []row) {
	if c.flags.JSON {
		printJSON(c.out, rows)
		return
	}
	_, _ = fmt.Fprintf(c.out, "%-20s %-9s %6s %8s %-9s %s\n", "SERVICE", "STATUS", "PORT", "PID", "HEALTH", "ERROR")
	for _, r := range rows {
		port, pid := "-", "-"
		if r.Port > 0 {
			port = fmt.Sprint(r.Port)
		}
		if r.PID > 0 {
			pid = fmt.Sprint(r.PID)
		}
		health := r.Health
		if health == "" {
			health = "-"
		}
		_, _ = fmt.Fprintf(c.out, "%-20s %-9s %6s %8s %-9s %s\n", r.Service, r.Status, port, pid, health, r.Error)
	}
}

// failure returns an error naming the failed rows, or nil.
func failure(verb string, rows []row) error {
	var n int
	for _, r := range rows {
		if r.failed {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return fmt.Errorf("%s failed for %d of %d service(s)", verb, n, len(rows))
}

func (c *command) printProgress(p devsvc.Progress) {
	_, _ = fmt.Fprintf(c.errOut, "[%3d%%] %d/%d completed=%d failed=%d skipped=%d\n",
		p.Percentage, p.Current, p.Total, p.Completed, p.Failed, p.Skipped)
}
