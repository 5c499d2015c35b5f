package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devsvc/internal/service"
	"github.com/loykin/devsvc/internal/supervisor"
)

func (r *Router) serviceName(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return name, true
}

func (r *Router) handleListServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.List(c.Request.Context()))
}

func (r *Router) handleServiceStatus(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	st, err := r.sup.Status(c.Request.Context(), name)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

type startResp struct {
	State service.RuntimeState `json:"state"`
	Error string               `json:"error,omitempty"`
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	st, err := r.sup.Start(c.Request.Context(), name)
	if err != nil {
		r.log.Warn("start failed", "service", name, "error", err)
		writeJSON(c, statusFor(err), startResp{State: st, Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, startResp{State: st})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(c.Request.Context(), name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealth(c *gin.Context) {
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	if _, err := r.sup.Descriptor(name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	// unhealthy is a valid answer, not an error
	writeJSON(c, http.StatusOK, r.sup.CheckHealthDetail(c.Request.Context(), name))
}

func (r *Router) handleAll(c *gin.Context) {
	ctx := c.Request.Context()
	var rs []supervisor.Result
	switch c.Param("action") {
	case "start":
		rs = r.sup.StartAll(ctx)
	case "stop":
		rs = r.sup.StopAll(ctx)
	case "health":
		rs = r.sup.MonitorAll(ctx)
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	writeJSON(c, http.StatusOK, rs)
}

type portEntry struct {
	Port     int            `json:"port"`
	Service  string         `json:"service"`
	Status   service.Status `json:"status,omitempty"`
	Reserved bool           `json:"reserved"`
}

// handlePorts merges the allocator's reservations with the ports recorded
// for services, which covers services started by another process.
func (r *Router) handlePorts(c *gin.Context) {
	byPort := make(map[int]portEntry)
	for port, owner := range r.sup.Allocator().Allocated() {
		byPort[port] = portEntry{Port: port, Service: owner, Reserved: true}
	}
	for _, st := range r.sup.List(c.Request.Context()) {
		if st.Port <= 0 || !st.Status.Live() {
			continue
		}
		e := byPort[st.Port]
		e.Port, e.Service, e.Status = st.Port, st.Name, st.Status
		byPort[st.Port] = e
	}
	out := make([]portEntry, 0, len(byPort))
	for _, e := range byPort {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.sampler == nil || !r.sampler.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling not enabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.sampler.All())
}
