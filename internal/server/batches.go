package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/devsvc/internal/batch"
	"github.com/loykin/devsvc/internal/store"
)

// SubmitBatchRequest runs Command once per entry of Items.
type SubmitBatchRequest struct {
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

type batchResp struct {
	Batch    store.BatchRecord `json:"batch"`
	Progress batch.Progress    `json:"progress"`
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", field, s)
	}
	return d, nil
}

func (r *Router) handleSubmitBatch(c *gin.Context) {
	var req SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	switch {
	case strings.TrimSpace(req.Command) == "":
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	case len(req.Items) == 0:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "items required"})
		return
	case req.ID != "" && !isSafeName(req.ID):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-]"})
		return
	case !isSafeAbsPath(req.WorkDir):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid work_dir: must be absolute path without traversal"})
		return
	case req.Concurrency < 0 || req.Retries < 0:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "concurrency and retries must not be negative"})
		return
	}
	d := r.defaults
	timeout, err := parseDuration("timeout", req.Timeout, d.Timeout)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	retryDelay, err := parseDuration("retry_delay", req.RetryDelay, d.RetryDelay)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	if req.Name == "" {
		req.Name = "command batch"
	}
	if req.BatchType == "" {
		req.BatchType = "command"
	}

	rec, err := r.eng.CreateBatch(c.Request.Context(), batch.BatchSpec{
		ID: req.ID, Name: req.Name, Description: req.Description, BatchType: req.BatchType,
		Priority: req.Priority, TotalCount: len(req.Items), Metadata: req.Metadata,
	})
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}

	workDir := req.WorkDir
	if workDir == "" {
		workDir = d.WorkDir
	}
	var env []string
	if len(d.Env) > 0 || len(req.Env) > 0 {
		env = append(append([]string(nil), d.Env...), req.Env...)
	}
	items := append([]string(nil), req.Items...)
	proc := batch.CommandProcessor(batch.CommandConfig{
		BatchID:        rec.ID,
		Command:        req.Command,
		WorkDir:        workDir,
		Env:            env,
		MaxOutput:      d.MaxOutput,
		PermanentCodes: req.PermanentCodes,
	})
	opts := batch.Options{
		Concurrency: req.Concurrency,
		Timeout:     timeout,
		Retries:     req.Retries,
		RetryDelay:  retryDelay,
		BatchType:   req.BatchType,
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.Retries == 0 {
		opts.Retries = d.Retries
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := batch.Process(r.ctx, r.eng, rec.ID, items, proc, opts)
		if err != nil {
			r.log.Warn("batch ended with error", "batch", rec.ID, "error", err)
			return
		}
		r.log.Info("batch done", "batch", rec.ID, "status", res.Status, "failed", res.Progress.Failed)
	}()

	p, _ := r.eng.Progress(c.Request.Context(), rec.ID)
	writeJSON(c, http.StatusAccepted, batchResp{Batch: rec, Progress: p})
}

func (r *Router) batchID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid batch id"})
		return "", false
	}
	return id, true
}

func (r *Router) handleListBatches(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	recs, err := r.eng.Store().ListBatches(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}

func (r *Router) handleBatch(c *gin.Context) {
	id, ok := r.batchID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	rec, err := r.eng.Batch(ctx, id)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	p, err := r.eng.Progress(ctx, id)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, batchResp{Batch: rec, Progress: p})
}

func (r *Router) handleBatchItems(c *gin.Context) {
	id, ok := r.batchID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := r.eng.Batch(ctx, id); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	items, err := r.eng.Items(ctx, id)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, items)
}

func (r *Router) handleBatchControl(c *gin.Context) {
	id, ok := r.batchID(c)
	if !ok {
		return
	}
	var err error
	switch c.Param("action") {
	case "cancel":
		err = r.eng.Cancel(id)
	case "pause":
		err = r.eng.Pause(id)
	case "resume":
		err = r.eng.Resume(id)
	default:
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown action " + c.Param("action")})
		return
	}
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
