// Package server exposes the tick endpoint peers call to hand over work, and
// a health probe.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"go.uber.org/zap"
)

// Routes.
const (
	TickPath   = "/_batchjob/tick"
	HealthPath = "/_batchjob/health"
)

// Scheduler is the part of *batchjob.Scheduler the handlers use.
type Scheduler interface {
	Tick(ctx context.Context) (*batchjob.TickResult, error)
	PodName() string
	IsRunning() bool
	Ticks() int64
}

// Pinger probes the entry store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the tick and health endpoints.
type Handler struct {
	scheduler   Scheduler
	store       Pinger
	logger      *zap.SugaredLogger
	tickTimeout time.Duration
	busy        atomic.Bool
	mux         *http.ServeMux
}

// New creates the handler. Ticks started over HTTP outlive the request and
// are bounded by tickTimeout instead.
func New(scheduler Scheduler, store Pinger, logger *zap.SugaredLogger, tickTimeout time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Handler{
		scheduler:   scheduler,
		store:       store,
		logger:      logger.Named("http"),
		tickTimeout: tickTimeout,
		mux:         http.NewServeMux(),
	}
	h.mux.HandleFunc("POST "+TickPath, h.handleTick)
	h.mux.HandleFunc("GET "+TickPath, h.handleTick)
	h.mux.HandleFunc("GET "+HealthPath, h.handleHealth)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// TickResponse is the body returned by the tick endpoint.
type TickResponse struct {
	Pod        string   `json:"pod"`
	Accepted   bool     `json:"accepted"`
	TickID     string   `json:"tick_id,omitempty"`
	Tenant     string   `json:"tenant,omitempty"`
	Dispatched []string `json:"dispatched,omitempty"`
	Forwarded  bool     `json:"forwarded,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// handleTick runs one tick. By default the tick runs in the background and
// the call returns 202 so a chain of forwarding pods never nests requests;
// ?wait=true runs it inline and reports the result. A pod already ticking
// answers 409.
func (h *Handler) handleTick(w http.ResponseWriter, r *http.Request) {
	resp := TickResponse{Pod: h.scheduler.PodName()}

	if !h.scheduler.IsRunning() {
		resp.Error = "scheduler is not running"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if !h.busy.CompareAndSwap(false, true) {
		resp.Error = "tick already in progress"
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.tickTimeout)
	if r.URL.Query().Get("wait") != "true" {
		go func() {
			defer cancel()
			defer h.busy.Store(false)
			if _, err := h.scheduler.Tick(ctx); err != nil {
				h.logger.Warnw("Tick failed", "error", err)
			}
		}()
		resp.Accepted = true
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	defer cancel()
	defer h.busy.Store(false)
	result, err := h.scheduler.Tick(ctx)
	resp.Accepted = true
	if result != nil {
		resp.TickID = result.TickID
		resp.Tenant = result.Tenant
		resp.Forwarded = result.Forwarded
		for _, f := range result.Dispatched {
			resp.Dispatched = append(resp.Dispatched, f.JobName+"@"+f.Lock.FireTimestamp)
		}
	}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HealthResponse is the body returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Pod     string `json:"pod"`
	Running bool   `json:"running"`
	Ticks   int64  `json:"ticks"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Pod:     h.scheduler.PodName(),
		Running: h.scheduler.IsRunning(),
		Ticks:   h.scheduler.Ticks(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
