// Package server exposes discovery, planning and apply over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/freebrew/liveRAID/internal/executor"
	"github.com/freebrew/liveRAID/internal/planner"
	"github.com/freebrew/liveRAID/internal/safety"
	"github.com/freebrew/liveRAID/internal/storage/blk"
	"github.com/freebrew/liveRAID/internal/sysctx"
	"github.com/freebrew/liveRAID/pkg/httpx"
)

// ConfirmPhrase must be sent to apply a plan that is not a dry run.
const ConfirmPhrase = "DESTROY"

// Scanner takes a fresh inventory and system snapshot.
type Scanner func(ctx context.Context) (blk.Inventory, sysctx.Context, error)

type Options struct {
	Version     string
	Logger      zerolog.Logger
	Scan        Scanner
	Guard       *safety.Guard
	Journal     *executor.Journal
	Gatherer    prometheus.Gatherer
	Planner     planner.Options
	Candidates  blk.CandidateOptions
	CORSOrigins []string
	// SettleTimeout is used for exported scripts.
	SettleTimeout time.Duration
}

type planEntry struct {
	plan    *planner.Plan
	lease   *safety.Lease
	created time.Time
}

type runRecord struct {
	ID         string           `json:"id"`
	PlanID     string           `json:"planId"`
	State      string           `json:"state"`
	Error      string           `json:"error,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Report     *executor.Report `json:"report,omitempty"`
}

const (
	runRunning = "running"
	runDone    = "done"
	runFailed  = "failed"
)

type Server struct {
	opts Options
	log  zerolog.Logger
	base context.Context

	mu    sync.Mutex
	plans map[string]*planEntry
	runs  map[string]*runRecord
	wg    sync.WaitGroup
}

// New returns a server whose background applies run under ctx.
func New(ctx context.Context, opts Options) *Server {
	return &Server{
		opts:  opts,
		log:   opts.Logger.With().Str("component", "http").Logger(),
		base:  ctx,
		plans: map[string]*planEntry{},
		runs:  map[string]*runRecord{},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(s.log))
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "version": s.opts.Version, "dryRun": s.opts.Guard.DryRun()})
	})
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Post("/plans", s.handleCreatePlan)
		r.Get("/plans/{id}", s.handleGetPlan)
		r.Get("/plans/{id}/script", s.handlePlanScript)
		r.Delete("/plans/{id}", s.handleDeletePlan)
		r.Post("/plans/{id}/apply", s.handleApply)
		r.Get("/runs/{id}", s.handleGetRun)
	})
	return r
}

// Wait blocks until background applies have finished.
func (s *Server) Wait() { s.wg.Wait() }

// Close releases the device leases of plans that were never applied.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.plans {
		e.lease.Release()
		delete(s.plans, id)
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	inv, sys, err := s.opts.Scan(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"candidates": inv.Candidates(s.opts.Candidates),
		"devices":    inv.Devices,
		"system":     sys,
		"scannedAt":  inv.ScannedAt,
	})
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planner.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteTypedError(w, http.StatusBadRequest, "invalid_json", err.Error(), 0)
		return
	}
	inv, sys, err := s.opts.Scan(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	p, lease, err := s.opts.Guard.Plan(planner.New(inv, sys, s.opts.Planner), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.mu.Lock()
	if old, ok := s.plans[p.ID]; ok {
		old.lease.Release()
	}
	s.plans[p.ID] = &planEntry{plan: p, lease: lease, created: time.Now().UTC()}
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) plan(id string) (*planEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.plans[id]
	return e, ok
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	e, ok := s.plan(chi.URLParam(r, "id"))
	if !ok {
		httpx.WriteTypedError(w, http.StatusNotFound, "plan_not_found", "plan not found", 0)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, e.plan)
}

func (s *Server) handlePlanScript(w http.ResponseWriter, r *http.Request) {
	e, ok := s.plan(chi.URLParam(r, "id"))
	if !ok {
		httpx.WriteTypedError(w, http.StatusNotFound, "plan_not_found", "plan not found", 0)
		return
	}
	w.Header().Set("Content-Type", "text/x-shellscript")
	_, _ = w.Write([]byte(planner.Script(e.plan, s.opts.SettleTimeout)))
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	e, ok := s.plans[id]
	delete(s.plans, id)
	s.mu.Unlock()
	if !ok {
		httpx.WriteTypedError(w, http.StatusNotFound, "plan_not_found", "plan not found", 0)
		return
	}
	e.lease.Release()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Confirm string `json:"confirm"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	e, ok := s.plans[id]
	if ok && !e.plan.DryRun && !s.opts.Guard.DryRun() && body.Confirm != ConfirmPhrase {
		s.mu.Unlock()
		httpx.WriteTypedError(w, http.StatusBadRequest, "confirmation_required", `type "`+ConfirmPhrase+`" to apply a destructive plan`, 0)
		return
	}
	delete(s.plans, id)
	s.mu.Unlock()
	if !ok {
		httpx.WriteTypedError(w, http.StatusNotFound, "plan_not_found", "plan not found", 0)
		return
	}

	rec := &runRecord{ID: uuid.NewString(), PlanID: id, State: runRunning, StartedAt: time.Now().UTC()}
	s.mu.Lock()
	s.runs[rec.ID] = rec
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.lease.Release()
		rep, err := s.opts.Guard.Apply(executor.WithRunID(s.base, rec.ID), e.plan, e.lease)
		now := time.Now().UTC()
		s.mu.Lock()
		defer s.mu.Unlock()
		rec.FinishedAt = &now
		rec.Report = rep
		rec.State = runDone
		if err != nil {
			rec.State = runFailed
			rec.Error = err.Error()
			s.log.Error().Err(err).Str("run", rec.ID).Str("plan", id).Msg("apply failed")
		}
	}()
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"runId": rec.ID, "planId": id})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cursor, _ := strconv.Atoi(r.URL.Query().Get("cursor"))
	max, _ := strconv.Atoi(r.URL.Query().Get("max"))
	if max <= 0 || max > 1000 {
		max = 200
	}

	s.mu.Lock()
	rec, ok := s.runs[id]
	var out runRecord
	if ok {
		out = *rec
	}
	s.mu.Unlock()

	if !ok && s.opts.Journal != nil {
		rep, found, err := s.opts.Journal.Load(id)
		if err != nil && !errors.Is(err, executor.ErrInvalidRunID) {
			httpx.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if found {
			ok = true
			out = runRecord{ID: id, PlanID: rep.PlanID, State: runDone, StartedAt: rep.StartedAt, FinishedAt: rep.FinishedAt, Report: rep}
			if !rep.OK {
				out.State = runFailed
				out.Error = rep.Error
			}
		}
	}
	if !ok {
		httpx.WriteTypedError(w, http.StatusNotFound, "run_not_found", "run not found", 0)
		return
	}
	resp := map[string]any{"run": out}
	if s.opts.Journal != nil {
		lines, next := s.opts.Journal.Tail(id, cursor, max)
		resp["log"] = lines
		resp["next"] = next
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
