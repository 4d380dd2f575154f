// Package server exposes codemap generation over HTTP: run lifecycle
// endpoints plus a websocket event stream per run.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"codemap/internal/artifact"
	"codemap/internal/checkpoint"
	"codemap/internal/events"
	"codemap/internal/ids"
	"codemap/internal/pipeline"
	"codemap/internal/types"
)

// DriverFactory builds a pipeline driver wired to the given emitter. The
// server constructs one driver per run.
type DriverFactory func(em events.Emitter) (*pipeline.Driver, error)

type Server struct {
	drivers     DriverFactory
	checkpoints *checkpoint.Store
	artifacts   artifact.Store // optional
	logger      *log.Logger

	reg *Registry
	ids *ids.RunIDs
}

func New(drivers DriverFactory, ckpts *checkpoint.Store, artifacts artifact.Store, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		drivers:     drivers,
		checkpoints: ckpts,
		artifacts:   artifacts,
		logger:      logger,
		reg:         NewRegistry(),
		ids:         ids.NewRunIDs(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /v1/runs", s.handleStart)
	mux.HandleFunc("GET /v1/runs", s.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/runs/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleEvents)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

type startRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in startRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := newRun(s.ids.Next(query), query, cancel)
	driver, err := s.drivers(run)
	if err != nil {
		cancel()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.reg.Add(run)
	go s.execute(ctx, run, driver)

	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID})
}

func (s *Server) execute(ctx context.Context, run *Run, driver *pipeline.Driver) {
	defer run.Cancel()
	res, err := driver.Run(ctx, run.Query)
	cancelled := errors.Is(err, context.Canceled)
	run.finish(res, err, cancelled)
	if err != nil {
		if !cancelled {
			s.logger.Printf("run %s failed: %v", run.ID, err)
		}
		return
	}
	// Persist on a fresh context: the run's own context is already used up.
	pctx := context.Background()
	if s.checkpoints != nil && res.Checkpoint != nil {
		if err := s.checkpoints.Put(pctx, run.ID, res.Checkpoint); err != nil {
			s.logger.Printf("run %s: persist checkpoint: %v", run.ID, err)
		}
	}
	if s.artifacts != nil {
		if err := s.artifacts.PutCodemap(pctx, run.ID, res.Codemap); err != nil {
			s.logger.Printf("run %s: persist codemap: %v", run.ID, err)
		}
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.reg.List()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run.Info())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown run", http.StatusNotFound)
		return
	}
	run.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type resumeRequest struct {
	TraceID     string `json:"trace_id,omitempty"`
	DiagramOnly bool   `json:"diagram_only,omitempty"`
}

// handleResume replays trace or diagram work from the persisted checkpoint.
// It requires the run's codemap, from the registry or the artifact store.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var in resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if s.checkpoints == nil {
		http.Error(w, "checkpoint store not configured", http.StatusServiceUnavailable)
		return
	}
	ckpt, err := s.checkpoints.Get(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, checkpoint.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	cm := s.codemapFor(r.Context(), id)
	if cm == nil {
		http.Error(w, "no codemap available for run", http.StatusConflict)
		return
	}

	var em events.Emitter = events.Nop()
	if run, ok := s.reg.Get(id); ok {
		em = run
	}
	driver, err := s.drivers(em)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if in.TraceID != "" {
		tr, err := driver.ResumeTrace(r.Context(), ckpt, cm, in.TraceID, in.DiagramOnly)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.persistCodemap(id, cm)
		writeJSON(w, http.StatusOK, map[string]any{"trace": tr})
		return
	}
	diagram, err := driver.ResumeDiagram(r.Context(), ckpt, cm.Title)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cm.Diagram = diagram
	s.persistCodemap(id, cm)
	writeJSON(w, http.StatusOK, map[string]any{"diagram": diagram})
}

func (s *Server) codemapFor(ctx context.Context, id string) *types.Codemap {
	if run, ok := s.reg.Get(id); ok {
		if res := run.Result(); res != nil {
			return res.Codemap
		}
	}
	if s.artifacts != nil {
		if cm, err := s.artifacts.GetCodemap(ctx, id); err == nil {
			return cm
		}
	}
	return nil
}

func (s *Server) persistCodemap(id string, cm *types.Codemap) {
	if s.artifacts == nil {
		return
	}
	if err := s.artifacts.PutCodemap(context.Background(), id, cm); err != nil {
		s.logger.Printf("run %s: persist codemap: %v", id, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
