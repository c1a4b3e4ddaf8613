// Package server exposes a project over HTTP: fit status, queue control,
// job history, live step streams and metrics.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/project"
	"pdfctl/internal/storage"
)

// Server serves the status API of one project.
type Server struct {
	addr    string
	store   *storage.Store
	project *project.Project
	hub     *hub
	hubOnce sync.Once
	log     *slog.Logger
	server  *http.Server
}

// NewServer creates a server for proj. Without a store the job history
// routes answer with an error.
func NewServer(addr string, store *storage.Store, proj *project.Project, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:    addr,
		store:   store,
		project: proj,
		hub:     newHub(log),
		log:     log,
	}
	proj.OnEvent(s.hub.publishEvent)
	return s
}

// Handler returns the routed handler without starting a listener. The
// websocket hub runs until ctx ends.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.hubOnce.Do(func() { go s.hub.run(ctx) })
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupFitRoutes(r)
	return r
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/queue", s.handleQueue).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/jobs/{id}/steps", s.handleJobSteps).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pipe := s.project.Pipeline()
	resp := map[string]any{"pending": pipe.Pending()}
	if cur, ok := pipe.Current(); ok {
		resp["current"] = cur
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJobMeta returns the result meta of a finished job.
func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job has no result", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleJobSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.StepHistory(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.project.Pipeline().Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps control errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch controlerr.KindOf(err) {
	case controlerr.KindKey:
		code = http.StatusNotFound
	case controlerr.KindStatus:
		code = http.StatusConflict
	case controlerr.KindValue, controlerr.KindType, controlerr.KindSyntax, controlerr.KindIndex:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
