package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"edgeguard/internal/failures"
	"edgeguard/internal/models"
)

const maxRequestBytes = 20 << 20

// Server exposes a Worker over HTTP
type Server struct {
	worker        *Worker
	addr          string
	statusTimeout time.Duration
}

func NewServer(w *Worker, addr string) *Server {
	return &Server{worker: w, addr: addr, statusTimeout: 2 * time.Second}
}

// Handler returns the router with all worker routes
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	router.Handle("/status", http.TimeoutHandler(http.HandlerFunc(s.handleStatus), s.statusTimeout,
		`{"error":"status timed out"}`)).Methods(http.MethodGet)
	router.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	api.Handle("/status", http.TimeoutHandler(http.HandlerFunc(s.handleStatus), s.statusTimeout,
		`{"error":"status timed out"}`)).Methods(http.MethodGet)
	return router
}

// Serve runs the HTTP server until ctx is cancelled
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Worker: HTTP server listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("worker http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Worker: HTTP shutdown", "error", err)
		}
		return nil
	}
}

func (s *Server) String() string {
	return "worker-http"
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req models.DetectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, failures.E(failures.InputError, "detect", fmt.Errorf("invalid request body: %w", err)))
		return
	}

	resp, err := s.worker.Detect(r.Context(), req)
	if err != nil {
		slog.Warn("Worker: detect failed", "device", req.DeviceID, "model", req.Model, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.Status())
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.worker.Models()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// StatusCode maps a failure kind to its HTTP status
func StatusCode(err error) int {
	switch failures.KindOf(err) {
	case failures.InputError:
		return http.StatusBadRequest
	case failures.TransientWorkerError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), models.ErrorResponse{
		Error: err.Error(),
		Kind:  failures.KindOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Worker: failed to encode response", "error", err)
	}
}
