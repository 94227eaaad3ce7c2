package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"edgeguard/internal/models"
)

const (
	defaultHistoryWindow = time.Hour
	defaultStatsHours    = 24
	maxStatsHours        = 24 * 30
)

// API serves the aggregated view and history over HTTP
type API struct {
	svc  *Service
	addr string
	now  func() time.Time
}

func NewAPI(svc *Service, addr string) *API {
	return &API{svc: svc, addr: addr, now: time.Now}
}

// Handler returns the router with all aggregator routes
func (a *API) Handler() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/devices", a.handleDevices).Methods(http.MethodGet)
	api.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/detections", a.handleDetections).Methods(http.MethodGet)
	api.HandleFunc("/alarms", a.handleAlarms).Methods(http.MethodGet)
	api.HandleFunc("/statistics", a.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	return router
}

// Serve runs the HTTP server until ctx is cancelled
func (a *API) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Aggregator: HTTP API listening", "addr", a.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("aggregator http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Aggregator: HTTP shutdown", "error", err)
		}
		return nil
	}
}

func (a *API) String() string {
	return "aggregator-http"
}

func (a *API) handleDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": a.svc.table.Devices()})
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.table.Status())
}

func (a *API) handleDetections(w http.ResponseWriter, r *http.Request) {
	if a.svc.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	q := r.URL.Query()
	from, to, err := a.timeRange(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	records, err := a.svc.store.QueryDetections(r.Context(), from, to, q.Get("task"), limit)
	if err != nil {
		slog.Error("Aggregator: detection query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query detections")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":       from,
		"to":         to,
		"count":      len(records),
		"detections": records,
	})
}

func (a *API) handleAlarms(w http.ResponseWriter, r *http.Request) {
	if a.svc.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	from, to, err := a.timeRange(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alarms, err := a.svc.store.QueryAlarms(r.Context(), from, to)
	if err != nil {
		slog.Error("Aggregator: alarm query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query alarms")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":   from,
		"to":     to,
		"count":  len(alarms),
		"alarms": alarms,
	})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if a.svc.store == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	hours := defaultStatsHours
	if v := r.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 || h > maxStatsHours {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("hours must be between 1 and %d", maxStatsHours))
			return
		}
		hours = h
	}

	since := a.now().Add(-time.Duration(hours) * time.Hour)
	stats, err := a.svc.store.Statistics(r.Context(), since)
	if err != nil {
		slog.Error("Aggregator: statistics query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query statistics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":      hours,
		"since":      since,
		"statistics": stats,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := a.svc.table.Status()
	online := 0
	for _, d := range status.Devices {
		if d.Status != models.DeviceOffline {
			online++
		}
	}
	body := map[string]any{
		"status":         "healthy",
		"devices":        len(status.Devices),
		"devices_online": online,
		"active_alarms":  status.ActiveAlarms,
		"degraded":       status.DegradedCount,
		"store":          a.svc.store != nil,
		"timestamp":      a.now().UTC(),
	}
	if status.Supervisor != nil {
		body["supervisor_healthy"] = status.Supervisor.Healthy
		body["supervisor_exhausted"] = status.Supervisor.Exhausted
	}
	writeJSON(w, http.StatusOK, body)
}

// timeRange parses RFC3339 from/to, defaulting to the last hour
func (a *API) timeRange(q url.Values) (time.Time, time.Time, error) {
	to := a.now()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t
	}
	from := to.Add(-defaultHistoryWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Aggregator: failed to encode response", "error", err)
	}
}
