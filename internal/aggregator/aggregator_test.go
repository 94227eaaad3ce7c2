package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeguard/internal/models"
)

type fakeStore struct {
	mu         sync.Mutex
	detections []models.DetectionEvent
	alarms     []models.AlarmTransition
	health     []models.ClientHealth
	summaries  []models.HealthSummary

	queriedTask string
	since       time.Time
	failSave    error
}

func (s *fakeStore) SaveDetection(_ context.Context, ev models.DetectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections = append(s.detections, ev)
	return s.failSave
}

func (s *fakeStore) SaveAlarm(_ context.Context, tr models.AlarmTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms = append(s.alarms, tr)
	return s.failSave
}

func (s *fakeStore) SaveClientHealth(_ context.Context, h models.ClientHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, h)
	return s.failSave
}

func (s *fakeStore) SaveProcessHealth(_ context.Context, sum models.HealthSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return s.failSave
}

func (s *fakeStore) QueryDetections(_ context.Context, _, _ time.Time, task string, _ int) ([]models.DetectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queriedTask = task
	return []models.DetectionRecord{{ID: "d1", Task: task, Detected: true}}, nil
}

func (s *fakeStore) QueryAlarms(_ context.Context, _, _ time.Time) ([]models.AlarmTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarms, nil
}

func (s *fakeStore) Statistics(_ context.Context, since time.Time) ([]models.DetectionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = since
	return []models.DetectionStats{{Task: "fire", Total: 10, Positive: 2}}, nil
}

func (s *fakeStore) lastQuery() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queriedTask, s.since
}

type fakeStream struct {
	mu   sync.Mutex
	envs []models.StatusEnvelope
}

func (f *fakeStream) Publish(_ context.Context, env models.StatusEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

type fakeStatus struct {
	ch chan models.SystemStatus
}

func (f *fakeStatus) PublishStatus(s models.SystemStatus) {
	select {
	case f.ch <- s:
	default:
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []models.AlarmTransition
	allow bool
}

func (n *fakeNotifier) SendAlarm(_ context.Context, tr models.AlarmTransition) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, tr)
	return n.allow, nil
}

func TestDeviceTableMarksSilentDevicesOffline(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	table := NewDeviceTable(30 * time.Second)
	table.now = func() time.Time { return now }

	table.ObserveDetection(models.DetectionEvent{
		DeviceID:   "cam-1",
		Task:       "fire",
		Detections: []models.Detection{{Class: "fire", Confidence: 0.7}},
		Timestamp:  now,
	})
	table.ObserveHealth(models.ClientHealth{DeviceID: "cam-2", Task: "leaves", Degraded: true})

	devices := table.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "cam-1", devices[0].DeviceID)
	assert.Equal(t, models.DeviceActive, devices[0].Status)
	assert.Equal(t, uint64(1), devices[0].Detections)
	assert.InDelta(t, 0.7, devices[0].LastConfidence, 1e-9)

	now = now.Add(30 * time.Second)
	assert.Equal(t, models.DeviceActive, table.Devices()[0].Status, "exactly at the limit is still active")

	now = now.Add(time.Second)
	for _, d := range table.Devices() {
		assert.Equal(t, models.DeviceOffline, d.Status)
	}

	table.ObserveAlarm(models.AlarmTransition{DeviceID: "cam-1", Task: "fire", Active: true})
	status := table.Status()
	assert.Equal(t, 1, status.ActiveAlarms)
	assert.Equal(t, 1, status.DegradedCount)
	assert.Equal(t, models.DeviceActive, status.Devices[0].Status)
	assert.Equal(t, models.DeviceOffline, status.Devices[1].Status)
}

func TestDeviceTableIgnoresEmptyDetections(t *testing.T) {
	t.Parallel()

	table := NewDeviceTable(0)
	table.ObserveDetection(models.DetectionEvent{DeviceID: "cam-1", Task: "fire"})

	devices := table.Devices()
	require.Len(t, devices, 1)
	assert.Zero(t, devices[0].Detections)
	assert.True(t, devices[0].LastDetection.IsZero())
	assert.Equal(t, "fire", devices[0].Task)
}

func TestServiceForwardsEveryRecord(t *testing.T) {
	t.Parallel()

	store := &fakeStore{failSave: errors.New("clickhouse down")}
	stream := &fakeStream{}
	notifier := &fakeNotifier{allow: true}
	svc := NewService(DefaultConfig(), Sources{},
		WithStore(store), WithEventStream(stream), WithNotifier(notifier))

	ctx := context.Background()
	svc.HandleDetection(ctx, models.DetectionEvent{DeviceID: "cam-1", Task: "fire"})
	svc.HandleAlarm(ctx, models.AlarmTransition{DeviceID: "cam-1", Task: "fire", Active: true})
	svc.HandleAlarm(ctx, models.AlarmTransition{DeviceID: "cam-1", Task: "fire", Active: false})
	svc.HandleHealth(ctx, models.ClientHealth{DeviceID: "cam-1"})
	svc.HandleSupervisor(ctx, models.HealthSummary{Healthy: true})

	assert.Len(t, store.detections, 1)
	assert.Len(t, store.alarms, 2)
	assert.Len(t, store.health, 1)
	assert.Len(t, store.summaries, 1)

	require.Len(t, stream.envs, 5)
	kinds := make([]string, 0, len(stream.envs))
	for _, env := range stream.envs {
		kinds = append(kinds, env.Type)
	}
	assert.Equal(t, []string{"detection", "alarm", "alarm", "client_health", "supervisor_health"}, kinds)

	require.Len(t, notifier.sent, 1, "only raised alarms are notified")
	assert.True(t, notifier.sent[0].Active)

	status := svc.Table().Status()
	assert.Zero(t, status.ActiveAlarms)
	require.NotNil(t, status.Supervisor)
	assert.True(t, status.Supervisor.Healthy)
}

func TestServiceServeConsumesSourcesAndBroadcasts(t *testing.T) {
	t.Parallel()

	detections := make(chan models.DetectionEvent, 1)
	alarms := make(chan models.AlarmTransition, 1)
	publisher := &fakeStatus{ch: make(chan models.SystemStatus, 8)}

	cfg := DefaultConfig()
	cfg.BroadcastInterval = 10 * time.Millisecond
	svc := NewService(cfg, Sources{Detections: detections, Alarms: alarms}, WithStatusPublisher(publisher))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	detections <- models.DetectionEvent{DeviceID: "cam-1", Task: "fire"}
	alarms <- models.AlarmTransition{DeviceID: "cam-1", Task: "fire", Active: true}

	require.Eventually(t, func() bool {
		select {
		case s := <-publisher.ch:
			return s.ActiveAlarms == 1 && len(s.Devices) == 1
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestAPIRoutes(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	svc := NewService(DefaultConfig(), Sources{}, WithStore(store))
	svc.HandleDetection(context.Background(), models.DetectionEvent{DeviceID: "cam-1", Task: "fire"})

	api := NewAPI(svc, ":0")
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	api.now = func() time.Time { return now }
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/api/devices")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["devices"], 1)

	code, body = get("/api/detections?task=fire&from=2024-06-01T10:00:00Z&to=2024-06-01T11:00:00Z")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	task, _ := store.lastQuery()
	assert.Equal(t, "fire", task)

	code, _ = get("/api/detections?from=2024-06-01T12:00:00Z&to=2024-06-01T11:00:00Z")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = get("/api/detections?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/api/statistics?hours=6")
	assert.Equal(t, http.StatusOK, code)
	_, since := store.lastQuery()
	assert.Equal(t, now.Add(-6*time.Hour), since)
	assert.Len(t, body["statistics"], 1)

	code, _ = get("/api/statistics?hours=0")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get("/api/alarms")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	code, body = get("/api/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["devices"])
	assert.Equal(t, true, body["store"])
}

func TestAPIWithoutStore(t *testing.T) {
	t.Parallel()

	svc := NewService(DefaultConfig(), Sources{})
	rec := httptest.NewRecorder()
	NewAPI(svc, ":0").Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/statistics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
