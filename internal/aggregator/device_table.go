// Package aggregator folds capture client and supervisor reports into one
// system view, persists them and republishes them.
package aggregator

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"edgeguard/internal/models"
)

// DefaultOfflineAfter is how long a device may stay silent before it is
// reported OFFLINE
const DefaultOfflineAfter = 30 * time.Second

// deviceState holds the latest reports of one capture client
type deviceState struct {
	device models.Device
	seen   time.Time // local receive time, used for liveness
}

// DeviceTable tracks every device that has reported at least once
type DeviceTable struct {
	mu           sync.RWMutex
	devices      map[string]*deviceState
	supervisor   *models.HealthSummary
	offlineAfter time.Duration
	now          func() time.Time
}

// NewDeviceTable creates an empty table
func NewDeviceTable(offlineAfter time.Duration) *DeviceTable {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &DeviceTable{
		devices:      make(map[string]*deviceState),
		offlineAfter: offlineAfter,
		now:          time.Now,
	}
}

// getOrCreateDevice must be called with mu held
func (t *DeviceTable) getOrCreateDevice(deviceID string) *deviceState {
	if d, ok := t.devices[deviceID]; ok {
		return d
	}
	d := &deviceState{device: models.Device{DeviceID: deviceID, Status: models.DeviceActive}}
	t.devices[deviceID] = d
	slog.Info("Aggregator: new device", "device", deviceID)
	return d
}

func (t *DeviceTable) touch(d *deviceState) {
	now := t.now()
	d.seen = now
	d.device.LastSeen = now
	d.device.Status = models.DeviceActive
}

// ObserveDetection records a detection event
func (t *DeviceTable) ObserveDetection(ev models.DetectionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.getOrCreateDevice(ev.DeviceID)
	t.touch(d)
	if ev.Task != "" {
		d.device.Task = ev.Task
	}
	if len(ev.Detections) > 0 {
		d.device.Detections++
		d.device.LastDetection = ev.Timestamp
		d.device.LastConfidence = ev.MaxConfidence()
	}
}

// ObserveAlarm records an alarm transition
func (t *DeviceTable) ObserveAlarm(tr models.AlarmTransition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.getOrCreateDevice(tr.DeviceID)
	t.touch(d)
	d.device.AlarmActive = tr.Active
	if tr.Task != "" {
		d.device.Task = tr.Task
	}
}

// ObserveHealth records a client health report
func (t *DeviceTable) ObserveHealth(h models.ClientHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.getOrCreateDevice(h.DeviceID)
	t.touch(d)
	d.device.Health = h
	if h.Task != "" {
		d.device.Task = h.Task
	}
}

// ObserveSupervisor replaces the latest supervisor summary
func (t *DeviceTable) ObserveSupervisor(s models.HealthSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.supervisor = &s
}

// Devices returns every device sorted by id, with liveness evaluated now
func (t *DeviceTable) Devices() []models.Device {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]models.Device, 0, len(t.devices))
	for _, d := range t.devices {
		dev := d.device
		if now.Sub(d.seen) > t.offlineAfter {
			dev.Status = models.DeviceOffline
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Status builds the aggregated snapshot
func (t *DeviceTable) Status() models.SystemStatus {
	devices := t.Devices()

	status := models.SystemStatus{
		Devices:   devices,
		Timestamp: t.now(),
	}
	for _, d := range devices {
		if d.AlarmActive {
			status.ActiveAlarms++
		}
		if d.Health.Degraded {
			status.DegradedCount++
		}
	}

	t.mu.RLock()
	if t.supervisor != nil {
		sup := *t.supervisor
		status.Supervisor = &sup
	}
	t.mu.RUnlock()
	return status
}
