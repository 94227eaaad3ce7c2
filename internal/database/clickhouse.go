package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"edgeguard/internal/models"
)

// Config holds ClickHouse connection settings
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(ctx context.Context, cfg Config) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	slog.Info("Database: connected to ClickHouse", "addr", cfg.Addr, "database", cfg.Database)

	db := &ClickHouseDB{conn: conn}
	if err := db.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	slog.Info("Database: schema initialized")
	return nil
}

// SaveDetection appends one detection event
func (db *ClickHouseDB) SaveDetection(ctx context.Context, ev models.DetectionEvent) error {
	row, err := NewDetectionRow(ev)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO detection_events (id, timestamp, device_id, task, model, detected, detection_count,
			top_class, confidence, bbox, image_size, latency_ms, request_count, detections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = db.conn.Exec(ctx, query,
		ev.ID,
		ev.Timestamp,
		ev.DeviceID,
		ev.Task,
		ev.Model,
		row.Detected,
		row.DetectionCount,
		row.TopClass,
		row.Confidence,
		row.BBox,
		row.ImageSize,
		ev.LatencyMS,
		ev.RequestCount,
		row.Detections,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection event: %w", err)
	}
	return nil
}

// SaveAlarm appends one alarm transition
func (db *ClickHouseDB) SaveAlarm(ctx context.Context, tr models.AlarmTransition) error {
	query := `
		INSERT INTO alarm_events (id, timestamp, device_id, task, active, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if err := db.conn.Exec(ctx, query, tr.ID, tr.Timestamp, tr.DeviceID, tr.Task, tr.Active, tr.Confidence); err != nil {
		return fmt.Errorf("failed to insert alarm event: %w", err)
	}
	return nil
}

// SaveClientHealth appends one capture client health report
func (db *ClickHouseDB) SaveClientHealth(ctx context.Context, h models.ClientHealth) error {
	query := `
		INSERT INTO client_health (timestamp, device_id, task, status, consecutive_failures,
			total_requests, degraded, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err := db.conn.Exec(ctx, query,
		h.Timestamp,
		h.DeviceID,
		h.Task,
		h.Status,
		uint32(h.ConsecutiveFailures),
		h.TotalRequests,
		h.Degraded,
		h.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to insert client health: %w", err)
	}
	return nil
}

// SaveProcessHealth appends one row per process of a supervisor summary
func (db *ClickHouseDB) SaveProcessHealth(ctx context.Context, sum models.HealthSummary) error {
	batch, err := db.conn.PrepareBatch(ctx, `INSERT INTO process_health`)
	if err != nil {
		return fmt.Errorf("failed to prepare process health batch: %w", err)
	}

	for _, p := range sum.Processes {
		var requests uint64
		if p.LastStatus != nil {
			requests = p.LastStatus.RequestCount
		}
		err := batch.Append(
			sum.Timestamp,
			p.Name,
			string(p.State),
			int32(p.PID),
			uint32(p.Restarts),
			uint32(p.MaxRestarts),
			uint32(p.ConsecutiveProbeFailures),
			p.LastProbeError,
			requests,
		)
		if err != nil {
			return fmt.Errorf("failed to append process health: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert process health: %w", err)
	}
	return nil
}

// QueryDetections returns detections in [from, to), newest first. An empty
// task matches every task.
func (db *ClickHouseDB) QueryDetections(ctx context.Context, from, to time.Time, task string, limit int) ([]models.DetectionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, timestamp, device_id, task, model, detected, detection_count,
			top_class, confidence, bbox, image_size, latency_ms
		FROM detection_events
		WHERE timestamp >= ? AND timestamp < ? AND (? = '' OR task = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`
	rows, err := db.conn.Query(ctx, query, from, to, task, task, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionRecord
	for rows.Next() {
		var r models.DetectionRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.DeviceID, &r.Task, &r.Model, &r.Detected,
			&r.DetectionCount, &r.TopClass, &r.Confidence, &r.BBox, &r.ImageSize, &r.LatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryAlarms returns alarm transitions in [from, to), oldest first
func (db *ClickHouseDB) QueryAlarms(ctx context.Context, from, to time.Time) ([]models.AlarmTransition, error) {
	query := `
		SELECT id, timestamp, device_id, task, active, confidence
		FROM alarm_events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`
	rows, err := db.conn.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarms: %w", err)
	}
	defer rows.Close()

	var out []models.AlarmTransition
	for rows.Next() {
		var tr models.AlarmTransition
		if err := rows.Scan(&tr.ID, &tr.Timestamp, &tr.DeviceID, &tr.Task, &tr.Active, &tr.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Statistics summarises detections per task since the given time
func (db *ClickHouseDB) Statistics(ctx context.Context, since time.Time) ([]models.DetectionStats, error) {
	query := `
		SELECT task, count(), countIf(detected), avg(confidence), avg(latency_ms)
		FROM detection_events
		WHERE timestamp >= ?
		GROUP BY task
		ORDER BY task
	`
	rows, err := db.conn.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	var out []models.DetectionStats
	for rows.Next() {
		var s models.DetectionStats
		if err := rows.Scan(&s.Task, &s.Total, &s.Positive, &s.AvgConfidence, &s.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}

// DetectionRow holds the derived columns of a detection event
type DetectionRow struct {
	Detected       bool
	DetectionCount uint32
	TopClass       string
	Confidence     float64
	BBox           string
	ImageSize      string
	Detections     string
}

// NewDetectionRow flattens an event's best detection into columns
func NewDetectionRow(ev models.DetectionEvent) (DetectionRow, error) {
	row := DetectionRow{
		Detected:       len(ev.Detections) > 0,
		DetectionCount: uint32(len(ev.Detections)),
		BBox:           "{}",
		ImageSize:      fmt.Sprintf("%dx%d", ev.ImageWidth, ev.ImageHeight),
	}

	best := -1
	for i, d := range ev.Detections {
		if best < 0 || d.Confidence > ev.Detections[best].Confidence {
			best = i
		}
	}
	if best >= 0 {
		d := ev.Detections[best]
		row.TopClass = d.Class
		row.Confidence = d.Confidence
		bbox, err := json.Marshal(d.BBox)
		if err != nil {
			return row, fmt.Errorf("failed to marshal bbox: %w", err)
		}
		row.BBox = string(bbox)
	}

	dets := ev.Detections
	if dets == nil {
		dets = []models.Detection{}
	}
	all, err := json.Marshal(dets)
	if err != nil {
		return row, fmt.Errorf("failed to marshal detections: %w", err)
	}
	row.Detections = string(all)
	return row, nil
}
