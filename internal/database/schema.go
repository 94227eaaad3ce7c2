package database

// SQL schemas for all ClickHouse tables

const (
	// DetectionEventsTableSQL creates the detection_events table, one row per capture cycle
	DetectionEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS detection_events (
			id String,
			timestamp DateTime64(3),
			device_id String,
			task LowCardinality(String),
			model String,
			detected Bool,
			detection_count UInt32,
			top_class String,
			confidence Float64,
			bbox String,
			image_size String,
			latency_ms Float64,
			request_count UInt64,
			detections String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// AlarmEventsTableSQL creates the alarm_events table, one row per transition
	AlarmEventsTableSQL = `
		CREATE TABLE IF NOT EXISTS alarm_events (
			id String,
			timestamp DateTime64(3),
			device_id String,
			task LowCardinality(String),
			active Bool,
			confidence Float64
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// ClientHealthTableSQL creates the client_health table
	ClientHealthTableSQL = `
		CREATE TABLE IF NOT EXISTS client_health (
			timestamp DateTime64(3),
			device_id String,
			task LowCardinality(String),
			status LowCardinality(String),
			consecutive_failures UInt32,
			total_requests UInt64,
			degraded Bool,
			last_error String
		) ENGINE = MergeTree()
		ORDER BY (device_id, timestamp)
		PARTITION BY toYYYYMM(timestamp)
	`

	// ProcessHealthTableSQL creates the process_health table, one row per
	// process per supervisor summary
	ProcessHealthTableSQL = `
		CREATE TABLE IF NOT EXISTS process_health (
			timestamp DateTime64(3),
			name String,
			state LowCardinality(String),
			pid Int32,
			restarts UInt32,
			max_restarts UInt32,
			probe_failures UInt32,
			last_probe_error String,
			request_count UInt64
		) ENGINE = MergeTree()
		ORDER BY (name, timestamp)
		PARTITION BY toYYYYMM(timestamp)
		TTL toDateTime(timestamp) + INTERVAL 30 DAY
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		DetectionEventsTableSQL,
		AlarmEventsTableSQL,
		ClientHealthTableSQL,
		ProcessHealthTableSQL,
	}
}
