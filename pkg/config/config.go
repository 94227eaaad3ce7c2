// Package config loads edgeguard settings from the environment (optionally
// seeded from a .env file) and from an optional YAML file holding the task
// table and the managed process list.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"edgeguard/internal/models"
	"edgeguard/internal/supervisor"
)

type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// MQTT Configuration
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// ClickHouse Configuration
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	// Redpanda Configuration, empty brokers disables the event stream
	RedpandaBrokers string
	RedpandaTopic   string

	// MinIO Configuration, empty endpoint means artifacts are read from ModelDir
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	// Slack Configuration, empty webhook disables notifications
	SlackWebhookURL string
	SlackChannel    string
	SlackCooldown   time.Duration

	// Inference Worker
	WorkerAddr       string
	ModelDir         string
	DefaultModel     string
	DefaultThreshold float64
	GCInterval       int
	ReloadInterval   int
	ReloadTimeout    time.Duration
	// MaxImagePixels bounds decoded width*height
	MaxImagePixels   int

	// Capture Client
	WorkerURL         string
	DeviceID          string
	Task              string
	FrameInterval     time.Duration
	RequestTimeout    time.Duration
	DegradedThreshold int
	Backoff           []time.Duration
	AlarmGrace        time.Duration
	SampleDir         string
	CameraURL         string

	// Supervisor
	SupervisorAddr        string
	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	StartupTimeout        time.Duration
	TerminationGrace      time.Duration
	UnresponsiveThreshold int
	MaxRestarts           int
	RequestWarnAt         int

	// Aggregator
	AggregatorAddr    string
	OfflineAfter      time.Duration
	BroadcastInterval time.Duration

	// From the YAML file
	ConfigFile string
	Tasks      map[string]models.TaskSpec
	Processes  []supervisor.ProcessSpec
}

// File is the layout of the optional YAML configuration file
type File struct {
	Tasks     map[string]models.TaskSpec `yaml:"tasks"`
	Processes []supervisor.ProcessSpec   `yaml:"processes"`
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		// MQTT Configuration
		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "edgeguard"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),

		// ClickHouse Configuration
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "edgeguard"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		RedpandaBrokers: getEnv("REDPANDA_BROKERS", ""),
		RedpandaTopic:   getEnv("REDPANDA_TOPIC", "edgeguard-events"),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnv("MINIO_BUCKET", "edgeguard-models"),
		MinIOUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		SlackWebhookURL: getEnv("SLACK_WEBHOOK_URL", ""),
		SlackChannel:    getEnv("SLACK_CHANNEL", ""),
		SlackCooldown:   getEnvDuration("SLACK_COOLDOWN", 5*time.Minute),

		WorkerAddr:       getEnv("WORKER_ADDR", ":8000"),
		ModelDir:         getEnv("MODEL_DIR", "./models"),
		DefaultModel:     getEnv("DEFAULT_MODEL", "fire_detection"),
		DefaultThreshold: getEnvFloat("DEFAULT_THRESHOLD", 0.5),
		GCInterval:       getEnvInt("GC_INTERVAL", 20),
		ReloadInterval:   getEnvInt("RELOAD_INTERVAL", 100),
		ReloadTimeout:    getEnvDuration("RELOAD_TIMEOUT", 30*time.Second),
		MaxImagePixels:   getEnvInt("MAX_IMAGE_PIXELS", 16<<20),

		WorkerURL:         getEnv("WORKER_URL", "http://localhost:8000"),
		DeviceID:          getEnv("DEVICE_ID", hostnameOr("edgeguard-camera")),
		Task:              getEnv("TASK", "fire"),
		FrameInterval:     getEnvDuration("FRAME_INTERVAL", 2*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 1500*time.Millisecond),
		DegradedThreshold: getEnvInt("DEGRADED_THRESHOLD", 3),
		Backoff:           getEnvDurations("BACKOFF_SCHEDULE", []time.Duration{10 * time.Second}),
		AlarmGrace:        getEnvDuration("ALARM_GRACE", 30*time.Second),
		SampleDir:         getEnv("SAMPLE_DIR", "./samples"),
		CameraURL:         getEnv("CAMERA_URL", ""),

		SupervisorAddr:        getEnv("SUPERVISOR_ADDR", ":8090"),
		ProbeInterval:         getEnvDuration("PROBE_INTERVAL", 10*time.Second),
		ProbeTimeout:          getEnvDuration("PROBE_TIMEOUT", 3*time.Second),
		StartupTimeout:        getEnvDuration("STARTUP_TIMEOUT", 30*time.Second),
		TerminationGrace:      getEnvDuration("TERMINATION_GRACE", 5*time.Second),
		UnresponsiveThreshold: getEnvInt("UNRESPONSIVE_THRESHOLD", 3),
		MaxRestarts:           getEnvInt("MAX_RESTARTS", 3),
		RequestWarnAt:         getEnvInt("REQUEST_WARN_AT", 0),

		AggregatorAddr:    getEnv("AGGREGATOR_ADDR", ":8080"),
		OfflineAfter:      getEnvDuration("OFFLINE_AFTER", 30*time.Second),
		BroadcastInterval: getEnvDuration("BROADCAST_INTERVAL", 2*time.Second),

		ConfigFile: getEnv("EDGEGUARD_CONFIG", ""),
		Tasks:      models.DefaultTasks(),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile merges the YAML file at path into cfg. Tasks in the file replace
// built-in tasks of the same name; processes replace the whole list.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.merge(data)
}

func (c *Config) merge(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if c.Tasks == nil {
		c.Tasks = make(map[string]models.TaskSpec)
	}
	for name, spec := range f.Tasks {
		if spec.Name == "" {
			spec.Name = name
		}
		c.Tasks[name] = spec
	}
	if len(f.Processes) > 0 {
		c.Processes = f.Processes
	}
	return nil
}

// Validate reports every setting that cannot work
func (c *Config) Validate() error {
	var errs []error

	if c.FrameInterval <= 0 {
		errs = append(errs, errors.New("FRAME_INTERVAL must be positive"))
	}
	if c.RequestTimeout <= 0 || c.RequestTimeout >= c.FrameInterval {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT (%s) must be positive and shorter than FRAME_INTERVAL (%s)",
			c.RequestTimeout, c.FrameInterval))
	}
	if c.GCInterval <= 0 {
		errs = append(errs, errors.New("GC_INTERVAL must be positive"))
	}
	if c.ReloadInterval <= 0 {
		errs = append(errs, errors.New("RELOAD_INTERVAL must be positive"))
	}
	if c.MaxImagePixels <= 0 {
		errs = append(errs, errors.New("MAX_IMAGE_PIXELS must be positive"))
	}
	if c.ProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("PROBE_INTERVAL and PROBE_TIMEOUT must be positive"))
	}
	if c.UnresponsiveThreshold < 1 {
		errs = append(errs, errors.New("UNRESPONSIVE_THRESHOLD must be at least 1"))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, errors.New("MAX_RESTARTS must not be negative"))
	}
	if c.DegradedThreshold < 1 {
		errs = append(errs, errors.New("DEGRADED_THRESHOLD must be at least 1"))
	}
	if len(c.Backoff) == 0 {
		errs = append(errs, errors.New("BACKOFF_SCHEDULE must not be empty"))
	}
	for _, d := range c.Backoff {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("BACKOFF_SCHEDULE entry %s must be positive", d))
		}
	}
	if !inUnitRange(c.DefaultThreshold) {
		errs = append(errs, fmt.Errorf("DEFAULT_THRESHOLD %.2f must be within [0,1]", c.DefaultThreshold))
	}

	for name, spec := range c.Tasks {
		if spec.Model == "" {
			errs = append(errs, fmt.Errorf("task %q has no model", name))
		}
		if spec.TargetClass == "" && spec.TargetClassID == nil {
			errs = append(errs, fmt.Errorf("task %q has no target class", name))
		}
		if !inUnitRange(spec.Threshold) {
			errs = append(errs, fmt.Errorf("task %q threshold %.2f must be within [0,1]", name, spec.Threshold))
		}
	}
	if _, ok := c.Tasks[c.Task]; !ok {
		errs = append(errs, fmt.Errorf("TASK %q is not a configured task", c.Task))
	}

	seen := make(map[string]bool)
	for i, p := range c.Processes {
		if p.Name == "" || p.Command == "" {
			errs = append(errs, fmt.Errorf("process #%d needs a name and a command", i+1))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("process %q is listed twice", p.Name))
		}
		seen[p.Name] = true
	}

	return errors.Join(errs...)
}

// Policy returns the supervisor policy described by the configuration
func (c *Config) Policy() supervisor.Policy {
	p := supervisor.DefaultPolicy()
	p.ProbeInterval = c.ProbeInterval
	p.ProbeTimeout = c.ProbeTimeout
	p.StartupTimeout = c.StartupTimeout
	p.TerminationGrace = c.TerminationGrace
	p.UnresponsiveThreshold = c.UnresponsiveThreshold
	p.MaxRestarts = c.MaxRestarts
	p.RequestWarnAt = uint64(max(c.RequestWarnAt, 0))
	return p
}

// TaskModels returns the distinct model names used by the task table
func (c *Config) TaskModels() []string {
	seen := make(map[string]bool)
	var names []string
	for _, spec := range c.Tasks {
		if spec.Model != "" && !seen[spec.Model] {
			seen[spec.Model] = true
			names = append(names, spec.Model)
		}
	}
	return names
}

func inUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}

func hostnameOr(fallback string) string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return fallback
	}
	return name
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("Config: failed to parse float, using default", "key", key, "error", err)
		return defaultValue
	}
	return floatValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Config: failed to parse int, using default", "key", key, "error", err)
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("Config: failed to parse bool, using default", "key", key, "error", err)
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Config: failed to parse duration, using default", "key", key, "error", err)
		return defaultValue
	}
	return d
}

// getEnvDurations parses a comma-separated list such as "10s,20s,40s"
func getEnvDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			slog.Warn("Config: failed to parse duration list, using default", "key", key, "error", err)
			return defaultValue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
