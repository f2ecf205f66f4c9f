package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/ternarybob/atelier/internal/models"
)

// Config is the application configuration snapshot, loaded once at startup.
// Priority: defaults -> config file(s) -> environment -> CLI flags.
type Config struct {
	Environment string            `toml:"environment"` // "development" or "production"
	Server      ServerConfig      `toml:"server"`
	ComfyUI     ComfyUIConfig     `toml:"comfyui"`     // single-node endpoint
	Distributed DistributedConfig `toml:"distributed"` // fleet mode switch + file cache knobs
	Nodes       NodesConfig       `toml:"nodes"`
	Queue       QueueConfig       `toml:"queue"`
	Storage     StorageConfig     `toml:"storage"`
	Uploads     UploadsConfig     `toml:"uploads"`
	Workflows   WorkflowsConfig   `toml:"workflows"`
	Dispatch    DispatchConfig    `toml:"dispatch"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Auth        AuthConfig        `toml:"auth"`
	Logging     LoggingConfig     `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gte=1,lte=65535"`
	// PublicURL is the base URL nodes use to reach the orchestrator for
	// file downloads. Defaults to http://<host>:<port>.
	PublicURL string `toml:"public_url"`
}

// ComfyUIConfig is the single-node endpoint used when distributed mode is
// disabled. It must validate exactly like a fleet node declaration.
type ComfyUIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Timeout string `toml:"timeout"` // e.g. "30s"
	// OutputDir is the node's output directory on the shared filesystem,
	// used to build absolute artifact paths in single-node mode.
	OutputDir string `toml:"output_dir"`
}

type DistributedConfig struct {
	Enabled          bool   `toml:"enabled"`
	FileCacheEnabled bool   `toml:"file_cache_enabled"`
	FileCacheTTL     string `toml:"file_cache_ttl"` // e.g. "10m"
}

// NodeDecl is one static node declaration in fleet mode.
type NodeDecl struct {
	ID            string   `toml:"id"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	MaxConcurrent int      `toml:"max_concurrent"`
	Capabilities  []string `toml:"capabilities"`
	Priority      int      `toml:"priority"`
}

type NodesConfig struct {
	Discovery     string             `toml:"discovery"` // static | dynamic | hybrid
	Static        []NodeDecl         `toml:"static"`
	HealthCheck   HealthCheckConfig  `toml:"health_check"`
	LoadBalancing LoadBalancerConfig `toml:"load_balancing"`
}

type HealthCheckConfig struct {
	Interval         string `toml:"interval"`          // probe cadence, e.g. "10s"
	Timeout          string `toml:"timeout"`           // per-probe deadline, e.g. "5s"
	HeartbeatTimeout string `toml:"heartbeat_timeout"` // max heartbeat age before offline, e.g. "45s"
}

type LoadBalancerConfig struct {
	Strategy string `toml:"strategy"` // round_robin | least_loaded | weighted | random | priority_based
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // how often workers poll, e.g. "1s"
	VisibilityTimeout string `toml:"visibility_timeout"` // redelivery window, e.g. "10m"
	MaxReceive        int    `toml:"max_receive"`        // receives before a message is dropped
	WorkersPerKind    int    `toml:"workers_per_kind"`   // pool size per job-kind partition
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type UploadsConfig struct {
	Dir       string `toml:"dir"`
	MaxSizeMB int    `toml:"max_size_mb"`
}

type WorkflowsConfig struct {
	Dir string `toml:"dir"` // directory containing <name>.json templates and <name>.params.json schemas
}

type DispatchConfig struct {
	SubmitTimeout    string `toml:"submit_timeout"`     // POST /prompt deadline
	ImageTimeout     string `toml:"image_timeout"`      // monitor deadline for text-to-image
	VideoTimeout     string `toml:"video_timeout"`      // monitor deadline for image-to-video
	SelectBackoffMax string `toml:"select_backoff_max"` // cap on the no-node wait before failing
}

type MaintenanceConfig struct {
	Enabled         bool   `toml:"enabled"`
	Schedule        string `toml:"schedule"`         // cron format
	JobRetention    string `toml:"job_retention"`    // terminal jobs older than this are deleted
	UploadRetention string `toml:"upload_retention"` // uploads older than this are deleted
}

// ClientToken maps a static bearer token to a client identity.
type ClientToken struct {
	ID    string `toml:"id"`
	Token string `toml:"token"`
}

type AuthConfig struct {
	Enabled bool `toml:"enabled"`
	// DownloadSecret signs the per-job file download tokens embedded in
	// file_downloads instructions.
	DownloadSecret string        `toml:"download_secret"`
	DownloadTTL    string        `toml:"download_ttl"` // e.g. "1h"
	Clients        []ClientToken `toml:"clients"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // debug | info | warn | error
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8190,
		},
		ComfyUI: ComfyUIConfig{
			Host:    "localhost",
			Port:    8188,
			Timeout: "30s",
		},
		Distributed: DistributedConfig{
			Enabled:          false,
			FileCacheEnabled: false,
			FileCacheTTL:     "10m",
		},
		Nodes: NodesConfig{
			Discovery: "static",
			HealthCheck: HealthCheckConfig{
				Interval:         "10s",
				Timeout:          "5s",
				HeartbeatTimeout: "45s",
			},
			LoadBalancing: LoadBalancerConfig{
				Strategy: "least_loaded",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "10m",
			MaxReceive:        3,
			WorkersPerKind:    2,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Uploads: UploadsConfig{
			Dir:       "./data/uploads",
			MaxSizeMB: 50,
		},
		Workflows: WorkflowsConfig{
			Dir: "./workflows",
		},
		Dispatch: DispatchConfig{
			SubmitTimeout:    "30s",
			ImageTimeout:     "10m",
			VideoTimeout:     "60m",
			SelectBackoffMax: "2m",
		},
		Maintenance: MaintenanceConfig{
			Enabled:         true,
			Schedule:        "0 0 */6 * * *", // every 6 hours
			JobRetention:    "720h",          // 30 days
			UploadRetention: "720h",
		},
		Auth: AuthConfig{
			Enabled:     false,
			DownloadTTL: "1h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files; later files
// override earlier files, environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ATELIER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("ATELIER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ATELIER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if publicURL := os.Getenv("ATELIER_PUBLIC_URL"); publicURL != "" {
		config.Server.PublicURL = publicURL
	}

	if host := os.Getenv("ATELIER_COMFYUI_HOST"); host != "" {
		config.ComfyUI.Host = host
	}
	if port := os.Getenv("ATELIER_COMFYUI_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.ComfyUI.Port = p
		}
	}

	if enabled := os.Getenv("ATELIER_DISTRIBUTED_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Distributed.Enabled = e
		}
	}
	if discovery := os.Getenv("ATELIER_NODES_DISCOVERY"); discovery != "" {
		config.Nodes.Discovery = discovery
	}
	if strategy := os.Getenv("ATELIER_LOAD_BALANCING_STRATEGY"); strategy != "" {
		config.Nodes.LoadBalancing.Strategy = strategy
	}

	if pollInterval := os.Getenv("ATELIER_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if workers := os.Getenv("ATELIER_QUEUE_WORKERS_PER_KIND"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Queue.WorkersPerKind = w
		}
	}

	if badgerPath := os.Getenv("ATELIER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if uploadsDir := os.Getenv("ATELIER_UPLOADS_DIR"); uploadsDir != "" {
		config.Uploads.Dir = uploadsDir
	}
	if workflowsDir := os.Getenv("ATELIER_WORKFLOWS_DIR"); workflowsDir != "" {
		config.Workflows.Dir = workflowsDir
	}

	if level := os.Getenv("ATELIER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("ATELIER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if secret := os.Getenv("ATELIER_AUTH_DOWNLOAD_SECRET"); secret != "" {
		config.Auth.DownloadSecret = secret
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// Command-line flags have the highest priority.
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

var knownStrategies = map[string]bool{
	"round_robin":    true,
	"least_loaded":   true,
	"weighted":       true,
	"random":         true,
	"priority_based": true,
}

var knownDiscoveryModes = map[string]bool{
	"static":  true,
	"dynamic": true,
	"hybrid":  true,
}

// Validate checks the configuration snapshot. Any error is fatal at load:
// there is no partial startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !knownStrategies[c.Nodes.LoadBalancing.Strategy] {
		return fmt.Errorf("nodes.load_balancing.strategy: unknown strategy %q", c.Nodes.LoadBalancing.Strategy)
	}
	if !knownDiscoveryModes[c.Nodes.Discovery] {
		return fmt.Errorf("nodes.discovery: unknown discovery mode %q", c.Nodes.Discovery)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"comfyui.timeout", c.ComfyUI.Timeout},
		{"nodes.health_check.interval", c.Nodes.HealthCheck.Interval},
		{"nodes.health_check.timeout", c.Nodes.HealthCheck.Timeout},
		{"nodes.health_check.heartbeat_timeout", c.Nodes.HealthCheck.HeartbeatTimeout},
		{"queue.poll_interval", c.Queue.PollInterval},
		{"queue.visibility_timeout", c.Queue.VisibilityTimeout},
		{"dispatch.submit_timeout", c.Dispatch.SubmitTimeout},
		{"dispatch.image_timeout", c.Dispatch.ImageTimeout},
		{"dispatch.video_timeout", c.Dispatch.VideoTimeout},
		{"dispatch.select_backoff_max", c.Dispatch.SelectBackoffMax},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", field.name, field.value)
		}
	}

	if c.Distributed.Enabled {
		if len(c.Nodes.Static) == 0 && c.Nodes.Discovery == "static" {
			return fmt.Errorf("nodes.static: fleet mode with static discovery requires at least one node declaration")
		}
		seen := make(map[string]bool, len(c.Nodes.Static))
		for i, decl := range c.Nodes.Static {
			if err := validateNodeDecl(fmt.Sprintf("nodes.static[%d]", i), decl); err != nil {
				return err
			}
			if seen[decl.ID] {
				return fmt.Errorf("nodes.static[%d].id: duplicate node id %q", i, decl.ID)
			}
			seen[decl.ID] = true
		}
	} else {
		single := NodeDecl{
			ID:            "local",
			Host:          c.ComfyUI.Host,
			Port:          c.ComfyUI.Port,
			MaxConcurrent: 1,
		}
		if err := validateNodeDecl("comfyui", single); err != nil {
			return err
		}
	}

	if c.Queue.WorkersPerKind < 1 {
		return fmt.Errorf("queue.workers_per_kind: must be at least 1, got %d", c.Queue.WorkersPerKind)
	}
	if c.Auth.Enabled && len(c.Auth.Clients) == 0 {
		return fmt.Errorf("auth.clients: auth is enabled but no client tokens are configured")
	}

	return nil
}

func validateNodeDecl(prefix string, decl NodeDecl) error {
	if decl.ID == "" {
		return fmt.Errorf("%s.id: node id is required", prefix)
	}
	if decl.Host == "" {
		return fmt.Errorf("%s.host: host is required", prefix)
	}
	if decl.Port < 1 || decl.Port > 65535 {
		return fmt.Errorf("%s.port: port %d out of range [1,65535]", prefix, decl.Port)
	}
	if decl.MaxConcurrent < 1 {
		return fmt.Errorf("%s.max_concurrent: must be at least 1, got %d", prefix, decl.MaxConcurrent)
	}
	for _, cap := range decl.Capabilities {
		if !models.IsKnownKind(models.JobKind(cap)) {
			return fmt.Errorf("%s.capabilities: unknown job kind %q", prefix, cap)
		}
	}
	return nil
}

// Duration helpers: the validated fields always parse.

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) HealthProbeInterval() time.Duration  { return mustDuration(c.Nodes.HealthCheck.Interval) }
func (c *Config) HealthProbeTimeout() time.Duration   { return mustDuration(c.Nodes.HealthCheck.Timeout) }
func (c *Config) HeartbeatTimeout() time.Duration     { return mustDuration(c.Nodes.HealthCheck.HeartbeatTimeout) }
func (c *Config) QueuePollInterval() time.Duration    { return mustDuration(c.Queue.PollInterval) }
func (c *Config) QueueVisibility() time.Duration      { return mustDuration(c.Queue.VisibilityTimeout) }
func (c *Config) SubmitTimeout() time.Duration        { return mustDuration(c.Dispatch.SubmitTimeout) }
func (c *Config) SelectBackoffMax() time.Duration     { return mustDuration(c.Dispatch.SelectBackoffMax) }
func (c *Config) SingleNodeTimeout() time.Duration    { return mustDuration(c.ComfyUI.Timeout) }

// MonitorTimeout returns the kind-dependent monitor deadline. Video runs
// are allowed far longer than image runs.
func (c *Config) MonitorTimeout(kind models.JobKind) time.Duration {
	if kind == models.KindImageToVideo {
		return mustDuration(c.Dispatch.VideoTimeout)
	}
	return mustDuration(c.Dispatch.ImageTimeout)
}

// DownloadTokenTTL returns the lifetime of scoped file download tokens.
func (c *Config) DownloadTokenTTL() time.Duration {
	if d, err := time.ParseDuration(c.Auth.DownloadTTL); err == nil && d > 0 {
		return d
	}
	return time.Hour
}

// BaseURL returns the externally reachable orchestrator base URL.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
