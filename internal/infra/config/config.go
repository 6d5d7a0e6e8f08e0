package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"netconverge/internal/domain"
)

// Config is the root configuration object. Components receive the section
// they need through their constructors.
type Config struct {
	Includes       []string             `yaml:"includes,omitempty"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracer         TracerConfig         `yaml:"tracer"`
	Inventory      InventoryConfig      `yaml:"inventory"`
	Devices        []DeviceConfig       `yaml:"devices"`
	Retry          RetryConfig          `yaml:"retry"`
	Remediation    RemediationConfig    `yaml:"remediation"`
	Incidents      IncidentsConfig      `yaml:"incidents"`
	Notify         NotifyConfig         `yaml:"notify"`
	Store          StoreConfig          `yaml:"store"`
	Audit          AuditConfig          `yaml:"audit"`
	Server         ServerConfig         `yaml:"server"`
	Events         EventsConfig         `yaml:"events"`
	Schedule       ScheduleConfig       `yaml:"schedule"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, otlp, noop
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	// SampleRatio samples that fraction of requests. 0 samples all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// InventoryConfig selects the source-of-truth backend.
type InventoryConfig struct {
	Backend string               `yaml:"backend"` // netbox, static
	Timeout time.Duration        `yaml:"timeout"`
	NetBox  NetBoxConfig         `yaml:"netbox"`
	Static  []StaticDeviceConfig `yaml:"static"`
}

// NetBoxConfig holds NetBox API settings.
type NetBoxConfig struct {
	URL                string `yaml:"url"`
	Token              string `yaml:"token"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	PageSize           int    `yaml:"page_size"`
}

// StaticDeviceConfig declares one device for the static inventory.
type StaticDeviceConfig struct {
	ID         string                  `yaml:"id"`
	Name       string                  `yaml:"name"`
	Address    string                  `yaml:"address"`
	Role       string                  `yaml:"role"`
	Platform   string                  `yaml:"platform"`
	Interfaces []StaticInterfaceConfig `yaml:"interfaces"`
}

// StaticInterfaceConfig declares one interface for the static inventory.
type StaticInterfaceConfig struct {
	Name          string `yaml:"name"`
	Address       string `yaml:"address"`
	Enabled       *bool  `yaml:"enabled"`
	PeerDevice    string `yaml:"peer_device"`
	PeerInterface string `yaml:"peer_interface"`
}

// DeviceConfig binds one device agent to a managed element.
type DeviceConfig struct {
	Name              string        `yaml:"name"`
	Address           string        `yaml:"address"`
	Transport         string        `yaml:"transport"` // ssh, snmp, lab
	Port              int           `yaml:"port"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	PrivateKeyPath    string        `yaml:"private_key_path"`
	KnownHostsPath    string        `yaml:"known_hosts_path"`
	InsecureHostKey   bool          `yaml:"insecure_host_key"`
	Community         string        `yaml:"community"`
	CommandsPerSecond float64       `yaml:"commands_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	Lab               *LabConfig    `yaml:"lab,omitempty"`
}

// LabConfig describes the live state of a simulated device.
type LabConfig struct {
	Platform   string               `yaml:"platform"`
	Sticky     bool                 `yaml:"sticky"` // configuration is accepted but never takes effect
	Interfaces []LabInterfaceConfig `yaml:"interfaces"`
}

// LabInterfaceConfig is the observed state of one simulated interface.
type LabInterfaceConfig struct {
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	Shutdown bool   `yaml:"shutdown"`
	LinkDown bool   `yaml:"link_down"`
	Neighbor string `yaml:"neighbor"`
}

// RetryConfig bounds transport retries at the device agent boundary.
type RetryConfig struct {
	MaxAttempts     uint          `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// RemediationConfig holds orchestrator limits.
type RemediationConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	QueueDepth          int           `yaml:"queue_depth"`
}

// IncidentsConfig selects the incident system.
type IncidentsConfig struct {
	Backend    string           `yaml:"backend"` // servicenow, memory
	ServiceNow ServiceNowConfig `yaml:"servicenow"`
}

// ServiceNowConfig holds ServiceNow Table API settings.
type ServiceNowConfig struct {
	URL             string        `yaml:"url"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Table           string        `yaml:"table"` // incident, problem
	AssignmentGroup string        `yaml:"assignment_group"`
	Category        string        `yaml:"category"`
	Timeout         time.Duration `yaml:"timeout"`
}

// NotifyConfig selects the notification sender.
type NotifyConfig struct {
	Backend       string        `yaml:"backend"` // smtp, slack, discord, log
	Recipient     string        `yaml:"recipient"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	SMTP          SMTPConfig    `yaml:"smtp"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
}

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	TLS      string        `yaml:"tls"` // mandatory, opportunistic, none
	Timeout  time.Duration `yaml:"timeout"`
}

// SlackConfig holds Slack bot settings. The recipient is the channel.
type SlackConfig struct {
	Token string `yaml:"token"`
}

// DiscordConfig holds Discord bot settings. The recipient is the channel id.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// StoreConfig holds report persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"` // 0 keeps entries forever
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// Tokens lists bearer tokens accepted by the API. Empty disables auth.
	Tokens    []APITokenConfig `yaml:"tokens"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// RateLimitConfig bounds API calls per client IP. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// APITokenConfig names one API client.
type APITokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// EventsConfig holds external event publication settings.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig enables publishing domain events to NATS.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ScheduleConfig lists periodic verification requests.
type ScheduleConfig struct {
	Checks []ScheduledCheckConfig `yaml:"checks"`
}

// ScheduledCheckConfig is one cron-driven verification.
type ScheduledCheckConfig struct {
	Name        string   `yaml:"name"`
	Cron        string   `yaml:"cron"`
	Description string   `yaml:"description"`
	Endpoints   []string `yaml:"endpoints"`
}

// CircuitBreakerConfig configures breakers around external HTTP systems.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// defaultDataDir returns the persistent data directory under $HOME/.netconverge.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".netconverge")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Inventory: InventoryConfig{
			Backend: "netbox",
			Timeout: 10 * time.Second,
			NetBox:  NetBoxConfig{PageSize: 100},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Remediation: RemediationConfig{
			MaxRetries:          2,
			DispatchConcurrency: 4,
			TaskTimeout:         30 * time.Second,
			CallTimeout:         15 * time.Second,
			QueueDepth:          16,
		},
		Incidents: IncidentsConfig{
			Backend: "servicenow",
			ServiceNow: ServiceNowConfig{
				Table:    "incident",
				Category: "network",
				Timeout:  15 * time.Second,
			},
		},
		Notify: NotifyConfig{
			Backend:       "log",
			SubjectPrefix: "[netconverge]",
			SMTP: SMTPConfig{
				Port:    587,
				TLS:     "mandatory",
				Timeout: 15 * time.Second,
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "reports.db"),
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			RequestTimeout:  10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
		},
		Events: EventsConfig{
			NATS: NATSConfig{SubjectPrefix: "netconverge"},
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			Interval:    60 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w: %w", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %w", domain.ErrConfigLoad, err)
	}

	if len(cfg.Includes) > 0 {
		// The main file's lists are applied by the second pass, after the includes.
		takeLists(cfg)
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass so the main file takes precedence over includes.
		if err := unmarshalOverlay(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w: %w", domain.ErrConfigLoad, err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("NETCONVERGE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w: %w", domain.ErrDecryption, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps NETCONVERGE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NETCONVERGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("NETCONVERGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("NETCONVERGE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("NETCONVERGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("NETCONVERGE_TRACER_ENDPOINT"); v != "" {
		cfg.Tracer.Endpoint = v
	}
	if v := os.Getenv("NETCONVERGE_INVENTORY_BACKEND"); v != "" {
		cfg.Inventory.Backend = v
	}
	if v := os.Getenv("NETCONVERGE_NETBOX_URL"); v != "" {
		cfg.Inventory.NetBox.URL = v
	}
	if v := os.Getenv("NETCONVERGE_NETBOX_TOKEN"); v != "" {
		cfg.Inventory.NetBox.Token = v
	}
	if v := os.Getenv("NETCONVERGE_INCIDENTS_BACKEND"); v != "" {
		cfg.Incidents.Backend = v
	}
	if v := os.Getenv("NETCONVERGE_SERVICENOW_URL"); v != "" {
		cfg.Incidents.ServiceNow.URL = v
	}
	if v := os.Getenv("NETCONVERGE_SERVICENOW_USERNAME"); v != "" {
		cfg.Incidents.ServiceNow.Username = v
	}
	if v := os.Getenv("NETCONVERGE_SERVICENOW_PASSWORD"); v != "" {
		cfg.Incidents.ServiceNow.Password = v
	}
	if v := os.Getenv("NETCONVERGE_NOTIFY_BACKEND"); v != "" {
		cfg.Notify.Backend = v
	}
	if v := os.Getenv("NETCONVERGE_NOTIFY_RECIPIENT"); v != "" {
		cfg.Notify.Recipient = v
	}
	if v := os.Getenv("NETCONVERGE_SMTP_HOST"); v != "" {
		cfg.Notify.SMTP.Host = v
	}
	if v := os.Getenv("NETCONVERGE_SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notify.SMTP.Port = n
		}
	}
	if v := os.Getenv("NETCONVERGE_SMTP_USERNAME"); v != "" {
		cfg.Notify.SMTP.Username = v
	}
	if v := os.Getenv("NETCONVERGE_SMTP_PASSWORD"); v != "" {
		cfg.Notify.SMTP.Password = v
	}
	if v := os.Getenv("NETCONVERGE_SLACK_TOKEN"); v != "" {
		cfg.Notify.Slack.Token = v
	}
	if v := os.Getenv("NETCONVERGE_DISCORD_TOKEN"); v != "" {
		cfg.Notify.Discord.Token = v
	}
	if v := os.Getenv("NETCONVERGE_REMEDIATION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remediation.MaxRetries = n
		}
	}
	if v := os.Getenv("NETCONVERGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("NETCONVERGE_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("NETCONVERGE_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("NETCONVERGE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("NETCONVERGE_NATS_URL"); v != "" {
		cfg.Events.NATS.URL = v
	}
	// Shared device credentials fill in entries that leave them empty.
	if v := os.Getenv("NETCONVERGE_DEVICE_USERNAME"); v != "" {
		for i := range cfg.Devices {
			if cfg.Devices[i].Username == "" {
				cfg.Devices[i].Username = v
			}
		}
	}
	if v := os.Getenv("NETCONVERGE_DEVICE_PASSWORD"); v != "" {
		for i := range cfg.Devices {
			if cfg.Devices[i].Password == "" {
				cfg.Devices[i].Password = v
			}
		}
	}
	if v := os.Getenv("NETCONVERGE_SNMP_COMMUNITY"); v != "" {
		for i := range cfg.Devices {
			if cfg.Devices[i].Community == "" {
				cfg.Devices[i].Community = v
			}
		}
	}
	if v := os.Getenv("NETCONVERGE_INSECURE_HOST_KEY_DEVICES"); v != "" {
		names := make(map[string]bool)
		for _, n := range splitAndTrim(v, ",") {
			names[n] = true
		}
		for i := range cfg.Devices {
			if names[cfg.Devices[i].Name] {
				cfg.Devices[i].InsecureHostKey = true
			}
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
