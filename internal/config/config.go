// Package config loads the broker's static process configuration: socket
// and HTTP listen settings, on-disk paths, and logging/telemetry knobs.
// This is distinct from the daemon's dynamic, user-mutable JSON config
// (vault, policies, wizard state), which lives under internal/daemoncore.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker's static startup configuration.
type Config struct {
	Socket       string          `yaml:"socket"`        // Unix socket path
	HTTPHost     string          `yaml:"http_host"`      // HTTP fallback listen host
	HTTPPort     int             `yaml:"http_port"`      // HTTP fallback listen port
	ConfigPath   string          `yaml:"config_path"`    // path to this file, for reload
	PoliciesPath string          `yaml:"policies_path"`  // policy set on disk
	AuditLogPath string          `yaml:"audit_log_path"` // append-only JSONL sink
	LogLevel     string          `yaml:"log_level"`      // debug, info, warn, error
	FailOpen     bool            `yaml:"fail_open"`      // allow operations when the policy engine can't be reached
	AgentHome    string          `yaml:"agent_home"`     // sandboxed agent home directory
	DaemonURL    string          `yaml:"daemon_url"`     // daemon's control-plane base URL
	Vault        VaultConfig     `yaml:"vault"`
	Seatbelt     SeatbeltConfig  `yaml:"seatbelt"`
	Skills       SkillsConfig    `yaml:"skills"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
}

// VaultConfig locates the encrypted secret vault and its key.
type VaultConfig struct {
	DataPath       string `yaml:"data_path"`
	KeyPath        string `yaml:"key_path"`
	PasscodePath   string `yaml:"passcode_path"`
}

// SeatbeltConfig locates the SBPL profile cache.
type SeatbeltConfig struct {
	ProfileDir string        `yaml:"profile_dir"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// SkillsConfig locates the authoritative skills directory and version
// store, and selects fsnotify vs. polling.
type SkillsConfig struct {
	Dir           string        `yaml:"dir"`
	QuarantineDir string        `yaml:"quarantine_dir"`
	VersionDBPath string        `yaml:"version_db_path"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	UsePolling    bool          `yaml:"use_polling"` // force polling even where fsnotify works
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file at path, falling back to
// defaults if it doesn't exist, then applies AGENSHIELD_* env overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()
	cfg.ConfigPath = path

	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Socket:       "/var/run/agenshield/broker.sock",
		HTTPHost:     "127.0.0.1",
		HTTPPort:     8473,
		PoliciesPath: "/opt/agenshield/config/policies.json",
		AuditLogPath: "/var/log/agenshield/audit.log",
		LogLevel:     "info",
		FailOpen:     false,
		AgentHome:    "",
		DaemonURL:    "http://127.0.0.1:5200",
		Vault: VaultConfig{
			DataPath:     "/etc/agenshield/vault.enc",
			KeyPath:      "/etc/agenshield/vault.key",
			PasscodePath: "/etc/agenshield/passcode.enc",
		},
		Seatbelt: SeatbeltConfig{
			ProfileDir: "/opt/agenshield/config/profiles",
			CacheTTL:   7 * 24 * time.Hour,
		},
		Skills: SkillsConfig{
			Dir:           "/opt/agenshield/skills",
			QuarantineDir: "/opt/agenshield/skills-quarantine",
			VersionDBPath: "/opt/agenshield/config/skill-versions.json",
			PollInterval:  5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "agenshield-broker",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AGENSHIELD_SOCKET"); v != "" {
		c.Socket = v
	}
	if v := os.Getenv("AGENSHIELD_HTTP_HOST"); v != "" {
		c.HTTPHost = v
	}
	if v := os.Getenv("AGENSHIELD_HTTP_PORT"); v != "" {
		if port, err := parsePort(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := os.Getenv("AGENSHIELD_CONFIG"); v != "" {
		c.ConfigPath = v
	}
	if v := os.Getenv("AGENSHIELD_POLICIES"); v != "" {
		c.PoliciesPath = v
	}
	if v := os.Getenv("AGENSHIELD_AUDIT_LOG"); v != "" {
		c.AuditLogPath = v
	}
	if v := os.Getenv("AGENSHIELD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AGENSHIELD_FAIL_OPEN"); v != "" {
		c.FailOpen = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENSHIELD_AGENT_HOME"); v != "" {
		c.AgentHome = v
	}
	if v := os.Getenv("AGENSHIELD_DAEMON_URL"); v != "" {
		c.DaemonURL = v
	}

	if os.Getenv("AGENSHIELD_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("AGENSHIELD_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

func parsePort(v string) (int, error) {
	var port int
	_, err := fmt.Sscanf(v, "%d", &port)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	return port, nil
}

func (c *Config) validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.PoliciesPath == "" {
		return fmt.Errorf("policies_path is required")
	}
	if c.AuditLogPath == "" {
		return fmt.Errorf("audit_log_path is required")
	}
	return nil
}
