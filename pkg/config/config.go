package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/types"
)

// Monitoring holds the probing knobs.
type Monitoring struct {
	CheckIntervalSeconds int  `yaml:"checkIntervalSeconds"`
	TimeoutSeconds       int  `yaml:"timeoutSeconds"`
	RetryAttempts        int  `yaml:"retryAttempts"`
	BatchSize            int  `yaml:"batchSize"`
	EnableDockerStats    bool `yaml:"enableDockerStats"`
	StatsIntervalSeconds int  `yaml:"statsIntervalSeconds"`
	DetailedHealth       bool `yaml:"detailedHealth"`
}

// Alerts holds alerting thresholds and the webhook target.
type Alerts struct {
	EnableNotifications          bool   `yaml:"enableNotifications"`
	WebhookURL                   string `yaml:"webhookUrl"`
	HighLatencyThresholdMs       int64  `yaml:"highLatencyThresholdMs"`
	ConsecutiveFailuresThreshold int    `yaml:"consecutiveFailuresThreshold"`
	RecoveryThreshold            int    `yaml:"recoveryThreshold"`
}

// Config is the validated configuration handed to the engine.
type Config struct {
	Services   []types.Service `yaml:"services"`
	Monitoring Monitoring      `yaml:"monitoring"`
	Alerts     Alerts          `yaml:"alerts"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Monitoring: Monitoring{
			CheckIntervalSeconds: 30,
			TimeoutSeconds:       10,
			RetryAttempts:        3,
			BatchSize:            5,
			EnableDockerStats:    true,
			StatsIntervalSeconds: 15,
		},
		Alerts: Alerts{
			EnableNotifications:          true,
			HighLatencyThresholdMs:       2000,
			ConsecutiveFailuresThreshold: 3,
			RecoveryThreshold:            2,
		},
	}
}

// Load reads a YAML config from path. A missing file yields the default
// configuration with a warning; a malformed or invalid file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithComponent("config").Warn().Str("path", path).Msg("config file not found, using defaults")
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by partial config files.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Monitoring.CheckIntervalSeconds == 0 {
		c.Monitoring.CheckIntervalSeconds = d.Monitoring.CheckIntervalSeconds
	}
	if c.Monitoring.TimeoutSeconds == 0 {
		c.Monitoring.TimeoutSeconds = d.Monitoring.TimeoutSeconds
	}
	if c.Monitoring.RetryAttempts == 0 {
		c.Monitoring.RetryAttempts = d.Monitoring.RetryAttempts
	}
	if c.Monitoring.BatchSize == 0 {
		c.Monitoring.BatchSize = d.Monitoring.BatchSize
	}
	if c.Monitoring.StatsIntervalSeconds == 0 {
		c.Monitoring.StatsIntervalSeconds = d.Monitoring.StatsIntervalSeconds
	}
	if c.Alerts.HighLatencyThresholdMs == 0 {
		c.Alerts.HighLatencyThresholdMs = d.Alerts.HighLatencyThresholdMs
	}
	if c.Alerts.ConsecutiveFailuresThreshold == 0 {
		c.Alerts.ConsecutiveFailuresThreshold = d.Alerts.ConsecutiveFailuresThreshold
	}
	if c.Alerts.RecoveryThreshold == 0 {
		c.Alerts.RecoveryThreshold = d.Alerts.RecoveryThreshold
	}
	for i := range c.Services {
		if c.Services[i].Type == "" {
			c.Services[i].Type = types.ServiceTypeCustom
		}
	}
}

// Validate checks invariants that must hold before the engine starts.
// Violations are fatal at startup.
func (c *Config) Validate() error {
	if c.Monitoring.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("monitoring.checkIntervalSeconds must be positive")
	}
	if c.Monitoring.TimeoutSeconds <= 0 {
		return fmt.Errorf("monitoring.timeoutSeconds must be positive")
	}
	if c.Monitoring.BatchSize <= 0 {
		return fmt.Errorf("monitoring.batchSize must be positive")
	}
	if c.Monitoring.RetryAttempts < 0 {
		return fmt.Errorf("monitoring.retryAttempts must not be negative")
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.ID == "" {
			return fmt.Errorf("service with empty id")
		}
		if svc.ID != strings.ToLower(svc.ID) {
			return fmt.Errorf("service id %q must be lowercase", svc.ID)
		}
		if seen[svc.ID] {
			return fmt.Errorf("duplicate service id %q", svc.ID)
		}
		seen[svc.ID] = true

		u, err := url.Parse(svc.HealthEndpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %q: invalid healthEndpoint %q", svc.ID, svc.HealthEndpoint)
		}
	}
	return nil
}

// Env is the environment-derived runtime configuration.
type Env struct {
	Host         string
	Port         string
	APIKey       string
	JWTSecret    string
	AllowedRoles []string
	OTELEndpoint string
	TLSCert      string
	TLSKey       string
	TLSStrict    bool
	DataDir      string
}

// EnvFromOS reads the recognized VIGIL_* environment variables.
func EnvFromOS() Env {
	roles := os.Getenv("VIGIL_JWT_ALLOWED_ROLES")
	if roles == "" {
		roles = "admin,orchestrate"
	}
	var allowed []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			allowed = append(allowed, r)
		}
	}

	dataDir := os.Getenv("VIGIL_DATA_DIR")
	if dataDir == "" {
		dataDir = "./vigil-data"
	}

	return Env{
		Host:         os.Getenv("VIGIL_HOST"),
		Port:         os.Getenv("VIGIL_PORT"),
		APIKey:       os.Getenv("VIGIL_API_KEY"),
		JWTSecret:    os.Getenv("VIGIL_JWT_SECRET"),
		AllowedRoles: allowed,
		OTELEndpoint: os.Getenv("VIGIL_OTEL_ENDPOINT"),
		TLSCert:      os.Getenv("VIGIL_TLS_CERT"),
		TLSKey:       os.Getenv("VIGIL_TLS_KEY"),
		TLSStrict:    os.Getenv("VIGIL_TLS_STRICT") == "1" || os.Getenv("VIGIL_TLS_STRICT") == "true",
		DataDir:      dataDir,
	}
}
