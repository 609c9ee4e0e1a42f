// Package config handles availwatch configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/availwatch/config.yaml, /config/config.yaml,
// /etc/availwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "availwatch", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/availwatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all availwatch configuration.
type Config struct {
	DataDir    string       `yaml:"data_dir"`
	LogLevel   string       `yaml:"log_level"`
	Zone       string       `yaml:"zone"` // IANA zone name, e.g. "America/Denver"
	Admin      AdminConfig  `yaml:"admin"`
	SMTP       SMTPConfig   `yaml:"smtp"`
	LinkSign   LinkSignConfig `yaml:"link_signing"`
	Schedule   ScheduleConfig `yaml:"schedule"`
	Session    SessionConfig  `yaml:"session"`
	Rotate     RotateConfig   `yaml:"identity_rotation"`
	Targets    []TargetConfig `yaml:"targets"`
}

// AdminConfig defines the operator-surface HTTP server (health + link routes).
type AdminConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SMTPConfig carries outbound mail server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"start_tls"`
	From     string `yaml:"from"`
}

// Configured reports whether enough SMTP settings are present to attempt sends.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// LinkSignConfig carries the LinkSigner's process-wide secret and link base URL.
type LinkSignConfig struct {
	Secret  string `yaml:"secret"`
	BaseURL string `yaml:"base_url"`
	TTL     time.Duration `yaml:"ttl"`
}

// ScheduleConfig carries every Scheduler tunable named in the operator surface.
type ScheduleConfig struct {
	BaseIntervalSec   int `yaml:"base_interval_sec"`
	JitterSec         int `yaml:"jitter_sec"`
	InterGroupJitterMs int `yaml:"inter_group_jitter_ms"`
	CooldownMinSec    int `yaml:"cooldown_min_sec"`
	CooldownMaxSec    int `yaml:"cooldown_max_sec"`
	NewSessionSettleSec int `yaml:"new_session_settle_sec"`
	// PauseScope controls whether a BLOCKED verdict backs off only the
	// blocked target ("target") or every target for the remainder of the
	// cycle ("all"). Open Question in spec.md §9; left as a deployment
	// policy knob rather than guessed. Default: "target".
	PauseScope string `yaml:"pause_scope"`
}

// SessionConfig carries SessionPool tunables.
type SessionConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	UseBound      int `yaml:"use_bound"`
	ProfileDir    string `yaml:"profile_dir"`
}

// RotateConfig selects and configures the IdentityRotator strategy.
type RotateConfig struct {
	Strategy   string `yaml:"strategy"` // "none", "gluetun", "process_exit"
	GluetunURL string `yaml:"gluetun_url"`
}

// TargetConfig is the operator-authored seed for a monitored Target.
type TargetConfig struct {
	Name           string `yaml:"name"`
	URL            string `yaml:"url"`
	PaletteR       int    `yaml:"palette_r"`
	PaletteG       int    `yaml:"palette_g"`
	PaletteB       int    `yaml:"palette_b"`
	CadenceHintSec int    `yaml:"cadence_hint_sec"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${SMTP_PASSWORD}, ${LINK_SIGNING_SECRET}).
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Zone == "" {
		c.Zone = "America/Denver"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8080
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.LinkSign.TTL == 0 {
		c.LinkSign.TTL = 7 * 24 * time.Hour
	}
	if c.Schedule.BaseIntervalSec == 0 {
		c.Schedule.BaseIntervalSec = 120
	}
	if c.Schedule.JitterSec == 0 {
		c.Schedule.JitterSec = 30
	}
	if c.Schedule.InterGroupJitterMs == 0 {
		c.Schedule.InterGroupJitterMs = 1500
	}
	if c.Schedule.CooldownMinSec == 0 {
		c.Schedule.CooldownMinSec = 240
	}
	if c.Schedule.CooldownMaxSec == 0 {
		c.Schedule.CooldownMaxSec = 360
	}
	if c.Schedule.NewSessionSettleSec == 0 {
		c.Schedule.NewSessionSettleSec = 12
	}
	if c.Schedule.PauseScope == "" {
		c.Schedule.PauseScope = "target"
	}
	if c.Session.MaxConcurrent == 0 {
		c.Session.MaxConcurrent = 1
	}
	if c.Session.UseBound == 0 {
		c.Session.UseBound = 3
	}
	if c.Session.ProfileDir == "" {
		c.Session.ProfileDir = filepath.Join(c.DataDir, "chrome-profiles")
	}
	if c.Rotate.Strategy == "" {
		c.Rotate.Strategy = "none"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port %d out of range (1-65535)", c.Admin.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Schedule.CooldownMinSec > c.Schedule.CooldownMaxSec {
		return fmt.Errorf("schedule.cooldown_min_sec (%d) exceeds cooldown_max_sec (%d)",
			c.Schedule.CooldownMinSec, c.Schedule.CooldownMaxSec)
	}
	if c.Schedule.PauseScope != "target" && c.Schedule.PauseScope != "all" {
		return fmt.Errorf("schedule.pause_scope %q must be \"target\" or \"all\"", c.Schedule.PauseScope)
	}
	if c.Session.MaxConcurrent < 1 {
		return fmt.Errorf("session.max_concurrent must be at least 1")
	}
	switch c.Rotate.Strategy {
	case "none", "gluetun", "process_exit":
	default:
		return fmt.Errorf("identity_rotation.strategy %q must be one of none, gluetun, process_exit", c.Rotate.Strategy)
	}
	if _, err := time.LoadLocation(c.Zone); err != nil {
		return fmt.Errorf("zone %q: %w", c.Zone, err)
	}
	return nil
}
