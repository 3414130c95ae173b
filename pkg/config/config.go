package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	monerrors "github.com/lucid-vigil/shellguard/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel           string                    `mapstructure:"log_level"`
	LogFile            string                    `mapstructure:"log_file"`
	BlacklistFile      string                    `mapstructure:"blacklist_file"`
	ModelDir           string                    `mapstructure:"model_dir"`
	AuditLogFile       string                    `mapstructure:"audit_log_file"`
	MaxSessionCommands int                       `mapstructure:"max_session_commands"`
	SessionTimeout     time.Duration             `mapstructure:"session_timeout"`
	SweepInterval      time.Duration             `mapstructure:"sweep_interval"`
	FlushInterval      time.Duration             `mapstructure:"flush_interval"`
	Thresholds         ThresholdsConfig          `mapstructure:"thresholds"`
	Risk               RiskConfig                `mapstructure:"risk"`
	Capture            CaptureConfig             `mapstructure:"capture"`
	Notification       NotificationConfig        `mapstructure:"notification"`
	Actions            ActionsConfig             `mapstructure:"actions"`
	API                APIConfig                 `mapstructure:"api"`
	Categories         map[string]CategoryConfig `mapstructure:"categories"`

	warnings []error
}

// ThresholdsConfig holds the cumulative risk tiers. Each is in [0,1] and the
// tiers are non-decreasing in the order listed.
type ThresholdsConfig struct {
	Warning       float64 `mapstructure:"warning"`
	High          float64 `mapstructure:"high"`
	Critical      float64 `mapstructure:"critical"`
	AutoBlacklist float64 `mapstructure:"auto_blacklist"`
}

// RiskConfig tunes scoring and aggregation.
type RiskConfig struct {
	DecayFactor    float64 `mapstructure:"decay_factor"`
	BaselineScore  float64 `mapstructure:"baseline_score"`
	EscalationStep float64 `mapstructure:"escalation_step"`
}

// CaptureConfig selects and configures the capture backends.
type CaptureConfig struct {
	Mode        string `mapstructure:"mode"`
	AuditLog    string `mapstructure:"audit_log"`
	AuthLog     string `mapstructure:"auth_log"`
	ShellLogTag string `mapstructure:"shell_log_tag"`
	BufferSize  int    `mapstructure:"buffer_size"`
}

// NotificationConfig configures the outbound alert sink.
type NotificationConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	SpoolFile     string        `mapstructure:"spool_file"`
}

// ActionsConfig holds the global configuration for revocation actions.
type ActionsConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	OnBlacklist []string `mapstructure:"on_blacklist"`
}

// APIConfig configures the optional metrics/health listener.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

// CategoryConfig is one suspicious-pattern category.
type CategoryConfig struct {
	Weight   float64  `mapstructure:"weight"`
	Patterns []string `mapstructure:"patterns"`
}

// Capture modes.
const (
	CaptureAuto    = "auto"
	CaptureAudit   = "audit"
	CaptureLogTail = "log_tail"
)

// Default returns the configuration used when no file or key is present.
func Default() *Config {
	cats := make(map[string]CategoryConfig, len(defaultCategories))
	for name, c := range defaultCategories {
		cats[name] = CategoryConfig{Weight: c.Weight, Patterns: append([]string(nil), c.Patterns...)}
	}
	return &Config{
		LogLevel:           "info",
		BlacklistFile:      "/var/lib/shellguard/blacklist.json",
		ModelDir:           "/var/lib/shellguard/models",
		AuditLogFile:       "/var/log/shellguard/audit.log",
		MaxSessionCommands: 100,
		SessionTimeout:     30 * time.Minute,
		SweepInterval:      30 * time.Second,
		FlushInterval:      time.Minute,
		Thresholds: ThresholdsConfig{
			Warning:       0.3,
			High:          0.5,
			Critical:      0.7,
			AutoBlacklist: 0.75,
		},
		Risk: RiskConfig{
			DecayFactor:    0.7,
			BaselineScore:  0.05,
			EscalationStep: 0.1,
		},
		Capture: CaptureConfig{
			Mode:        CaptureAuto,
			AuditLog:    "/var/log/audit/audit.log",
			AuthLog:     "/var/log/auth.log",
			ShellLogTag: "bash",
			BufferSize:  256,
		},
		Notification: NotificationConfig{
			Timeout:       10 * time.Second,
			RatePerMinute: 30,
			SpoolFile:     "/var/lib/shellguard/alerts.db",
		},
		Actions: ActionsConfig{
			Enabled:     false,
			OnBlacklist: []string{"terminate_sessions"},
		},
		Categories: cats,
	}
}

// LoadConfig reads the configuration from a YAML file and environment
// variables. An explicit path must exist; otherwise shellguard.yaml is looked
// up in the working directory and /etc/shellguard/, and defaults are used when
// none is found. Invalid values are replaced by defaults and reported through
// Warnings.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shellguard") // shellguard.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shellguard/")
	}

	setDefaults(v, Default())

	v.SetEnvPrefix("SHELLGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var missing bool
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			missing = true
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// A categories table in the file replaces the built-in one as a whole.
	if !v.IsSet("categories") {
		cfg.Categories = Default().Categories
	}

	cfg.warnings = cfg.Validate()
	if missing {
		cfg.warnings = append([]error{fmt.Errorf("config file not found, using defaults and environment variables")}, cfg.warnings...)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("blacklist_file", d.BlacklistFile)
	v.SetDefault("model_dir", d.ModelDir)
	v.SetDefault("audit_log_file", d.AuditLogFile)
	v.SetDefault("max_session_commands", d.MaxSessionCommands)
	v.SetDefault("session_timeout", d.SessionTimeout)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("flush_interval", d.FlushInterval)

	v.SetDefault("thresholds.warning", d.Thresholds.Warning)
	v.SetDefault("thresholds.high", d.Thresholds.High)
	v.SetDefault("thresholds.critical", d.Thresholds.Critical)
	v.SetDefault("thresholds.auto_blacklist", d.Thresholds.AutoBlacklist)

	v.SetDefault("risk.decay_factor", d.Risk.DecayFactor)
	v.SetDefault("risk.baseline_score", d.Risk.BaselineScore)
	v.SetDefault("risk.escalation_step", d.Risk.EscalationStep)

	v.SetDefault("capture.mode", d.Capture.Mode)
	v.SetDefault("capture.audit_log", d.Capture.AuditLog)
	v.SetDefault("capture.auth_log", d.Capture.AuthLog)
	v.SetDefault("capture.shell_log_tag", d.Capture.ShellLogTag)
	v.SetDefault("capture.buffer_size", d.Capture.BufferSize)

	v.SetDefault("notification.webhook_url", d.Notification.WebhookURL)
	v.SetDefault("notification.timeout", d.Notification.Timeout)
	v.SetDefault("notification.rate_per_minute", d.Notification.RatePerMinute)
	v.SetDefault("notification.spool_file", d.Notification.SpoolFile)

	v.SetDefault("actions.enabled", d.Actions.Enabled) // Actions disabled by default
	v.SetDefault("actions.on_blacklist", d.Actions.OnBlacklist)

	v.SetDefault("api.listen", d.API.Listen)

}

// Warnings returns the problems found while loading, each already resolved by
// substituting a default.
func (c *Config) Warnings() []error {
	return c.warnings
}

// Validate replaces invalid values with defaults and returns one error per
// substitution.
func (c *Config) Validate() []error {
	d := Default()
	var warns []error
	warn := func(key string, value interface{}, reason string) {
		warns = append(warns, monerrors.NewConfigError(key, value, reason))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		warn("log_level", c.LogLevel, "unknown level")
		c.LogLevel = d.LogLevel
	}
	if c.BlacklistFile == "" {
		warn("blacklist_file", c.BlacklistFile, "empty path")
		c.BlacklistFile = d.BlacklistFile
	}
	if c.MaxSessionCommands <= 0 {
		warn("max_session_commands", c.MaxSessionCommands, "must be positive")
		c.MaxSessionCommands = d.MaxSessionCommands
	}
	if c.SessionTimeout <= 0 {
		warn("session_timeout", c.SessionTimeout, "must be positive")
		c.SessionTimeout = d.SessionTimeout
	}
	if c.SweepInterval <= 0 {
		warn("sweep_interval", c.SweepInterval, "must be positive")
		c.SweepInterval = d.SweepInterval
	}
	if c.FlushInterval <= 0 {
		warn("flush_interval", c.FlushInterval, "must be positive")
		c.FlushInterval = d.FlushInterval
	}

	t := c.Thresholds
	if !unit(t.Warning) || !unit(t.High) || !unit(t.Critical) || !unit(t.AutoBlacklist) ||
		t.Warning > t.High || t.High > t.Critical || t.Critical > t.AutoBlacklist {
		warn("thresholds", t, "tiers must be in [0,1] and non-decreasing")
		c.Thresholds = d.Thresholds
	}

	if !unit(c.Risk.DecayFactor) || c.Risk.DecayFactor >= 1 {
		warn("risk.decay_factor", c.Risk.DecayFactor, "must be in [0,1)")
		c.Risk.DecayFactor = d.Risk.DecayFactor
	}
	if !unit(c.Risk.BaselineScore) {
		warn("risk.baseline_score", c.Risk.BaselineScore, "must be in [0,1]")
		c.Risk.BaselineScore = d.Risk.BaselineScore
	}
	if !unit(c.Risk.EscalationStep) {
		warn("risk.escalation_step", c.Risk.EscalationStep, "must be in [0,1]")
		c.Risk.EscalationStep = d.Risk.EscalationStep
	}

	switch c.Capture.Mode {
	case CaptureAuto, CaptureAudit, CaptureLogTail:
	case "":
		c.Capture.Mode = CaptureAuto
	default:
		warn("capture.mode", c.Capture.Mode, "expected audit, log_tail or auto")
		c.Capture.Mode = d.Capture.Mode
	}
	if c.Capture.BufferSize <= 0 {
		warn("capture.buffer_size", c.Capture.BufferSize, "must be positive")
		c.Capture.BufferSize = d.Capture.BufferSize
	}
	if c.Capture.ShellLogTag == "" {
		c.Capture.ShellLogTag = d.Capture.ShellLogTag
	}

	if c.Notification.Timeout <= 0 {
		warn("notification.timeout", c.Notification.Timeout, "must be positive")
		c.Notification.Timeout = d.Notification.Timeout
	}
	if c.Notification.RatePerMinute <= 0 {
		warn("notification.rate_per_minute", c.Notification.RatePerMinute, "must be positive")
		c.Notification.RatePerMinute = d.Notification.RatePerMinute
	}

	if len(c.Categories) == 0 {
		warn("categories", nil, "no categories configured")
		c.Categories = d.Categories
	}
	for _, name := range c.CategoryNames() {
		cat := c.Categories[name]
		if !unit(cat.Weight) {
			def, ok := d.Categories[name]
			w := 0.5
			if ok {
				w = def.Weight
			}
			warn("categories."+name+".weight", cat.Weight, "must be in [0,1]")
			cat.Weight = w
		}
		if len(cat.Patterns) == 0 {
			warn("categories."+name+".patterns", nil, "category has no patterns and is ignored")
			delete(c.Categories, name)
			continue
		}
		c.Categories[name] = cat
	}

	return warns
}

// CategoryNames returns the configured category names in sorted order.
func (c *Config) CategoryNames() []string {
	names := make([]string, 0, len(c.Categories))
	for name := range c.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func unit(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
