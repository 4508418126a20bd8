package config

import (
	"fmt"
	"os"
	"time"

	"github.com/foxzi/mailbatch/internal/dataset"
	"github.com/foxzi/mailbatch/internal/quota"
	"github.com/foxzi/mailbatch/internal/surface"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Batch     BatchConfig     `yaml:"batch"`
	Surface   SurfaceConfig   `yaml:"surface"`
	Templates TemplatesConfig `yaml:"templates"`
	Output    OutputConfig    `yaml:"output"`
	Storage   StorageConfig   `yaml:"storage"`
	Quota     *quota.Config   `yaml:"quota"`   // Send quota of the webmail account
	Control   ControlConfig   `yaml:"control"` // HTTP control API
	Metrics   MetricsConfig   `yaml:"metrics"` // Prometheus metrics configuration
	Logging   LoggingConfig   `yaml:"logging"`
}

// BatchConfig contains pacing and timeout settings of a batch
type BatchConfig struct {
	MockMode                   bool                `yaml:"mock_mode"`
	InterSendDelay             time.Duration       `yaml:"inter_send_delay"`              // Default: 5s
	MinDwellWithoutAttachments time.Duration       `yaml:"min_dwell_without_attachments"` // Default: 2s
	AttachmentUploadTimeout    time.Duration       `yaml:"attachment_upload_timeout"`     // Default: 10m
	UploadGrace                time.Duration       `yaml:"upload_grace"`                  // Default: 3s
	OpenTimeout                time.Duration       `yaml:"open_timeout"`                  // Default: 10s
	ExpandTimeout              time.Duration       `yaml:"expand_timeout"`                // Default: 3s
	DiscardTimeout             time.Duration       `yaml:"discard_timeout"`               // Default: 5s
	SendTimeout                time.Duration       `yaml:"send_timeout"`                  // Default: 10s
	PollInterval               time.Duration       `yaml:"poll_interval"`                 // Default: 100ms
	IncludeAttachments         *bool               `yaml:"include_attachments"`           // Default: true
	EmailPolicy                dataset.EmailPolicy `yaml:"email_policy"`                  // lenient, contains_at, strict
}

// AttachmentsIncluded reports whether template attachments are installed
func (b *BatchConfig) AttachmentsIncluded() bool {
	return b.IncludeAttachments == nil || *b.IncludeAttachments
}

// SurfaceConfig selects and configures the compose surface driver
type SurfaceConfig struct {
	Driver    string            `yaml:"driver"` // browser, sim
	Browser   BrowserConfig     `yaml:"browser"`
	Selectors surface.Selectors `yaml:"selectors"` // Missing entries fall back to the Gmail table
}

// BrowserConfig contains Chrome DevTools settings
type BrowserConfig struct {
	RemoteURL   string `yaml:"remote_url"`    // DevTools websocket of a running browser (empty = launch one)
	UserDataDir string `yaml:"user_data_dir"` // Profile holding the webmail session
	Headless    bool   `yaml:"headless"`
	StartURL    string `yaml:"start_url"` // Default: https://mail.google.com/mail/u/0/
}

// TemplatesConfig contains template source settings
type TemplatesConfig struct {
	Source         string        `yaml:"source"` // dir, http, store
	Dir            string        `yaml:"dir"`
	BaseURL        string        `yaml:"base_url"`
	Index          string        `yaml:"index"`           // Default: templates.yaml
	AttachmentBase string        `yaml:"attachment_base"` // Base for relative attachment locators
	Timeout        time.Duration `yaml:"timeout"`         // HTTP timeout (default: 30s)
}

// OutputConfig contains settings for the annotated spreadsheet
type OutputConfig struct {
	Driver string   `yaml:"driver"` // dir, s3
	Dir    string   `yaml:"dir"`    // Default: .
	S3     S3Config `yaml:"s3"`
}

// S3Config contains S3-compatible object storage settings. The same
// client also serves s3:// attachment locators.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
	Prefix    string `yaml:"prefix"`
}

// Configured reports whether an S3 client can be built
func (s *S3Config) Configured() bool {
	return s.Region != "" || s.Endpoint != ""
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // bbolt file for history, templates and quota counters
}

// ControlConfig contains HTTP control API settings
type ControlConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"` // Default: 127.0.0.1:8090
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // HTTP read timeout (default: 30s)
	WriteTimeout time.Duration `yaml:"write_timeout"` // HTTP write timeout (default: 30s)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // HTTP idle timeout (default: 60s)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	b := &c.Batch
	if b.InterSendDelay == 0 {
		b.InterSendDelay = 5 * time.Second
	}
	if b.MinDwellWithoutAttachments == 0 {
		b.MinDwellWithoutAttachments = 2 * time.Second
	}
	if b.AttachmentUploadTimeout == 0 {
		b.AttachmentUploadTimeout = 10 * time.Minute
	}
	if b.UploadGrace == 0 {
		b.UploadGrace = 3 * time.Second
	}
	if b.OpenTimeout == 0 {
		b.OpenTimeout = 10 * time.Second
	}
	if b.ExpandTimeout == 0 {
		b.ExpandTimeout = 3 * time.Second
	}
	if b.DiscardTimeout == 0 {
		b.DiscardTimeout = 5 * time.Second
	}
	if b.SendTimeout == 0 {
		b.SendTimeout = 10 * time.Second
	}
	if b.PollInterval == 0 {
		b.PollInterval = 100 * time.Millisecond
	}
	if b.EmailPolicy == "" {
		b.EmailPolicy = dataset.PolicyLenient
	}

	if c.Surface.Driver == "" {
		c.Surface.Driver = "browser"
	}
	if c.Surface.Browser.StartURL == "" {
		c.Surface.Browser.StartURL = "https://mail.google.com/mail/u/0/"
	}
	c.Surface.Selectors = c.Surface.Selectors.WithDefaults(surface.GmailSelectors())

	if c.Templates.Source == "" {
		c.Templates.Source = "dir"
	}
	if c.Templates.Source == "dir" && c.Templates.Dir == "" {
		c.Templates.Dir = "templates"
	}
	if c.Templates.Index == "" {
		c.Templates.Index = "templates.yaml"
	}
	if c.Templates.Timeout == 0 {
		c.Templates.Timeout = 30 * time.Second
	}

	if c.Output.Driver == "" {
		c.Output.Driver = "dir"
	}
	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "mailbatch.db"
	}

	if c.Quota == nil {
		c.Quota = &quota.Config{}
	}

	if c.Control.ListenAddr == "" {
		c.Control.ListenAddr = "127.0.0.1:8090"
	}
	if c.Control.ReadTimeout == 0 {
		c.Control.ReadTimeout = 30 * time.Second
	}
	if c.Control.WriteTimeout == 0 {
		c.Control.WriteTimeout = 30 * time.Second
	}
	if c.Control.IdleTimeout == 0 {
		c.Control.IdleTimeout = 60 * time.Second
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateBatch(); err != nil {
		return err
	}

	switch c.Surface.Driver {
	case "browser", "sim":
	default:
		return fmt.Errorf("invalid surface.driver: %s (must be browser or sim)", c.Surface.Driver)
	}
	if err := c.Surface.Selectors.Validate(); err != nil {
		return fmt.Errorf("surface.selectors: %w", err)
	}

	switch c.Templates.Source {
	case "dir":
		if c.Templates.Dir == "" {
			return fmt.Errorf("templates.dir is required when source is dir")
		}
	case "http":
		if c.Templates.BaseURL == "" {
			return fmt.Errorf("templates.base_url is required when source is http")
		}
	case "store":
	default:
		return fmt.Errorf("invalid templates.source: %s (must be dir, http, or store)", c.Templates.Source)
	}

	switch c.Output.Driver {
	case "dir":
	case "s3":
		if c.Output.S3.Bucket == "" {
			return fmt.Errorf("output.s3.bucket is required when driver is s3")
		}
		if !c.Output.S3.Configured() {
			return fmt.Errorf("output.s3 requires region or endpoint")
		}
	default:
		return fmt.Errorf("invalid output.driver: %s (must be dir or s3)", c.Output.Driver)
	}

	if err := validateLimit("quota.global", c.Quota.Global); err != nil {
		return err
	}
	if err := validateLimit("quota.per_recipient_domain", c.Quota.PerRecipientDomain); err != nil {
		return err
	}

	if c.Control.Enabled && c.Control.APIKey == "" {
		return fmt.Errorf("control.api_key is required when the control API is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateBatch() error {
	b := &c.Batch
	if !b.EmailPolicy.Valid() {
		return fmt.Errorf("invalid batch.email_policy: %s (must be lenient, contains_at, or strict)", b.EmailPolicy)
	}
	durations := map[string]time.Duration{
		"inter_send_delay":              b.InterSendDelay,
		"min_dwell_without_attachments": b.MinDwellWithoutAttachments,
		"attachment_upload_timeout":     b.AttachmentUploadTimeout,
		"upload_grace":                  b.UploadGrace,
		"open_timeout":                  b.OpenTimeout,
		"expand_timeout":                b.ExpandTimeout,
		"discard_timeout":               b.DiscardTimeout,
		"send_timeout":                  b.SendTimeout,
		"poll_interval":                 b.PollInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("batch.%s must not be negative", name)
		}
	}
	return nil
}

func validateLimit(name string, l *quota.LimitConfig) error {
	if l == nil {
		return nil
	}
	if l.MessagesPerHour < 0 || l.MessagesPerDay < 0 {
		return fmt.Errorf("%s limits must not be negative", name)
	}
	if l.MessagesPerHour > 0 && l.MessagesPerDay > 0 && l.MessagesPerHour > l.MessagesPerDay {
		return fmt.Errorf("%s.messages_per_hour exceeds messages_per_day", name)
	}
	return nil
}
