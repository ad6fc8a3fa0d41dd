package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// SessionConfig selects the device and bounds connection setup.
type SessionConfig struct {
	Name           string        `yaml:"name"`
	Address        string        `yaml:"address"`
	Service        string        `yaml:"service" default:"ffe0"`
	Characteristic string        `yaml:"characteristic" default:"ffe1"`
	MTU            int           `yaml:"mtu" default:"517"`
	MaxAttempts    int           `yaml:"max_attempts" default:"5"`
	SetupTimeout   time.Duration `yaml:"setup_timeout" default:"30s"`
	DialTimeout    time.Duration `yaml:"dial_timeout" default:"10s"`
	ScanDuration   time.Duration `yaml:"scan_duration" default:"10s"`
	StreamBuffer   int           `yaml:"stream_buffer" default:"1024"`
}

// SamplingConfig shapes one record.
type SamplingConfig struct {
	Windows        int           `yaml:"windows" default:"4"`
	WindowDuration time.Duration `yaml:"window_duration" default:"1s"`
	PollInterval   time.Duration `yaml:"poll_interval" default:"10ms"`
	SmallQuota     int           `yaml:"small_quota" default:"512"`
	LargeQuota     int           `yaml:"large_quota" default:"1"`
	BufferCapacity int           `yaml:"buffer_capacity" default:"65536"`
}

// RecordConfig is the operator metadata stamped on every record.
type RecordConfig struct {
	PerformerID int           `yaml:"performer_id"`
	Location    string        `yaml:"location"`
	RecordID    int           `yaml:"record_id"`
	Records     int           `yaml:"records" default:"1"`
	Pause       time.Duration `yaml:"pause"`
	Latitude    float64       `yaml:"latitude"`
	Longitude   float64       `yaml:"longitude"`
	Altitude    float64       `yaml:"altitude"`
}

// HTTPConfig configures the upload endpoint.
type HTTPConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Path        string        `yaml:"path" default:"api/add_performance_and_records"`
	Timeout     time.Duration `yaml:"timeout" default:"15s"`
	MaxFailures uint32        `yaml:"max_failures" default:"3"`
	OpenTimeout time.Duration `yaml:"open_timeout" default:"1m"`
}

// NATSConfig configures publishing records on a NATS subject.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject" default:"blerec.records"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" default:"2s"`
	MaxReconnects int           `yaml:"max_reconnects" default:"10"`
}

// ResendConfig paces redelivery of pending records.
type ResendConfig struct {
	Schedule string  `yaml:"schedule" default:"@every 30s"`
	Rate     float64 `yaml:"rate" default:"2"`
	Burst    int     `yaml:"burst" default:"1"`
	Batch    int     `yaml:"batch" default:"16"`
}

// DeliveryConfig selects where records go. HTTP wins when both are set.
type DeliveryConfig struct {
	HTTP       HTTPConfig   `yaml:"http"`
	NATS       NATSConfig   `yaml:"nats"`
	OutboxSize uint32       `yaml:"outbox_size" default:"256"`
	Resend     ResendConfig `yaml:"resend"`
}

// Enabled reports whether any transport is configured.
func (d DeliveryConfig) Enabled() bool {
	return d.HTTP.BaseURL != "" || d.NATS.URL != ""
}

// StoreConfig locates record snapshots.
type StoreConfig struct {
	Dir string `yaml:"dir" default:"records"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level" default:"info"`
}

// Config holds application configuration
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Sampling SamplingConfig `yaml:"sampling"`
	Record   RecordConfig   `yaml:"record"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load overlays the YAML file at path on the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks the values the session and delivery need. It returns a
// *ValidationError listing every problem.
func (c *Config) Validate() error {
	ve := &ValidationError{}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		ve.Add("log.level: %v", err)
	}
	if c.Session.MaxAttempts <= 0 {
		ve.Add("session.max_attempts must be positive")
	}
	if c.Session.MTU < 23 || c.Session.MTU > 517 {
		ve.Add("session.mtu %d outside 23..517", c.Session.MTU)
	}
	if c.Sampling.Windows <= 0 {
		ve.Add("sampling.windows must be positive")
	}
	if c.Sampling.WindowDuration <= 0 {
		ve.Add("sampling.window_duration must be positive")
	}
	if c.Sampling.SmallQuota < 0 || c.Sampling.LargeQuota < 0 {
		ve.Add("sampling quotas must not be negative")
	}
	if c.Record.Records < 0 {
		ve.Add("record.records must not be negative")
	}
	if c.Store.Dir == "" {
		ve.Add("store.dir is required")
	}

	if base := c.Delivery.HTTP.BaseURL; base != "" {
		if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
			ve.Add("delivery.http.base_url %q is not an absolute URL", base)
		}
	}
	if c.Delivery.NATS.URL != "" && c.Delivery.NATS.Subject == "" {
		ve.Add("delivery.nats.subject is required")
	}
	if c.Delivery.OutboxSize == 0 {
		ve.Add("delivery.outbox_size must be positive")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Delivery.Resend.Schedule); err != nil {
		ve.Add("delivery.resend.schedule: %v", err)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// ValidateRecording checks the fields the record command needs on top of Validate.
func (c *Config) ValidateRecording() error {
	ve := &ValidationError{}
	if c.Session.Name == "" && c.Session.Address == "" {
		ve.Add("session.name or session.address is required")
	}
	if c.Record.PerformerID <= 0 {
		ve.Add("record.performer_id must be positive")
	}
	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// LogLevel returns the parsed level, Info when unparsable.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
