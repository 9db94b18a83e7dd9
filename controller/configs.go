package controller

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calvinmclean/servorig/capture"
	"github.com/calvinmclean/servorig/sweep"
)

// DefaultLogFile is used by sweeps that do not name their own log file
const DefaultLogFile = "logs/telemetry.csv"

// Config is everything needed for one run of the rig
type Config struct {
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`

	// ScanFrom and ScanTo bound the servo ids probed during discovery
	ScanFrom       int `yaml:"scan_from"`
	ScanTo         int `yaml:"scan_to"`
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// CaptureIntervalMS is the telemetry row cadence. Leaving it out uses 100ms and setting
	// it to 0 uses 500ms.
	CaptureIntervalMS *int `yaml:"capture_interval_ms"`

	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
	TWChartAddr string `yaml:"twchart_addr"`
	SessionName string `yaml:"session_name"`

	Sweeps []sweep.Config `yaml:"sweeps"`
}

// Load reads a YAML run file, applies environment overrides and defaults, and validates
// the result
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("error reading config: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(raw, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg.finish(os.LookupEnv)
}

// NewFromEnv builds a Config with no sweeps from environment variables only
func NewFromEnv() (Config, error) {
	return Config{}.finish(os.LookupEnv)
}

func (c Config) finish(lookup func(string) (string, bool)) (Config, error) {
	err := c.applyEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	c.applyDefaults()
	err = c.validate()
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyEnv overrides file values with SERIAL_PORT, BAUD_RATE, TWCHART_ADDR, SESSION_NAME,
// LOG_FILE and METRICS_ADDR
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SERIAL_PORT", &c.SerialPort},
		{"TWCHART_ADDR", &c.TWChartAddr},
		{"SESSION_NAME", &c.SessionName},
		{"LOG_FILE", &c.LogFile},
		{"METRICS_ADDR", &c.MetricsAddr},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup("BAUD_RATE"); ok && v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BAUD_RATE %q: %w", v, err)
		}
		c.BaudRate = baud
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 1000000
	}
	if c.ScanFrom == 0 {
		c.ScanFrom = 1
	}
	if c.ScanTo == 0 {
		c.ScanTo = 20
	}
	if c.PollIntervalMS == 0 {
		c.PollIntervalMS = 50
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	for i := range c.Sweeps {
		if c.Sweeps[i].LogFile == "" {
			c.Sweeps[i].LogFile = c.LogFile
		}
	}
}

func (c *Config) validate() error {
	if c.BaudRate < 0 {
		return fmt.Errorf("baud_rate must not be negative: %d", c.BaudRate)
	}
	if c.ScanFrom < 0 || c.ScanTo < c.ScanFrom {
		return fmt.Errorf("invalid scan range %d-%d", c.ScanFrom, c.ScanTo)
	}
	if c.PollIntervalMS < 0 {
		return errors.New("poll_interval_ms must not be negative")
	}
	return nil
}

// CaptureInterval returns the configured capture cadence. Zero is passed through so the
// capture loop can apply its fallback.
func (c Config) CaptureInterval() time.Duration {
	if c.CaptureIntervalMS == nil {
		return capture.DefaultInterval
	}
	return time.Duration(*c.CaptureIntervalMS) * time.Millisecond
}

// PollInterval returns the telemetry polling period
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
