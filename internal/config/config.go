package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/pcm-recorder/internal/audio"
)

// Capture backends
const (
	BackendDevice    = "device"
	BackendUDP       = "udp"
	BackendWebSocket = "websocket"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Audio      AudioConfig      `yaml:"audio"`
	Capture    CaptureConfig    `yaml:"capture"`
	Levels     LevelsConfig     `yaml:"levels"`
	Recordings RecordingsConfig `yaml:"recordings"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port        int    `yaml:"port"`
	Address     string `yaml:"address"`
	Enabled     bool   `yaml:"enabled"`
	StopTimeout int    `yaml:"stop_timeout"` // seconds to wait for hand-off on stop?wait=true
}

// AudioConfig holds the default recording parameters for new sessions.
// Zero values select the encoder defaults.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BitDepth   int `yaml:"bit_depth"`
	Format     int `yaml:"format"`
}

// CaptureConfig selects and configures the capture backend
type CaptureConfig struct {
	Backend     string       `yaml:"backend"`
	OpenTimeout int          `yaml:"open_timeout"` // seconds
	Device      DeviceConfig `yaml:"device"`
	UDP         UDPConfig    `yaml:"udp"`
}

// DeviceConfig configures the local audio input
type DeviceConfig struct {
	Name           string `yaml:"name"`             // substring match; empty selects the system default
	PeriodSizeMs   int    `yaml:"period_size_ms"`   // 0 lets the backend choose
	PeriodsPerBuff int    `yaml:"periods_per_buff"` // 0 lets the backend choose
}

// UDPConfig configures the TLV-over-UDP network capture backend
type UDPConfig struct {
	Port          int    `yaml:"port"`
	BindAddress   string `yaml:"bind_address"`
	BufferSize    int    `yaml:"buffer_size"`
	StreamID      uint32 `yaml:"stream_id"` // 0 accepts the first stream seen
	Direction     string `yaml:"direction"` // rx, tx or any
	JitterMaxGap  int    `yaml:"jitter_max_gap"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

// LevelsConfig configures level and voice activity analysis
type LevelsConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Threshold float32 `yaml:"threshold"`
	WindowMs  int     `yaml:"window_ms"`
}

// RecordingsConfig controls in-memory retention of finished recordings
type RecordingsConfig struct {
	Retention int `yaml:"retention"`
	MaxAge    int `yaml:"max_age"` // seconds, 0 keeps recordings until evicted by retention
}

// SinksConfig lists the destinations finished recordings are delivered to
type SinksConfig struct {
	File    FileSinkConfig    `yaml:"file"`
	S3      S3SinkConfig      `yaml:"s3"`
	Webhook WebhookSinkConfig `yaml:"webhook"`
}

// FileSinkConfig writes recordings to a local directory
type FileSinkConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

// S3SinkConfig uploads recordings to an S3-compatible bucket
type S3SinkConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// WebhookSinkConfig posts recordings to an HTTP endpoint
type WebhookSinkConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Timeout       int     `yaml:"timeout"` // seconds
	MaxRetries    int     `yaml:"max_retries"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	RateLimit     float64 `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst     int     `yaml:"rate_burst"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        8080,
			Address:     "127.0.0.1",
			Enabled:     true,
			StopTimeout: 30,
		},
		Audio: AudioConfig{
			SampleRate: int(audio.DefaultSampleRate),
			Channels:   int(audio.DefaultChannels),
			BitDepth:   int(audio.DefaultBitDepth),
			Format:     int(audio.FormatPCM),
		},
		Capture: CaptureConfig{
			Backend:     BackendDevice,
			OpenTimeout: 10,
			UDP: UDPConfig{
				Port:          4000,
				BindAddress:   "0.0.0.0",
				BufferSize:    65536,
				Direction:     "any",
				JitterMaxGap:  20,
				ReadTimeoutMs: 250,
			},
		},
		Levels: LevelsConfig{
			Enabled:   true,
			Threshold: 0.5,
			WindowMs:  20,
		},
		Recordings: RecordingsConfig{
			Retention: 16,
		},
		Sinks: SinksConfig{
			Webhook: WebhookSinkConfig{
				Timeout:       30,
				MaxRetries:    3,
				MaxConcurrent: 2,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Keys missing from the file
// keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return config, nil
}

// Parse decodes and validates YAML configuration data
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Levels.Validate(); err != nil {
		return fmt.Errorf("levels config: %w", err)
	}

	if err := c.Recordings.Validate(); err != nil {
		return fmt.Errorf("recordings config: %w", err)
	}

	if err := c.Sinks.Validate(); err != nil {
		return fmt.Errorf("sinks config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	if h.StopTimeout < 1 {
		return fmt.Errorf("stop_timeout must be at least 1 second, got %d", h.StopTimeout)
	}

	return nil
}

// Validate validates the default recording parameters
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 0 || a.Channels < 0 || a.BitDepth < 0 || a.Format < 0 {
		return fmt.Errorf("audio parameters cannot be negative")
	}

	if a.Channels > 0xFFFF || a.BitDepth > 0xFFFF || a.Format > 0xFFFF {
		return fmt.Errorf("channels, bit_depth and format must fit 16 bits")
	}

	if int64(a.SampleRate) > 0xFFFFFFFF {
		return fmt.Errorf("sample_rate must fit 32 bits, got %d", a.SampleRate)
	}

	if _, err := audio.NewConfiguration(a.Options()); err != nil {
		return err
	}

	return nil
}

// Options converts the section to encoder options
func (a *AudioConfig) Options() audio.Options {
	return audio.Options{
		SampleRate: uint32(a.SampleRate),
		Channels:   uint16(a.Channels),
		BitDepth:   uint16(a.BitDepth),
		Format:     uint16(a.Format),
	}
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	switch c.Backend {
	case BackendDevice, BackendUDP, BackendWebSocket:
	default:
		return fmt.Errorf("backend must be one of [device, udp, websocket], got '%s'", c.Backend)
	}

	if c.OpenTimeout < 1 {
		return fmt.Errorf("open_timeout must be at least 1 second, got %d", c.OpenTimeout)
	}

	if c.Device.PeriodSizeMs < 0 || c.Device.PeriodsPerBuff < 0 {
		return fmt.Errorf("device period settings cannot be negative")
	}

	if c.Backend == BackendUDP {
		if err := c.UDP.Validate(); err != nil {
			return fmt.Errorf("udp: %w", err)
		}
	}

	return nil
}

// Validate validates UDP capture configuration
func (u *UDPConfig) Validate() error {
	if u.Port < 1 || u.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", u.Port)
	}

	if u.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if u.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", u.BufferSize)
	}

	switch u.Direction {
	case "rx", "tx", "any":
	default:
		return fmt.Errorf("direction must be one of [rx, tx, any], got '%s'", u.Direction)
	}

	if u.JitterMaxGap < 0 {
		return fmt.Errorf("jitter_max_gap cannot be negative, got %d", u.JitterMaxGap)
	}

	if u.ReadTimeoutMs < 10 {
		return fmt.Errorf("read_timeout_ms must be at least 10, got %d", u.ReadTimeoutMs)
	}

	return nil
}

// Validate validates level analysis configuration
func (l *LevelsConfig) Validate() error {
	if !l.Enabled {
		return nil
	}

	if l.Threshold < 0 || l.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", l.Threshold)
	}

	if l.WindowMs < 1 {
		return fmt.Errorf("window_ms must be positive, got %d", l.WindowMs)
	}

	return nil
}

// Validate validates retention configuration
func (r *RecordingsConfig) Validate() error {
	if r.Retention < 1 {
		return fmt.Errorf("retention must be at least 1, got %d", r.Retention)
	}
	if r.MaxAge < 0 {
		return fmt.Errorf("max_age cannot be negative, got %d", r.MaxAge)
	}
	return nil
}

// Validate validates all enabled sinks
func (s *SinksConfig) Validate() error {
	if s.File.Enabled && s.File.Directory == "" {
		return fmt.Errorf("file: directory cannot be empty")
	}

	if s.S3.Enabled {
		if s.S3.Bucket == "" {
			return fmt.Errorf("s3: bucket cannot be empty")
		}
		if s.S3.Region == "" {
			return fmt.Errorf("s3: region cannot be empty")
		}
		if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
			return fmt.Errorf("s3: access_key_id and secret_access_key must be set together")
		}
	}

	if s.Webhook.Enabled {
		if err := s.Webhook.Validate(); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
	}

	return nil
}

// Validate validates webhook sink configuration
func (w *WebhookSinkConfig) Validate() error {
	if w.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if w.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", w.Timeout)
	}

	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", w.MaxRetries)
	}

	if w.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", w.MaxConcurrent)
	}

	if w.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %f", w.RateLimit)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json', 'text' or 'console', got '%s'", l.Format)
	}

	// stdout, stderr or a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// GetStopTimeoutDuration returns the stop wait timeout as a time.Duration
func (h *HTTPConfig) GetStopTimeoutDuration() time.Duration {
	return time.Duration(h.StopTimeout) * time.Second
}

// GetOpenTimeoutDuration returns the device open timeout as a time.Duration
func (c *CaptureConfig) GetOpenTimeoutDuration() time.Duration {
	return time.Duration(c.OpenTimeout) * time.Second
}

// GetReadTimeoutDuration returns the UDP read deadline step as a time.Duration
func (u *UDPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(u.ReadTimeoutMs) * time.Millisecond
}

// GetMaxAgeDuration returns the recording expiry as a time.Duration
func (r *RecordingsConfig) GetMaxAgeDuration() time.Duration {
	return time.Duration(r.MaxAge) * time.Second
}

// GetWindowDuration returns the analysis window as a time.Duration
func (l *LevelsConfig) GetWindowDuration() time.Duration {
	return time.Duration(l.WindowMs) * time.Millisecond
}

// GetTimeoutDuration returns the webhook timeout as a time.Duration
func (w *WebhookSinkConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}
