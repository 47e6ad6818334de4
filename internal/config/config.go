// Package config loads docflow settings from built-in defaults, a YAML
// file, DOCFLOW_* environment variables and command-line flags, in that
// order of precedence (later sources win).
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Config is the effective service configuration.
type Config struct {
	Log          LogConfig          `koanf:"log" yaml:"log"`
	Server       ServerConfig       `koanf:"server" yaml:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator" yaml:"orchestrator"`
	Cache        CacheConfig        `koanf:"cache" yaml:"cache"`
	Governor     GovernorConfig     `koanf:"governor" yaml:"governor"`
	Planner      PlannerConfig      `koanf:"planner" yaml:"planner"`
	Extract      ExtractConfig      `koanf:"extract" yaml:"extract"`
	Callbacks    CallbacksConfig    `koanf:"callbacks" yaml:"callbacks"`
	Export       ExportConfig       `koanf:"export" yaml:"export"`
}

// LogConfig controls the process logger. Level is hot-reloadable.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=json text"`
}

// SlogLevel maps Level onto slog. Unknown values fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" yaml:"addr" validate:"required"`
	MetricsAddr     string        `koanf:"metrics_addr" yaml:"metrics_addr"` // empty serves metrics on Addr
	MetricsPath     string        `koanf:"metrics_path" yaml:"metrics_path" validate:"startswith=/"`
	APIKey          string        `koanf:"api_key" yaml:"api_key"`
	APIKeyFile      string        `koanf:"api_key_file" yaml:"api_key_file"`
	InputRoot       string        `koanf:"input_root" yaml:"input_root"` // local references over HTTP must live here; empty refuses them
	ReadTimeout     time.Duration `koanf:"read_timeout" yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" yaml:"write_timeout" validate:"gt=0"`
	ShutdownDrain   time.Duration `koanf:"shutdown_drain" yaml:"shutdown_drain" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

type OrchestratorConfig struct {
	Workers     int           `koanf:"workers" yaml:"workers" validate:"gte=1,lte=256"`
	QueueSize   int           `koanf:"queue_size" yaml:"queue_size" validate:"gte=1"`
	CallTimeout time.Duration `koanf:"call_timeout" yaml:"call_timeout" validate:"gt=0"`
}

type CacheConfig struct {
	MemoryEnabled  bool          `koanf:"memory_enabled" yaml:"memory_enabled"`
	MemoryMaxItems int           `koanf:"memory_max_items" yaml:"memory_max_items" validate:"gte=1"`
	MemoryTTL      time.Duration `koanf:"memory_ttl" yaml:"memory_ttl" validate:"gt=0"`
	DiskDir        string        `koanf:"disk_dir" yaml:"disk_dir"` // empty disables the disk tier
	DiskTTL        time.Duration `koanf:"disk_ttl" yaml:"disk_ttl" validate:"gt=0"`
	DiskMaxSize    ByteSize      `koanf:"disk_max_size" yaml:"disk_max_size" validate:"bytesize"`
	DiskCompress   bool          `koanf:"disk_compress" yaml:"disk_compress"`
	ReapInterval   time.Duration `koanf:"reap_interval" yaml:"reap_interval" validate:"gt=0"`
}

// GovernorConfig holds memory governor settings. CleanupThreshold is
// hot-reloadable.
type GovernorConfig struct {
	CheckInterval    time.Duration `koanf:"check_interval" yaml:"check_interval" validate:"gt=0"`
	CleanupThreshold float64       `koanf:"cleanup_threshold" yaml:"cleanup_threshold" validate:"gt=0,lte=1"`
	MemoryLimit      ByteSize      `koanf:"memory_limit" yaml:"memory_limit" validate:"omitempty,bytesize"`
	CompressFloor    ByteSize      `koanf:"compress_floor" yaml:"compress_floor" validate:"bytesize"`
	MaxDimension     int           `koanf:"max_dimension" yaml:"max_dimension" validate:"gt=0"`
	TargetDimension  int           `koanf:"target_dimension" yaml:"target_dimension" validate:"gt=0,ltefield=MaxDimension"`
	Quality          int           `koanf:"quality" yaml:"quality" validate:"gte=1,lte=100"`
	TempDir          string        `koanf:"temp_dir" yaml:"temp_dir"`
	TempLifetime     time.Duration `koanf:"temp_lifetime" yaml:"temp_lifetime" validate:"gt=0"`
}

type PlannerConfig struct {
	Amplification    float64  `koanf:"amplification" yaml:"amplification" validate:"gt=0"`
	Headroom         float64  `koanf:"headroom" yaml:"headroom" validate:"gt=0,lt=1"`
	GroupCapMultiple int      `koanf:"group_cap_multiple" yaml:"group_cap_multiple" validate:"gte=1"`
	DefaultItemSize  ByteSize `koanf:"default_item_size" yaml:"default_item_size" validate:"bytesize"`
}

// ExtractConfig selects and configures the recognition collaborator.
type ExtractConfig struct {
	Backend          string        `koanf:"backend" yaml:"backend" validate:"oneof=http tesseract"`
	Endpoint         string        `koanf:"endpoint" yaml:"endpoint" validate:"omitempty,http_url"`
	APIKey           string        `koanf:"api_key" yaml:"api_key"`
	APIKeyFile       string        `koanf:"api_key_file" yaml:"api_key_file"`
	Hint             string        `koanf:"hint" yaml:"hint"`
	Timeout          time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxAttempts      int           `koanf:"max_attempts" yaml:"max_attempts" validate:"gte=1"`
	RatePerSecond    float64       `koanf:"rate_per_second" yaml:"rate_per_second" validate:"gt=0"`
	Burst            int           `koanf:"burst" yaml:"burst" validate:"gte=1"`
	BreakerThreshold int           `koanf:"breaker_threshold" yaml:"breaker_threshold" validate:"gte=1"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" yaml:"breaker_cooldown" validate:"gt=0"`
	MaxInlineSize    ByteSize      `koanf:"max_inline_size" yaml:"max_inline_size" validate:"bytesize"`
	Languages        []string      `koanf:"languages" yaml:"languages"`
}

// CallbacksConfig configures webhook delivery of terminal job events.
// URL is the default target for jobs that carry no callback of their own.
type CallbacksConfig struct {
	URL            string        `koanf:"url" yaml:"url" validate:"omitempty,http_url"`
	Events         []string      `koanf:"events" yaml:"events" validate:"dive,oneof=docflow.job.completed docflow.job.failed docflow.job.cancelled"` // empty sends all
	SigningKey     string        `koanf:"signing_key" yaml:"signing_key"`
	SigningKeyFile string        `koanf:"signing_key_file" yaml:"signing_key_file"`
	BufferSize     int           `koanf:"buffer_size" yaml:"buffer_size" validate:"gte=1"`
	Workers        int           `koanf:"workers" yaml:"workers" validate:"gte=1"`
	Timeout        time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
	MaxRetries     int           `koanf:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

type ExportConfig struct {
	PandocPath string        `koanf:"pandoc_path" yaml:"pandoc_path" validate:"required"`
	Format     string        `koanf:"format" yaml:"format" validate:"oneof=docx odt html rtf epub latex markdown plain"`
	OutputDir  string        `koanf:"output_dir" yaml:"output_dir"`
	Timeout    time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
}

// ByteSize is a human readable size such as "512MiB" or "1GB".
type ByteSize string

// Bytes parses the size. Invalid or empty values yield 0, which every
// consumer treats as "use the default"; Validate rejects invalid input
// before that can happen.
func (s ByteSize) Bytes() int64 {
	if s == "" {
		return 0
	}
	n, err := units.RAMInBytes(string(s))
	if err != nil {
		return 0
	}
	return n
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Addr:            ":8080",
			MetricsPath:     "/metrics",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownDrain:   5 * time.Second,
			ShutdownTimeout: 25 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Workers:     3,
			QueueSize:   1024,
			CallTimeout: 5 * time.Minute,
		},
		Cache: CacheConfig{
			MemoryEnabled:  true,
			MemoryMaxItems: 256,
			MemoryTTL:      30 * time.Minute,
			DiskTTL:        7 * 24 * time.Hour,
			DiskMaxSize:    "1GiB",
			DiskCompress:   true,
			ReapInterval:   5 * time.Minute,
		},
		Governor: GovernorConfig{
			CheckInterval:    10 * time.Second,
			CleanupThreshold: 0.8,
			CompressFloor:    "5MiB",
			MaxDimension:     4096,
			TargetDimension:  2048,
			Quality:          85,
			TempLifetime:     time.Hour,
		},
		Planner: PlannerConfig{
			Amplification:    4,
			Headroom:         0.5,
			GroupCapMultiple: 2,
			DefaultItemSize:  "1MiB",
		},
		Extract: ExtractConfig{
			Backend:          "http",
			Timeout:          60 * time.Second,
			MaxAttempts:      3,
			RatePerSecond:    5,
			Burst:            1,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
			MaxInlineSize:    "32MiB",
			Languages:        []string{"eng"},
		},
		Callbacks: CallbacksConfig{
			Events:     []string{},
			BufferSize: 1000,
			Workers:    4,
			Timeout:    10 * time.Second,
			MaxRetries: 3,
		},
		Export: ExportConfig{
			PandocPath: "pandoc",
			Format:     "docx",
			Timeout:    30 * time.Second,
		},
	}
}

// defaultsMap flattens Default into koanf keys. Durations are rendered as
// strings so that dumps stay readable.
func defaultsMap() map[string]any {
	d := Default()
	return map[string]any{
		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"server.addr":             d.Server.Addr,
		"server.metrics_addr":     d.Server.MetricsAddr,
		"server.metrics_path":     d.Server.MetricsPath,
		"server.api_key":          d.Server.APIKey,
		"server.api_key_file":     d.Server.APIKeyFile,
		"server.input_root":       d.Server.InputRoot,
		"server.read_timeout":     d.Server.ReadTimeout.String(),
		"server.write_timeout":    d.Server.WriteTimeout.String(),
		"server.shutdown_drain":   d.Server.ShutdownDrain.String(),
		"server.shutdown_timeout": d.Server.ShutdownTimeout.String(),

		"orchestrator.workers":      d.Orchestrator.Workers,
		"orchestrator.queue_size":   d.Orchestrator.QueueSize,
		"orchestrator.call_timeout": d.Orchestrator.CallTimeout.String(),

		"cache.memory_enabled":   d.Cache.MemoryEnabled,
		"cache.memory_max_items": d.Cache.MemoryMaxItems,
		"cache.memory_ttl":       d.Cache.MemoryTTL.String(),
		"cache.disk_dir":         d.Cache.DiskDir,
		"cache.disk_ttl":         d.Cache.DiskTTL.String(),
		"cache.disk_max_size":    string(d.Cache.DiskMaxSize),
		"cache.disk_compress":    d.Cache.DiskCompress,
		"cache.reap_interval":    d.Cache.ReapInterval.String(),

		"governor.check_interval":    d.Governor.CheckInterval.String(),
		"governor.cleanup_threshold": d.Governor.CleanupThreshold,
		"governor.memory_limit":      string(d.Governor.MemoryLimit),
		"governor.compress_floor":    string(d.Governor.CompressFloor),
		"governor.max_dimension":     d.Governor.MaxDimension,
		"governor.target_dimension":  d.Governor.TargetDimension,
		"governor.quality":           d.Governor.Quality,
		"governor.temp_dir":          d.Governor.TempDir,
		"governor.temp_lifetime":     d.Governor.TempLifetime.String(),

		"planner.amplification":      d.Planner.Amplification,
		"planner.headroom":           d.Planner.Headroom,
		"planner.group_cap_multiple": d.Planner.GroupCapMultiple,
		"planner.default_item_size":  string(d.Planner.DefaultItemSize),

		"extract.backend":           d.Extract.Backend,
		"extract.endpoint":          d.Extract.Endpoint,
		"extract.api_key":           d.Extract.APIKey,
		"extract.api_key_file":      d.Extract.APIKeyFile,
		"extract.hint":              d.Extract.Hint,
		"extract.timeout":           d.Extract.Timeout.String(),
		"extract.max_attempts":      d.Extract.MaxAttempts,
		"extract.rate_per_second":   d.Extract.RatePerSecond,
		"extract.burst":             d.Extract.Burst,
		"extract.breaker_threshold": d.Extract.BreakerThreshold,
		"extract.breaker_cooldown":  d.Extract.BreakerCooldown.String(),
		"extract.max_inline_size":   string(d.Extract.MaxInlineSize),
		"extract.languages":         d.Extract.Languages,

		"callbacks.url":              d.Callbacks.URL,
		"callbacks.events":           d.Callbacks.Events,
		"callbacks.signing_key":      d.Callbacks.SigningKey,
		"callbacks.signing_key_file": d.Callbacks.SigningKeyFile,
		"callbacks.buffer_size":      d.Callbacks.BufferSize,
		"callbacks.workers":          d.Callbacks.Workers,
		"callbacks.timeout":          d.Callbacks.Timeout.String(),
		"callbacks.max_retries":      d.Callbacks.MaxRetries,

		"export.pandoc_path": d.Export.PandocPath,
		"export.format":      d.Export.Format,
		"export.output_dir":  d.Export.OutputDir,
		"export.timeout":     d.Export.Timeout.String(),
	}
}

// secretKeys are redacted by Dump.
var secretKeys = []string{
	"server.api_key",
	"extract.api_key",
	"callbacks.signing_key",
}
