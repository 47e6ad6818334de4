package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Manager owns the layered koanf instance and the last valid Config.
// Reload rebuilds from the same sources; an invalid reload keeps the
// previous config.
type Manager struct {
	mu       sync.RWMutex
	sources  []Source
	k        *koanf.Koanf
	current  Config
	filePath string
}

// NewManager layers defaults, the YAML file at path, DOCFLOW_* variables
// and flags (nil to skip).
func NewManager(path string, flags *pflag.FlagSet) *Manager {
	return &Manager{
		sources: []Source{
			DefaultSource{},
			FileSource{Path: path},
			EnvSource{},
			FlagSource{Flags: flags},
		},
		filePath: path,
	}
}

// NewManagerWithSources uses sources in the given order.
func NewManagerWithSources(sources ...Source) *Manager {
	m := &Manager{sources: sources}
	for _, s := range sources {
		if fs, ok := s.(FileSource); ok {
			m.filePath = fs.Path
		}
	}
	return m
}

// Load builds, resolves and validates the configuration.
func (m *Manager) Load() (Config, error) {
	k := koanf.New(".")
	for _, s := range m.sources {
		if err := s.Load(k); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf(&cfg)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := resolveSecrets(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	m.mu.Lock()
	m.k = k
	m.current = cfg
	m.mu.Unlock()

	slog.Debug("Configuration loaded", "component", "config", "file", m.filePath)
	return cfg, nil
}

// unmarshalConf decodes into out. Comma separated strings, as env
// variables deliver them, become slices.
func unmarshalConf(out *Config) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           out,
			TagName:          "koanf",
			WeaklyTypedInput: true,
		},
	}
}

// Get returns the last successfully loaded config.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// FilePath returns the YAML file this manager reads, if any.
func (m *Manager) FilePath() string {
	return m.filePath
}

func (m *Manager) koanf() *koanf.Koanf {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.k
}

// Load is a convenience wrapper around NewManager(path, flags).Load().
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	return NewManager(path, flags).Load()
}
