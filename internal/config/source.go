package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// DefaultEnvPrefix prefixes environment overrides.
const DefaultEnvPrefix = "DOCFLOW_"

// Source loads one configuration layer into k.
type Source interface {
	Name() string
	Load(k *koanf.Koanf) error
}

// DefaultSource provides the built-in defaults.
type DefaultSource struct{}

func (DefaultSource) Name() string { return "defaults" }

func (DefaultSource) Load(k *koanf.Koanf) error {
	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return fmt.Errorf("load defaults: %w", err)
	}
	return nil
}

// FileSource loads a YAML file. An empty path or a missing file is skipped.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Load(k *koanf.Koanf) error {
	if s.Path == "" {
		return nil
	}
	if _, err := os.Stat(s.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %s: %w", s.Path, err)
	}
	if err := k.Load(file.Provider(s.Path), yaml.Parser()); err != nil {
		return fmt.Errorf("load config file %s: %w", s.Path, err)
	}
	return nil
}

// EnvSource loads prefixed environment variables. The first underscore
// after the prefix separates the section from the key, so
// DOCFLOW_CACHE_DISK_MAX_SIZE sets cache.disk_max_size.
type EnvSource struct {
	Prefix string // default: DOCFLOW_
}

func (EnvSource) Name() string { return "env" }

func (s EnvSource) Load(k *koanf.Koanf) error {
	prefix := s.Prefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	if err := k.Load(env.Provider(prefix, ".", func(key string) string {
		return EnvKey(prefix, key)
	}), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	return nil
}

// EnvKey maps an environment variable name to its koanf key.
func EnvKey(prefix, name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, prefix))
	return strings.Replace(key, "_", ".", 1)
}

// FlagSource loads command-line flags registered with BindFlags. Only
// dotted flag names (section.key) are config keys; other flags on the
// same set belong to the command. Flags left at their default only fill
// keys no earlier source set.
type FlagSource struct {
	Flags *pflag.FlagSet
}

func (FlagSource) Name() string { return "flags" }

func (s FlagSource) Load(k *koanf.Koanf) error {
	if s.Flags == nil {
		return nil
	}
	scoped := pflag.NewFlagSet("config", pflag.ContinueOnError)
	s.Flags.VisitAll(func(f *pflag.Flag) {
		if strings.Contains(f.Name, ".") {
			scoped.AddFlag(f)
		}
	})
	if err := k.Load(posflag.Provider(scoped, ".", k), nil); err != nil {
		return fmt.Errorf("load flags: %w", err)
	}
	return nil
}

// BindFlags registers the flag overrides understood by FlagSource.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("log.level", d.Log.Level, "Log level (debug, info, warn, error)")
	flags.String("log.format", d.Log.Format, "Log format (json, text)")
	flags.String("server.addr", d.Server.Addr, "API listen address")
	flags.String("server.input_root", d.Server.InputRoot, "Directory local references submitted over HTTP must live under")
	flags.Int("orchestrator.workers", d.Orchestrator.Workers, "Concurrent extraction workers")
	flags.String("cache.disk_dir", d.Cache.DiskDir, "Disk cache directory (empty disables the disk tier)")
	flags.Float64("governor.cleanup_threshold", d.Governor.CleanupThreshold, "Memory fraction that triggers cleanup")
	flags.String("extract.backend", d.Extract.Backend, "Recognition backend (http, tesseract)")
	flags.String("extract.endpoint", d.Extract.Endpoint, "Recognition endpoint URL")
}
