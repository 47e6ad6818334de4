package config

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

const redacted = "<redacted>"

// Dump writes the effective layered configuration as YAML with secrets
// redacted. Load must have succeeded first.
func (m *Manager) Dump(w io.Writer) error {
	k := m.koanf()
	if k == nil {
		return errors.New("config not loaded")
	}
	out := k.Copy()
	for _, key := range secretKeys {
		if out.String(key) != "" {
			if err := out.Set(key, redacted); err != nil {
				return fmt.Errorf("redact %s: %w", key, err)
			}
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out.Raw()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
