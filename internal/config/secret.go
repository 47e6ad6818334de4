package config

import (
	"fmt"
	"os"
	"strings"
)

// ReadSecretFile reads a secret from a file path, trimming surrounding
// whitespace. Works with Docker secrets (/run/secrets/) and K8s secrets
// (mounted volumes). An empty path yields an empty secret.
func ReadSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// resolveSecrets fills inline secrets from their *_file counterparts.
// An inline value wins over the file.
func resolveSecrets(cfg *Config) error {
	pairs := []struct {
		value *string
		file  string
	}{
		{&cfg.Server.APIKey, cfg.Server.APIKeyFile},
		{&cfg.Extract.APIKey, cfg.Extract.APIKeyFile},
		{&cfg.Callbacks.SigningKey, cfg.Callbacks.SigningKeyFile},
	}
	for _, p := range pairs {
		if *p.value != "" || p.file == "" {
			continue
		}
		secret, err := ReadSecretFile(p.file)
		if err != nil {
			return err
		}
		*p.value = secret
	}
	return nil
}
