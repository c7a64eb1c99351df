// Package vault implements a secret source backed by HashiCorp Vault.
// Paths take the form "mount/data/name#field" (KV v2 logical path plus the
// field to extract).
package vault

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection settings for the Vault source.
type Config struct {
	Address string
	Token   string
}

// Source implements secret.Source for HashiCorp Vault.
type Source struct {
	client *vault.Client
}

// New creates a new Vault source.
func New(cfg Config) (*Source, error) {
	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return &Source{client: client}, nil
}

// Fetch reads the secret at path and extracts the requested field.
func (s *Source) Fetch(ctx context.Context, path string) (string, error) {
	logicalPath, field, ok := strings.Cut(path, "#")
	if !ok || field == "" {
		return "", fmt.Errorf("vault path %q must include a #field fragment", path)
	}

	sec, err := s.client.Logical().ReadWithContext(ctx, logicalPath)
	if err != nil {
		return "", fmt.Errorf("read vault path %q: %w", logicalPath, err)
	}
	if sec == nil || sec.Data == nil {
		return "", fmt.Errorf("vault path %q not found", logicalPath)
	}

	data := sec.Data
	// KV v2 nests the payload under a "data" key.
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	val, ok := data[field].(string)
	if !ok {
		return "", fmt.Errorf("field %q not found at vault path %q", field, logicalPath)
	}
	return val, nil
}

// Close is a no-op; the underlying client has no persistent connections to
// release.
func (s *Source) Close() error {
	return nil
}
