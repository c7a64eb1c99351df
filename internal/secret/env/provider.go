// Package env implements a secret source that reads environment variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Source implements secret.Source for environment variables.
type Source struct{}

// New creates a new env source.
func New() *Source {
	return &Source{}
}

// Fetch retrieves the value of the environment variable named by path.
func (s *Source) Fetch(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op for the env source.
func (s *Source) Close() error {
	return nil
}
