package config

import "context"

// SecretProvider resolves secret references. Production uses SSM Parameter
// Store; local runs read the environment.
type SecretProvider interface {
	// GetParametersBatch resolves keys and returns key -> plaintext for every
	// key it found.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
