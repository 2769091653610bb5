package config

import (
	"context"
	"os"
)

// EnvVarProvider resolves each key as an environment variable. It lets a
// local run exercise the SSM code path without AWS.
type EnvVarProvider struct{}

// NewEnvVarProvider creates an EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch returns the keys present in the environment. Missing
// keys are omitted.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(key); ok {
			result[key] = val
		}
	}
	return result, nil
}
