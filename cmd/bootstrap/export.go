package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// ExportEnvFile reads every stored parameter back and writes a .env file
// that config.LoadConfig picks up in local development. Missing optional
// parameters are left out. The file is created 0600.
func ExportEnvFile(ctx context.Context, m *SSMManager, steps []Step, path string) error {
	env := map[string]string{"APP_ENV": "local"}
	for _, step := range steps {
		p := m.Path(step.EnvVar)
		exists, err := m.ParameterExists(ctx, p)
		if err != nil {
			return err
		}
		if !exists {
			if !step.Optional {
				return fmt.Errorf("required parameter %s is not stored", p)
			}
			continue
		}
		v, err := m.GetParameterValue(ctx, p)
		if err != nil {
			return err
		}
		env[step.EnvVar] = v
	}

	content, err := godotenv.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding .env: %w", err)
	}
	if err := os.WriteFile(path, []byte(content+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
