package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig so startup failures name their cause.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks a pointer variable: STRIPE_SECRET_KEY_SSM_PARAM names
// the SSM parameter holding STRIPE_SECRET_KEY.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// loaderDeps holds the process environment accessors so tests do not mutate
// global state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
	dotenv    func() error
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		dotenv:    func() error { return godotenv.Load() },
	}
}

// LoadConfig loads and validates the configuration:
//  1. forces the process timezone to UTC,
//  2. loads .env if present (never overriding the environment),
//  3. outside APP_ENV=local, resolves *_SSM_PARAM pointers via provider,
//  4. processes envconfig tags, then validates.
//
// provider may be nil when no *_SSM_PARAM variables are set.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// A missing .env file is the normal case outside local development.
	_ = deps.dotenv()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		typ := ErrValidation
		if strings.Contains(err.Error(), "'required'") {
			typ = ErrMissingEnv
		}
		return nil, &ConfigError{
			Type:    typ,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	return &cfg, nil
}

// ResolveSecrets runs only the SSM resolution step. Binaries that read a few
// variables directly call it before touching the environment.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams fetches every *_SSM_PARAM pointer whose target variable is
// unset and injects the resolved values into the environment. A directly set
// target always wins over SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathToTarget := make(map[string]string)

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		pathToTarget[path] = target
	}

	if len(pathToTarget) == 0 {
		return nil
	}

	paths := make([]string, 0, len(pathToTarget))
	for p := range pathToTarget {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("a SecretProvider is required to resolve: %s", strings.Join(targetsOf(paths, pathToTarget), ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, pathToTarget[path])
			continue
		}
		if err := deps.setEnv(pathToTarget[path], value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", pathToTarget[path]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func targetsOf(paths []string, pathToTarget map[string]string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, pathToTarget[p])
	}
	return out
}
