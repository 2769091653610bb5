package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// SSMClient is the subset of the SSM API the bootstrap tool uses.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// ssmOperationTimeout covers IAM propagation delays on fresh accounts.
const ssmOperationTimeout = 15 * time.Second

// SSMManager reads and writes parameters under /{env}/devvelocity/.
// Secret values are never logged; only their length is.
type SSMManager struct {
	client SSMClient
	env    string
	logger *slog.Logger
}

// NewSSMManager creates an SSMManager.
func NewSSMManager(client SSMClient, env string, logger *slog.Logger) *SSMManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSMManager{client: client, env: env, logger: logger}
}

// Path returns the parameter path for an environment variable:
// STRIPE_SECRET_KEY in prod is /prod/devvelocity/stripe_secret_key.
func (m *SSMManager) Path(envVar string) string {
	return fmt.Sprintf("/%s/devvelocity/%s", m.env, strings.ToLower(envVar))
}

// ParameterExists probes for a parameter without decrypting it, so the
// check needs no kms:Decrypt permission.
func (m *SSMManager) ParameterExists(ctx context.Context, path string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// GetParameterValue reads a parameter, decrypting SecureStrings.
func (m *SSMManager) GetParameterValue(ctx context.Context, path string) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	out, err := m.client.GetParameter(opCtx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("reading SSM parameter %q: %w", path, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("SSM parameter %q has no value", path)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// PutSecret writes a SecureString. Without overwrite an existing parameter
// is an error.
func (m *SSMManager) PutSecret(ctx context.Context, path, value string, overwrite bool) error {
	return m.put(ctx, path, value, ssmtypes.ParameterTypeSecureString, overwrite)
}

// PutString writes a plain String, replacing any existing value.
func (m *SSMManager) PutString(ctx context.Context, path, value string) error {
	return m.put(ctx, path, value, ssmtypes.ParameterTypeString, true)
}

func (m *SSMManager) put(ctx context.Context, path, value string, typ ssmtypes.ParameterType, overwrite bool) error {
	if path == "" {
		return errors.New("SSM parameter path must not be empty")
	}
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}

	opCtx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := m.client.PutParameter(opCtx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      typ,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var exists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &exists) {
			return fmt.Errorf("SSM parameter %q already exists: %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}

	if typ == ssmtypes.ParameterTypeSecureString {
		m.logger.Info("SSM parameter written", "path", path, "type", string(typ), "value_length", len(value))
	} else {
		m.logger.Info("SSM parameter written", "path", path, "type", string(typ), "value", value)
	}
	return nil
}
