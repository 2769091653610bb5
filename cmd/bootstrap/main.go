// Package main implements the bootstrap CLI for a DevVelocity environment.
//
// It walks an operator through the secrets every binary needs, stores them
// as SSM parameters under /{env}/devvelocity/, and prints the
// NAME_SSM_PARAM pointers to set on each function so config.LoadConfig
// resolves them at startup.
//
// Usage:
//
//	go run ./cmd/bootstrap -env=dev
//	go run ./cmd/bootstrap -env=prod -profile=devvelocity-prod -skip-optional
//	go run ./cmd/bootstrap -env=dev -export-env
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

var validEnvironments = map[string]bool{
	"dev":     true,
	"staging": true,
	"prod":    true,
}

func main() {
	envFlag := flag.String("env", "", "target environment (dev/staging/prod) [required]")
	profileFlag := flag.String("profile", "", "AWS CLI profile")
	regionFlag := flag.String("region", "us-east-1", "AWS region")
	skipOptional := flag.Bool("skip-optional", false, "skip optional providers (Lemon Squeezy, Redis)")
	exportEnv := flag.Bool("export-env", false, "after bootstrap, write the stored values to a .env file")
	exportPath := flag.String("export-env-path", ".env", "path for -export-env")
	flag.Parse()

	if !validEnvironments[*envFlag] {
		fmt.Fprintf(os.Stderr, "error: -env must be dev, staging or prod (got %q)\n", *envFlag)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	awsCfg, identity, err := initializeSession(ctx, *profileFlag, *regionFlag, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}

	if *envFlag == "prod" && !confirm(os.Stdin, os.Stderr, identity) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return
	}

	mgr := NewSSMManager(ssm.NewFromConfig(awsCfg), *envFlag, logger)
	runner := &Runner{
		SSM:          mgr,
		Checks:       NewChecks(),
		Stdin:        os.Stdin,
		Stderr:       os.Stderr,
		SkipOptional: *skipOptional,
	}
	if err := runner.Run(ctx); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}

	if *exportEnv {
		if err := ExportEnvFile(ctx, mgr, Inventory(runner.Checks), *exportPath); err != nil {
			logger.Error("export failed", "error", err)
			os.Exit(1)
		}
		logger.Info(".env written", "path", *exportPath)
	}
}

type callerIdentity struct {
	Account string
	ARN     string
	Region  string
}

// initializeSession loads AWS credentials and confirms them with STS before
// anything is written.
func initializeSession(ctx context.Context, profile, region string, logger *slog.Logger) (aws.Config, callerIdentity, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, callerIdentity{}, fmt.Errorf("loading AWS config: %w", err)
	}

	idCtx, idCancel := context.WithTimeout(ctx, 10*time.Second)
	defer idCancel()
	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return aws.Config{}, callerIdentity{}, fmt.Errorf("verifying AWS identity: %w (profile %q, region %q)", err, profile, region)
	}

	id := callerIdentity{Account: aws.ToString(out.Account), ARN: aws.ToString(out.Arn), Region: region}
	logger.Info("AWS identity verified", "account_id", id.Account, "arn", id.ARN, "region", region)
	return cfg, id, nil
}

// confirm requires the operator to type "yes" before touching production.
func confirm(in io.Reader, out io.Writer, id callerIdentity) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  WARNING: you are targeting PRODUCTION")
	fmt.Fprintf(out, "  Account: %s\n  Region:  %s\n  ARN:     %s\n\n", id.Account, id.Region, id.ARN)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	s := bufio.NewScanner(in)
	if !s.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(s.Text()), "yes")
}
