package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/joho/godotenv"
)

// memSSM is an in-memory SSM parameter store.
type memSSM struct {
	params map[string]string
	types  map[string]ssmtypes.ParameterType
	getErr error
}

func newMemSSM() *memSSM {
	return &memSSM{params: map[string]string{}, types: map[string]ssmtypes.ParameterType{}}
}

func (m *memSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (m *memSSM) PutParameter(_ context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	name := aws.ToString(in.Name)
	if _, ok := m.params[name]; ok && !aws.ToBool(in.Overwrite) {
		return nil, &ssmtypes.ParameterAlreadyExists{}
	}
	m.params[name] = aws.ToString(in.Value)
	m.types[name] = in.Type
	return &ssm.PutParameterOutput{}, nil
}

type fakeConnector struct{ err error }

func (f fakeConnector) Connect(context.Context, string) error { return f.err }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestRunner(store *memSSM, stdin string, steps []Step) (*Runner, *bytes.Buffer) {
	var out bytes.Buffer
	return &Runner{
		SSM:    NewSSMManager(store, "dev", discardLogger()),
		Checks: &Checks{validate: NewChecks().validate, db: fakeConnector{}},
		Stdin:  strings.NewReader(stdin),
		Stderr: &out,
		steps:  steps,
	}, &out
}

func TestSSMManagerPath(t *testing.T) {
	m := NewSSMManager(newMemSSM(), "prod", discardLogger())
	if got := m.Path("STRIPE_SECRET_KEY"); got != "/prod/devvelocity/stripe_secret_key" {
		t.Errorf("Path = %q", got)
	}
}

func TestSSMManagerPut(t *testing.T) {
	store := newMemSSM()
	m := NewSSMManager(store, "dev", discardLogger())
	ctx := context.Background()

	if err := m.PutSecret(ctx, "/dev/devvelocity/x", "secret", false); err != nil {
		t.Fatalf("PutSecret: %v", err)
	}
	if store.types["/dev/devvelocity/x"] != ssmtypes.ParameterTypeSecureString {
		t.Error("secret should be stored as SecureString")
	}
	if err := m.PutSecret(ctx, "/dev/devvelocity/x", "again", false); err == nil {
		t.Error("expected error writing an existing secret without overwrite")
	}
	if err := m.PutString(ctx, "/dev/devvelocity/y", ""); err == nil {
		t.Error("expected error for empty value")
	}

	exists, err := m.ParameterExists(ctx, "/dev/devvelocity/missing")
	if err != nil || exists {
		t.Errorf("ParameterExists(missing) = %v, %v", exists, err)
	}
	store.getErr = errors.New("access denied")
	if _, err := m.ParameterExists(ctx, "/dev/devvelocity/x"); err == nil {
		t.Error("expected unexpected SSM errors to surface")
	}
}

func TestRunnerWritesPromptedAndGeneratedValues(t *testing.T) {
	store := newMemSSM()
	c := &Checks{validate: NewChecks().validate, db: fakeConnector{}}
	steps := []Step{
		{Label: "Supabase URL", EnvVar: "SUPABASE_URL", Check: c.URL, Phase: "Supabase"},
		{Label: "Session secret", EnvVar: "SESSION_SECRET", Secret: true, Source: SourceGenerated, Phase: "Internal"},
	}
	r, out := newTestRunner(store, "not a url\nhttps://abc.supabase.co\n", steps)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := store.params["/dev/devvelocity/supabase_url"]; got != "https://abc.supabase.co" {
		t.Errorf("supabase_url = %q", got)
	}
	if store.types["/dev/devvelocity/supabase_url"] != ssmtypes.ParameterTypeString {
		t.Error("non-secret should be a plain String")
	}
	if got := store.params["/dev/devvelocity/session_secret"]; len(got) != 2*tokenByteLength {
		t.Errorf("generated secret has %d chars", len(got))
	}

	text := out.String()
	if !strings.Contains(text, "Validation failed") {
		t.Error("invalid first answer should be reported")
	}
	if !strings.Contains(text, "SESSION_SECRET_SSM_PARAM=/dev/devvelocity/session_secret") {
		t.Errorf("summary is missing the SSM pointer:\n%s", text)
	}
	if strings.Contains(text, store.params["/dev/devvelocity/session_secret"]) {
		t.Error("generated secret must not be printed")
	}
}

func TestRunnerExistingParameter(t *testing.T) {
	steps := []Step{{Label: "Resend", EnvVar: "RESEND_API_KEY", Secret: true}}

	store := newMemSSM()
	store.params["/dev/devvelocity/resend_api_key"] = "re_old"
	r, _ := newTestRunner(store, "s\n", steps)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.params["/dev/devvelocity/resend_api_key"] != "re_old" {
		t.Error("skip should keep the existing value")
	}

	r, out := newTestRunner(store, "maybe\no\nre_new\n", steps)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.params["/dev/devvelocity/resend_api_key"] != "re_new" {
		t.Error("overwrite should replace the value")
	}
	if !strings.Contains(out.String(), "[OVERWRITTEN]") {
		t.Error("summary should report the overwrite")
	}
}

func TestRunnerOptionalSteps(t *testing.T) {
	steps := []Step{{Label: "Redis", EnvVar: "REDIS_URL", Secret: true, Optional: true}}

	store := newMemSSM()
	r, out := newTestRunner(store, "\n", steps)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.params) != 0 {
		t.Error("empty input should skip an optional step")
	}
	if strings.Contains(out.String(), "REDIS_URL_SSM_PARAM") {
		t.Error("skipped steps should not be listed as pointers")
	}

	r, _ = newTestRunner(store, "", steps)
	r.SkipOptional = true
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run with SkipOptional: %v", err)
	}
}

func TestRunnerGivesUpAfterMaxRetries(t *testing.T) {
	c := &Checks{validate: NewChecks().validate}
	steps := []Step{{Label: "Stripe", EnvVar: "STRIPE_SECRET_KEY", Check: c.Pattern(`^sk_`, "Stripe key")}}
	r, _ := newTestRunner(newMemSSM(), strings.Repeat("nope\n", maxRetries), steps)

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error after repeated invalid input")
	}
}

func TestChecks(t *testing.T) {
	ctx := context.Background()
	c := &Checks{validate: NewChecks().validate, db: fakeConnector{}}

	if !c.DatabaseURL(ctx, "postgres://u:p@db.example.com:6543/postgres").Valid {
		t.Error("reachable postgres URL should pass")
	}
	if c.DatabaseURL(ctx, "mysql://u:p@db/x").Valid {
		t.Error("non-postgres URL should fail")
	}
	c.db = fakeConnector{err: errors.New("password authentication failed")}
	if r := c.DatabaseURL(ctx, "postgres://u:p@db.example.com/postgres"); r.Valid || !strings.Contains(r.Message, "password") {
		t.Errorf("connection failure should be reported, got %+v", r)
	}

	if !c.MinLength(32)(ctx, strings.Repeat("x", 32)).Valid || c.MinLength(32)(ctx, "short").Valid {
		t.Error("MinLength boundaries wrong")
	}
	if !c.RedisURL(ctx, "rediss://default:pw@cache:6379").Valid || c.RedisURL(ctx, "http://cache").Valid {
		t.Error("RedisURL scheme check wrong")
	}
	if c.URL(ctx, "ftp://example.com").Valid {
		t.Error("non-http URL should fail")
	}
}

func TestInventoryCoversRequiredConfig(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range Inventory(NewChecks()) {
		if seen[s.EnvVar] {
			t.Errorf("duplicate step for %s", s.EnvVar)
		}
		seen[s.EnvVar] = true
		if s.Source == SourcePrompt && s.Check == nil {
			t.Errorf("%s has no input check", s.EnvVar)
		}
	}
	for _, v := range []string{"DATABASE_URL", "SUPABASE_JWT_SECRET", "SESSION_SECRET", "INTERNAL_ADMIN_SECRET", "RESEND_API_KEY"} {
		if !seen[v] {
			t.Errorf("inventory is missing %s", v)
		}
	}
}

func TestExportEnvFile(t *testing.T) {
	store := newMemSSM()
	m := NewSSMManager(store, "dev", discardLogger())
	store.params[m.Path("DATABASE_URL")] = "postgres://u:p@localhost/dv"
	steps := []Step{
		{EnvVar: "DATABASE_URL"},
		{EnvVar: "REDIS_URL", Optional: true},
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := ExportEnvFile(context.Background(), m, steps, path); err != nil {
		t.Fatalf("ExportEnvFile: %v", err)
	}

	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("reading exported file: %v", err)
	}
	if env["DATABASE_URL"] != "postgres://u:p@localhost/dv" || env["APP_ENV"] != "local" {
		t.Errorf("unexpected env: %v", env)
	}
	if _, ok := env["REDIS_URL"]; ok {
		t.Error("missing optional parameter should be omitted")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	steps = append(steps, Step{EnvVar: "RESEND_API_KEY"})
	if err := ExportEnvFile(context.Background(), m, steps, path); err == nil {
		t.Error("expected error for a missing required parameter")
	}
}

func TestConfirm(t *testing.T) {
	id := callerIdentity{Account: "123", ARN: "arn:aws:iam::123:user/ops", Region: "us-east-1"}
	if !confirm(strings.NewReader("YES\n"), io.Discard, id) {
		t.Error("YES should confirm")
	}
	if confirm(strings.NewReader("y\n"), io.Discard, id) {
		t.Error("only 'yes' confirms")
	}
	if confirm(strings.NewReader(""), io.Discard, id) {
		t.Error("EOF should not confirm")
	}
}
