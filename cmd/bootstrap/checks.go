package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
)

// CheckResult is the outcome of validating one input.
type CheckResult struct {
	Valid   bool
	Message string
}

func ok(msg string) CheckResult     { return CheckResult{Valid: true, Message: msg} }
func failed(msg string) CheckResult { return CheckResult{Message: msg} }

// DatabaseConnector opens and closes a connection to prove a DSN works.
type DatabaseConnector interface {
	Connect(ctx context.Context, dsn string) error
}

// PgxConnector is the production DatabaseConnector.
type PgxConnector struct{}

func (PgxConnector) Connect(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	return conn.Close(ctx)
}

// Checks validates operator input before it is stored.
type Checks struct {
	validate *validator.Validate
	db       DatabaseConnector
}

// NewChecks returns Checks with a real database connector.
func NewChecks() *Checks {
	return &Checks{validate: validator.New(), db: PgxConnector{}}
}

// DatabaseURL requires a postgres URL that accepts a connection.
func (c *Checks) DatabaseURL(ctx context.Context, input string) CheckResult {
	if !strings.HasPrefix(input, "postgres://") && !strings.HasPrefix(input, "postgresql://") {
		return failed("must start with postgres:// or postgresql://")
	}
	if err := c.validate.Var(input, "url"); err != nil {
		return failed("not a valid URL")
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.db.Connect(connCtx, input); err != nil {
		return failed(fmt.Sprintf("connection failed: %v", err))
	}
	return ok("database reachable")
}

// URL requires an http(s) URL.
func (c *Checks) URL(_ context.Context, input string) CheckResult {
	if err := c.validate.Var(input, "url,startswith=http"); err != nil {
		return failed("must be an http(s) URL")
	}
	return ok("URL accepted")
}

// MinLength returns a check requiring at least n characters.
func (c *Checks) MinLength(n int) func(context.Context, string) CheckResult {
	tag := fmt.Sprintf("min=%d", n)
	return func(_ context.Context, input string) CheckResult {
		if err := c.validate.Var(input, tag); err != nil {
			return failed(fmt.Sprintf("must be at least %d characters", n))
		}
		return ok("length accepted")
	}
}

// Pattern returns a check matching input against expr.
func (c *Checks) Pattern(expr, label string) func(context.Context, string) CheckResult {
	re := regexp.MustCompile(expr)
	return func(_ context.Context, input string) CheckResult {
		if !re.MatchString(input) {
			return failed(fmt.Sprintf("does not look like a %s", label))
		}
		return ok(label + " format accepted")
	}
}

// RedisURL requires a redis:// or rediss:// URL.
func (c *Checks) RedisURL(_ context.Context, input string) CheckResult {
	if !strings.HasPrefix(input, "redis://") && !strings.HasPrefix(input, "rediss://") {
		return failed("must start with redis:// or rediss://")
	}
	return ok("Redis URL accepted")
}
