package main

import "context"

// Source says how a step gets its value.
type Source int

const (
	SourcePrompt Source = iota
	SourceGenerated
)

// Step is one parameter in the inventory. EnvVar is the variable the
// binaries read; its SSM pointer is EnvVar + "_SSM_PARAM".
type Step struct {
	Label    string
	EnvVar   string
	Secret   bool
	Source   Source
	Prompt   string
	Check    func(ctx context.Context, input string) CheckResult
	Optional bool
	Phase    string
}

// Inventory lists every parameter in the order the operator is asked for
// them.
func Inventory(c *Checks) []Step {
	return []Step{
		{
			Label:  "Database URL",
			EnvVar: "DATABASE_URL",
			Secret: true,
			Prompt: "Supabase > Settings > Database > Connection pooling (transaction mode).\n   Paste the postgres:// URL:",
			Check:  c.DatabaseURL,
			Phase:  "Supabase",
		},
		{
			Label:  "Supabase URL",
			EnvVar: "SUPABASE_URL",
			Prompt: "Supabase > Settings > API > Project URL:",
			Check:  c.URL,
			Phase:  "Supabase",
		},
		{
			Label:  "Supabase JWT secret",
			EnvVar: "SUPABASE_JWT_SECRET",
			Secret: true,
			Prompt: "Supabase > Settings > API > JWT Secret:",
			Check:  c.MinLength(32),
			Phase:  "Supabase",
		},
		{
			Label:  "Stripe secret key",
			EnvVar: "STRIPE_SECRET_KEY",
			Secret: true,
			Prompt: "Stripe > Developers > API keys > Secret key (sk_...):",
			Check:  c.Pattern(`^(sk|rk)_(test|live)_[0-9a-zA-Z]{16,}$`, "Stripe secret key"),
			Phase:  "Billing",
		},
		{
			Label:  "Stripe webhook secret",
			EnvVar: "STRIPE_WEBHOOK_SECRET",
			Secret: true,
			Prompt: "Stripe > Developers > Webhooks > Signing secret (whsec_...):",
			Check:  c.Pattern(`^whsec_[0-9a-zA-Z]{16,}$`, "Stripe webhook secret"),
			Phase:  "Billing",
		},
		{
			Label:    "Lemon Squeezy API key (optional)",
			EnvVar:   "LEMON_API_KEY",
			Secret:   true,
			Prompt:   "Lemon Squeezy > Settings > API. Paste the key or press Enter to skip:",
			Check:    c.MinLength(20),
			Optional: true,
			Phase:    "Billing",
		},
		{
			Label:    "Lemon Squeezy webhook secret (optional)",
			EnvVar:   "LEMON_WEBHOOK_SECRET",
			Secret:   true,
			Prompt:   "Lemon Squeezy > Settings > Webhooks > Signing secret, or Enter to skip:",
			Check:    c.MinLength(6),
			Optional: true,
			Phase:    "Billing",
		},
		{
			Label:  "OpenAI API key",
			EnvVar: "OPENAI_API_KEY",
			Secret: true,
			Prompt: "OpenAI > API keys (sk-...):",
			Check:  c.Pattern(`^sk-[0-9A-Za-z_-]{20,}$`, "OpenAI API key"),
			Phase:  "Providers",
		},
		{
			Label:  "Resend API key",
			EnvVar: "RESEND_API_KEY",
			Secret: true,
			Prompt: "Resend > API Keys (re_...):",
			Check:  c.Pattern(`^re_[0-9A-Za-z_]{16,}$`, "Resend API key"),
			Phase:  "Providers",
		},
		{
			Label:    "Redis URL (optional)",
			EnvVar:   "REDIS_URL",
			Secret:   true,
			Prompt:   "Paste the redis:// URL, or press Enter to use per-process caches:",
			Check:    c.RedisURL,
			Optional: true,
			Phase:    "Providers",
		},
		{
			Label:  "Session secret",
			EnvVar: "SESSION_SECRET",
			Secret: true,
			Source: SourceGenerated,
			Phase:  "Internal secrets",
		},
		{
			Label:  "Internal admin secret",
			EnvVar: "INTERNAL_ADMIN_SECRET",
			Secret: true,
			Source: SourceGenerated,
			Phase:  "Internal secrets",
		},
	}
}
