package types

import (
	"context"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock. It always returns UTC.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// EmailQueue accepts transactional emails for asynchronous delivery.
type EmailQueue interface {
	Enqueue(ctx context.Context, msg EmailMessage) error
}
