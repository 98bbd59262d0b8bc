// Package codes produces the human-readable company codes handed to new
// tenants, in the form TUT-YYYY-NNNNN.
package codes

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a code-generation failure caused by the counter
// store. It is retryable: the orchestrator fails the step and lets the
// processor's redelivery try again.
var ErrUnavailable = errors.New("company code generation unavailable")

// Counter is the durable, atomic per-year sequence behind the generator.
type Counter interface {
	NextCodeValue(ctx context.Context, year int) (int64, error)
}

// Generator produces unique, monotonically increasing company codes. The
// sequence is an atomic increment on durable storage rather than a random
// draw, so redeliveries can never collide.
type Generator struct {
	counter Counter
}

// NewGenerator creates a Generator backed by the given counter.
func NewGenerator(counter Counter) *Generator {
	return &Generator{counter: counter}
}

// Generate returns the next company code for the given year, formatted as
// TUT-YYYY-NNNNN with a 5-digit zero-padded sequence.
func (g *Generator) Generate(ctx context.Context, year int) (string, error) {
	value, err := g.counter.NextCodeValue(ctx, year)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Sprintf("TUT-%d-%05d", year, value), nil
}
