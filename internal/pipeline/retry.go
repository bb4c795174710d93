package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/finsec/kyt/internal/faults"
	"github.com/finsec/kyt/internal/inference"
	"github.com/finsec/kyt/internal/moderation"
	"github.com/finsec/kyt/internal/sanctions"
)

// RetryPolicy is the single retry/backoff policy for the whole pipeline.
// Clients classify failures but never retry themselves; every external call
// goes through Do.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	return p
}

// Do runs fn up to MaxAttempts times, doubling the delay between attempts.
// Only retryable faults are retried; anything else returns immediately.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	p = p.withDefaults()

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !faults.IsRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// retryingGenerator wraps an inference client with the pipeline retry policy.
type retryingGenerator struct {
	inner  inference.Generator
	policy RetryPolicy
}

func (g retryingGenerator) Generate(ctx context.Context, req inference.Request) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.policy.Do(ctx, func() error {
		var callErr error
		out, callErr = g.inner.Generate(ctx, req)
		return callErr
	})
	return out, err
}

type retryingDirectory struct {
	inner  sanctions.Directory
	policy RetryPolicy
}

func (d retryingDirectory) Lookup(ctx context.Context, name string, identifiers []string) ([]sanctions.Match, error) {
	var out []sanctions.Match
	err := d.policy.Do(ctx, func() error {
		var callErr error
		out, callErr = d.inner.Lookup(ctx, name, identifiers)
		return callErr
	})
	return out, err
}

type retryingScreener struct {
	inner  moderation.Screener
	policy RetryPolicy
}

func (s retryingScreener) Screen(ctx context.Context, text string) (moderation.Verdict, error) {
	var out moderation.Verdict
	err := s.policy.Do(ctx, func() error {
		var callErr error
		out, callErr = s.inner.Screen(ctx, text)
		return callErr
	})
	return out, err
}
