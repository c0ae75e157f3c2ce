package pipeline

import (
	"context"
	"fmt"
	"time"

	"receiptflow/config"
	"receiptflow/model"
	"receiptflow/pkg/logger"
)

// RetryPolicy governs how a single pipeline step is re-run. Only transient
// failures are retried; validation, schema and authorization failures
// surface immediately because re-running cannot change their outcome.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	StepTimeout    time.Duration
}

func NewRetryPolicy(cfg *config.PipelineConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		Multiplier:     2,
		StepTimeout:    time.Duration(cfg.StepTimeoutSeconds) * time.Second,
	}
}

// Backoff returns the delay after the given 1-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// Do runs one step under the policy. Each attempt gets its own timeout so a
// hung model or store call cannot stall the worker forever.
func (p RetryPolicy) Do(ctx context.Context, step string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		stepCtx := ctx
		cancel := func() {}
		if p.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, p.StepTimeout)
		}
		err := fn(stepCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !model.IsTransient(err) {
			return fmt.Errorf("step %s: %w", step, err)
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		backoff := p.Backoff(attempt)
		logger.Warn(ctx, "pipeline step failed, backing off",
			"step", step,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("step %s exhausted %d attempts: %w", step, attempts, lastErr)
}
