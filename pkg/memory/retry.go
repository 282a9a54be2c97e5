package memory

import (
	"context"
	"errors"
	"time"

	"github.com/dotsetgreg/personamem/pkg/logger"
	"github.com/m-mizutani/goerr/v2"
)

type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (p retryPolicy) withDefaults() retryPolicy {
	if p.attempts <= 0 {
		p.attempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 100 * time.Millisecond
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 2 * time.Second
	}
	return p
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrInvalidRecord), errors.Is(err, ErrScopeViolation):
		return false
	}
	return true
}

// do runs fn until it succeeds, fails with a permanent error or the attempts
// run out, in which case ErrStorageUnavailable is returned.
func (p retryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	delay := p.baseDelay
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
		logger.WarnCF("memory", "Backend call failed", map[string]interface{}{
			"op":      op,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return goerr.Wrap(ErrStorageUnavailable, "backend retries exhausted",
		goerr.V("op", op), goerr.V("attempts", p.attempts), goerr.V("cause", lastErr.Error()))
}
