// Package service implements the social graph, feed and engagement operations.
package service

import (
	"context"
	"errors"
	"time"

	"plaza/internal/docstore"
	"plaza/internal/models"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how long transient store failures are retried.
type RetryPolicy struct {
	Attempts uint
	Initial  time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is used when the configuration leaves retries unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, Initial: 50 * time.Millisecond, Max: time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts == 0 {
		p.Attempts = d.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max < p.Initial {
		p.Max = max(d.Max, p.Initial)
	}
	return p
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. Only transient errors are retried. onRetry, when set, is called
// before every retry.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, onRetry func(err error)) error {
	p = p.normalized()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max

	attempt := uint(0)
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op(ctx)
		switch {
		case err == nil:
			return struct{}{}, nil
		case !docstore.IsTransient(err):
			return struct{}{}, backoff.Permanent(err)
		}
		if attempt < p.Attempts && onRetry != nil {
			onRetry(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.Attempts))
	return err
}

// unavailable converts a transient failure that outlived its retries into UNAVAILABLE.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if docstore.IsTransient(err) || errors.Is(err, context.Canceled) {
		return models.NewUnavailableError(err)
	}
	return models.NewInternalError(err)
}

// retryValue runs fn under p and returns its value.
func retryValue[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, nil)
	return out, unavailable(err)
}
