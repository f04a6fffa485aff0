package blob

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultOpTimeout      = 10 * time.Second
	defaultMaxElapsedTime = 30 * time.Second
)

// RetryStore wraps a Store with a per-operation timeout and exponential
// backoff on transient failures. Non-transient errors, including ErrNotFound,
// fail immediately.
type RetryStore struct {
	inner          Store
	opTimeout      time.Duration
	maxElapsedTime time.Duration
}

// RetryOption configures a RetryStore.
type RetryOption func(*RetryStore)

// WithOpTimeout bounds each attempt against the backend.
func WithOpTimeout(timeout time.Duration) RetryOption {
	return func(s *RetryStore) {
		if timeout > 0 {
			s.opTimeout = timeout
		}
	}
}

// WithMaxElapsedTime bounds the total time spent retrying one operation.
func WithMaxElapsedTime(limit time.Duration) RetryOption {
	return func(s *RetryStore) {
		if limit > 0 {
			s.maxElapsedTime = limit
		}
	}
}

// NewRetryStore wraps inner with retry behavior.
func NewRetryStore(inner Store, opts ...RetryOption) *RetryStore {
	store := &RetryStore{
		inner:          inner,
		opTimeout:      defaultOpTimeout,
		maxElapsedTime: defaultMaxElapsedTime,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *RetryStore) retry(ctx context.Context, op func(context.Context) error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
		if err := op(attemptCtx); err != nil {
			if IsTransient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(s.maxElapsedTime))
	return err
}

func (s *RetryStore) Put(ctx context.Context, ref string, data []byte) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.Put(ctx, ref, data)
	})
}

func (s *RetryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := s.retry(ctx, func(ctx context.Context) error {
		var getErr error
		data, getErr = s.inner.Get(ctx, ref)
		return getErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *RetryStore) Delete(ctx context.Context, ref string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.inner.Delete(ctx, ref)
	})
}
