package watchtower

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"time"
)

// retryProvider wraps a Provider and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retry wrapper.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures at ERROR. Default: no output.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient HTTP errors. When the
// error carries a Retry-After duration, the retry delay is at least that long.
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = NopLogger
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream retries only if no tokens have been written to ch yet. Once
// streaming has started, errors pass through immediately to avoid sending
// duplicate content. ch is always closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan string, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
		}()

		var tokensSent bool
		for tok := range mid {
			tokensSent = true
			ch <- tok
		}
		<-done

		if streamErr == nil || !isTransient(streamErr) || tokensSent {
			close(ch)
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(streamErr),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, retryDelay(r.baseDelay, i, streamErr)); err != nil {
				close(ch)
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(), "attempts", r.maxAttempts, "error", lastErr)
	close(ch)
	return ChatResponse{}, lastErr
}

// retryEmbeddingProvider wraps an EmbeddingProvider with the same policy.
type retryEmbeddingProvider struct {
	inner       EmbeddingProvider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// WithEmbeddingRetry wraps p with automatic retry on transient HTTP errors.
// Accepts the same RetryOption functions as WithRetry.
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	cfg := &retryProvider{maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = NopLogger
	}
	return &retryEmbeddingProvider{
		inner:       p,
		maxAttempts: cfg.maxAttempts,
		baseDelay:   cfg.baseDelay,
		logger:      logger,
	}
}

func (r *retryEmbeddingProvider) Name() string    { return r.inner.Name() }
func (r *retryEmbeddingProvider) Dimensions() int { return r.inner.Dimensions() }

func (r *retryEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

// ParseRetryAfter parses a Retry-After header value: either delay-seconds or
// an HTTP-date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value as a minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > backoff {
		return e.RetryAfter
	}
	return backoff
}

// sleepRetry waits d or until ctx is cancelled.
func sleepRetry(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"provider", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			if serr := sleepRetry(ctx, retryDelay(base, i, err)); serr != nil {
				return zero, serr
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"provider", name, "attempts", maxAttempts, "error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time checks
var (
	_ Provider          = (*retryProvider)(nil)
	_ EmbeddingProvider = (*retryEmbeddingProvider)(nil)
)
