package checkpointcams

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// errRetryableStatus is returned by an attempt that got a 429 or 5xx response
// so the backoff schedule treats it as a failure.
var errRetryableStatus = errors.New("retryable status")

// RetryTransport implements http.RoundTripper and retries requests that fail
// at the transport level or come back with a 429 or 5xx status. The number of
// attempts and the backoff between them are bounded by a RetryPolicy.
type RetryTransport struct {
	Wrapped http.RoundTripper

	policy RetryPolicy
	logger *slog.Logger
}

// RoundTrip implements http.RoundTripper. Requests whose body cannot be
// replayed are sent once.
//
// The process follows these steps:
// 1. Sends the request through the wrapped transport
// 2. Returns the response if it is not retryable or attempts are exhausted
// 3. Discards the failed response and waits out the backoff
// 4. Rewinds the body and tries again.
//
// When retries run out on a 429 or 5xx the last response is returned as is.
func (t *RetryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	var (
		resp     *http.Response
		rtErr    error
		attempts int
	)

	operation := func() error {
		if attempts > 0 && r.GetBody != nil {
			body, err := r.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			r.Body = body
		}
		attempts++

		resp, rtErr = t.Wrapped.RoundTrip(r)
		if !shouldRetry(resp, rtErr) || !replayable(r) {
			return nil
		}
		if rtErr != nil {
			return rtErr
		}
		return errRetryableStatus
	}

	notify := func(_ error, delay time.Duration) {
		attrs := []any{"url", r.URL.String(), "attempt", attempts, "delay", delay}
		if rtErr != nil {
			attrs = append(attrs, "error", rtErr)
		}
		if resp != nil {
			attrs = append(attrs, "status", resp.StatusCode)
			drain(resp)
			resp = nil
		}
		t.logger.WarnContext(ctx, "request failed, retrying", attrs...)
	}

	err := backoff.RetryNotify(operation, t.newBackOff(ctx), notify)
	switch {
	case err == nil, errors.Is(err, errRetryableStatus), rtErr != nil && err == rtErr:
		return resp, rtErr
	default:
		// Context done or the body could not be rewound.
		if resp != nil {
			drain(resp)
		}
		return nil, err
	}
}

// newBackOff builds the delay schedule for one request: BaseDelay doubling
// per attempt up to MaxDelay, without jitter, for at most MaxRetries retries.
func (t *RetryTransport) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if t.policy.MaxDelay > 0 {
		b.MaxInterval = t.policy.MaxDelay
	}
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(t.policy.MaxRetries)), ctx)
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

func replayable(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// NewRetryTransport creates a transport middleware that retries failed
// requests according to policy.
//
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
//
// The returned function wraps the given http.RoundTripper:
//   - Retries transport errors and 429/5xx responses
//   - Waits BaseDelay, doubling per attempt up to MaxDelay
//   - Stops early when the request context is done
func NewRetryTransport(policy RetryPolicy, logger *slog.Logger) func(http.RoundTripper) http.RoundTripper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}

	return func(rt http.RoundTripper) http.RoundTripper {
		if rt == nil {
			rt = http.DefaultTransport
		}
		return &RetryTransport{Wrapped: rt, policy: policy, logger: logger}
	}
}
