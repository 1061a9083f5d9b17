package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/quarrylabs/conveyor/internal/logging"
)

// RetryConfig bounds the per-call retry loop around platform
// requests. This is the inner, short-fuse loop for blips; sustained
// failure is the gate's backoff to handle.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. Default 3.
	MaxRetries int
	// InitialBackoff before the first retry. Default 1s.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth. Default 30s.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the backoff each retry. Default 2.
	BackoffMultiplier float64
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
}

// withRetry runs a platform call until it succeeds, fails
// permanently, or exhausts the attempts. Rate limits wait for the
// reset the platform announces instead of the computed backoff.
func withRetry(ctx context.Context, cfg RetryConfig, logger *logging.Logger, op string, call func() (*github.Response, error)) (*github.Response, error) {
	cfg.applyDefaults()

	var lastErr error
	var lastResp *github.Response
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := call()
		if err == nil {
			if attempt > 0 {
				logger.Debug(ctx, "platform call recovered",
					zap.String("op", op),
					zap.Int("attempts", attempt+1))
			}
			return resp, nil
		}
		lastErr = err
		lastResp = resp

		if !retryableStatus(resp) {
			return resp, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		wait := backoff
		if isRateLimited(resp) {
			wait = rateLimitBackoff(resp, cfg.MaxBackoff)
			logger.Warn(ctx, "platform rate limit hit",
				zap.String("op", op),
				zap.Duration("wait", wait))
		} else {
			logger.Debug(ctx, "retrying platform call",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Int("status", statusCode(resp)),
				zap.Duration("wait", wait),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return lastResp, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		case <-time.After(wait):
		}
		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return lastResp, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

// retryableStatus reports whether the response is worth another
// attempt. No response at all reads as a network failure, which is.
func retryableStatus(resp *github.Response) bool {
	code := statusCode(resp)
	if code == 0 {
		return true
	}
	switch code {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		// Secondary rate limits come back 403 with rate headers.
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	}
	return code >= 500 && code < 600
}

func isRateLimited(resp *github.Response) bool {
	code := statusCode(resp)
	if code == http.StatusTooManyRequests {
		return true
	}
	return code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
}

// rateLimitBackoff waits until the announced reset, with a second of
// slack, capped at maxBackoff.
func rateLimitBackoff(resp *github.Response, maxBackoff time.Duration) time.Duration {
	if resp == nil || resp.Rate.Limit == 0 {
		return time.Minute
	}
	wait := time.Until(resp.Rate.Reset.Time) + time.Second
	if wait < time.Second {
		wait = time.Second
	}
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}
