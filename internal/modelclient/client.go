// Package modelclient wraps the external generative model behind a
// rate-limited, bounded-concurrency, retrying client, generalizing the
// teacher's anthropic.go (Anthropic SDK wiring) and internal/llm provider
// abstraction into the five typed operations spec.md §4.1 requires.
package modelclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"supportintel/internal/model"
)

// Backend is the minimal surface a real or mock provider must implement:
// take a rendered prompt, return raw text or an error. Client is
// responsible for everything above that: rate limiting, concurrency,
// retry, parsing, and fallback synthesis.
type Backend interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config mirrors config.ModelConfig's fields the client needs directly,
// keeping this package independent of the config package.
type Config struct {
	MaxConcurrentRequests int
	RequestsPerMinute     int
	RequestTimeout        time.Duration
	MaxRetries            int
}

// Client is the shared capability every analyzer worker calls through; it
// holds no lock of its own beyond those inside the limiter and semaphore. Per spec §5 the token bucket and
// semaphore are the only state shared across components.
type Client struct {
	backend Backend
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	cfg     Config
}

// New constructs a Client around backend, sized by cfg. Zero or negative
// fields take defaults: 10 concurrent requests, 60 requests per minute, a
// 15s per-attempt timeout, and 3 retries.
func New(backend Backend, cfg Config) *Client {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	perMinute := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	return &Client{
		backend: backend,
		limiter: rate.NewLimiter(perMinute, max(1, cfg.RequestsPerMinute/4)),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		cfg:     cfg,
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// AnalysisContext is the minimal prompt context every analyzer worker
// builds: the compressed history (current_summary.tldr, if any) plus the
// latest message, per spec §4.4.
type AnalysisContext struct {
	Summary        string
	LatestMessage  string
	RecentMessages []string
}

func (a AnalysisContext) prompt(instruction string) string {
	ctx := a.Summary
	if ctx == "" {
		ctx = "(none yet)"
	}
	return fmt.Sprintf("%s\n\nContext: %s\n\nCurrent message: %s", instruction, ctx, a.LatestMessage)
}

// call runs fn under the rate limiter and semaphore, retrying transient
// failures with exponential backoff (2s, 4s, 8s, jittered ±20%) up to
// cfg.MaxRetries times, per spec §4.1.
func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("semaphore acquire: %w", err)
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		out, err := c.backend.Complete(callCtx, prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := jittered(attempt)
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("model client transient error, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("model call failed permanently: %w", lastErr)
}

// jittered returns 2s, 4s, 8s (doubling per attempt) with ±20% jitter.
func jittered(attempt int) time.Duration {
	base := 2 * time.Second * time.Duration(1<<uint(attempt))
	delta := time.Duration(float64(base) * 0.2)
	offset := time.Duration(rand.Int63n(int64(2*delta+1))) - delta
	return base + offset
}

// transientError marks errors the caller should retry, per spec's
// TransientModelError taxonomy (network, 5xx-equivalent, rate-limit
// signal). Anything else is permanent.
type transientError struct{ err error }

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient wraps err so isTransient recognizes it; backends should use
// this for network failures, 5xx-equivalents, and explicit rate-limit
// responses.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

func isTransient(err error) bool {
	var t transientError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
