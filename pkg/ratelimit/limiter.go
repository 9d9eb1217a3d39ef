// Package ratelimit implements fixed-window rate limiting keyed by actor.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Config of a fixed-window limiter. By default every execution counts; the
// Skip flags give the slot back once the outcome is recorded.
type Config struct {
	MaxRequests    int           `json:"max_requests"    yaml:"max_requests"    validate:"gt=0"`
	Window         time.Duration `json:"window"          yaml:"window"          validate:"gt=0"`
	SkipSuccessful bool          `json:"skip_successful" yaml:"skip_successful"`
	SkipFailed     bool          `json:"skip_failed"     yaml:"skip_failed"`
}

// DefaultConfig allows 100 executions per minute per actor.
func DefaultConfig() Config {
	return Config{MaxRequests: 100, Window: time.Minute}
}

// Actor identifies who a request is counted against. Tier is only read by
// Tiered.
type Actor struct {
	UserID    string
	ChatbotID string
	Tier      string
}

// Counter counts requests against per-actor windows.
type Counter interface {
	Check(ctx context.Context, actor Actor) (models.RateLimitResult, error)
	Record(ctx context.Context, actor Actor, success bool) error
	Sweep(ctx context.Context) (int, error)
}

// Key is the window key of the actor.
func (a Actor) Key() string {
	if a.UserID == "" {
		if a.ChatbotID == "" {
			return "anonymous"
		}

		return "anonymous:chatbot:" + a.ChatbotID
	}

	if a.ChatbotID == "" {
		return "user:" + a.UserID
	}

	return "user:" + a.UserID + ":chatbot:" + a.ChatbotID
}

// Limiter is a fixed-window limiter over a Store.
type Limiter struct {
	logger *slog.Logger
	store  Store
	config Config
	max    atomic.Int64
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore replaces the default in-memory store.
func WithStore(store Store) Option {
	return func(l *Limiter) { l.store = store }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(log *slog.Logger, config Config, opts ...Option) (*Limiter, error) {
	if config.MaxRequests <= 0 || config.Window <= 0 {
		return nil, fmt.Errorf("%w: max_requests=%d window=%s", ErrInvalidConfig, config.MaxRequests, config.Window)
	}

	l := &Limiter{
		logger: log.With("module", "rate_limiter"),
		store:  NewMemoryStore(),
		config: config,
		now:    time.Now,
	}
	l.max.Store(int64(config.MaxRequests))

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Config returns the limiter's configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// Max returns the effective window capacity.
func (l *Limiter) Max() int {
	return int(l.max.Load())
}

// SetMax changes the effective capacity; values below one are clamped.
func (l *Limiter) SetMax(n int) {
	if n < 1 {
		n = 1
	}

	l.max.Store(int64(n))
}

// Check counts one request for actor, refusing it when the window is full.
func (l *Limiter) Check(ctx context.Context, actor Actor) (models.RateLimitResult, error) {
	now := l.now()
	limit := l.Max()

	allowed, w, err := l.store.Take(ctx, actor.Key(), limit, l.config.Window, now)
	if err != nil {
		return models.RateLimitResult{}, err
	}

	result := models.RateLimitResult{
		Allowed:   allowed,
		Remaining: max(limit-w.Count, 0),
		ResetTime: w.ResetAt,
	}

	if !allowed {
		result.RetryAfter = max(int(math.Ceil(w.ResetAt.Sub(now).Seconds())), 1)

		l.logger.DebugContext(ctx, "Rate limit exceeded", "key", actor.Key(), "retry_after", result.RetryAfter)
	}

	return result, nil
}

// Record applies the outcome of a counted request.
func (l *Limiter) Record(ctx context.Context, actor Actor, success bool) error {
	if (success && !l.config.SkipSuccessful) || (!success && !l.config.SkipFailed) {
		return nil
	}

	return l.store.Release(ctx, actor.Key(), l.now())
}

// Sweep removes expired windows.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}
