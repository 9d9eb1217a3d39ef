package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/convoflow/pkg/config"
	"github.com/dukex/convoflow/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

const redisPingTimeout = 5 * time.Second

// RateLimiter bundles the engine's limiter with the periodic work it needs.
type RateLimiter struct {
	Limiter   ratelimit.Counter
	Adaptive  *ratelimit.Adaptive
	TierField string
	close     func() error
}

func (r *RateLimiter) Close() error {
	if r == nil || r.close == nil {
		return nil
	}

	return r.close()
}

// NewRateLimiter builds the limiter described by cfg: tiered when tiers are
// configured, adaptive or plain otherwise. Windows live in Redis when redisURL
// is set and in process memory otherwise. A disabled limiter returns nil.
func NewRateLimiter(ctx context.Context, logger *slog.Logger, cfg config.RateLimit, redisURL string) (*RateLimiter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var (
		opts []ratelimit.Option
		rl   = &RateLimiter{}
	)

	if redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		client := redis.NewClient(redisOpts)

		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		opts = append(opts, ratelimit.WithStore(ratelimit.NewRedisStore(client, cfg.Prefix)))
		rl.close = client.Close

		logger.Info("Rate limit windows stored in redis", "addr", redisOpts.Addr)
	}

	if len(cfg.Tiers) > 0 {
		tiered, err := ratelimit.NewTiered(logger, cfg.Tiers, opts...)
		if err != nil {
			_ = rl.Close()

			return nil, err
		}

		rl.Limiter = tiered
		rl.TierField = cfg.TierField

		logger.Info("Rate limiting by tier", "tiers", len(cfg.Tiers), "tier_field", cfg.TierField)

		return rl, nil
	}

	if cfg.Adaptive {
		adaptive, err := ratelimit.NewAdaptive(logger, cfg.Config, ratelimit.HeapLoad, cfg.Bands, opts...)
		if err != nil {
			_ = rl.Close()

			return nil, err
		}

		rl.Adaptive = adaptive
		rl.Limiter = adaptive.Limiter

		return rl, nil
	}

	limiter, err := ratelimit.NewLimiter(logger, cfg.Config, opts...)
	if err != nil {
		_ = rl.Close()

		return nil, err
	}

	rl.Limiter = limiter

	return rl, nil
}
