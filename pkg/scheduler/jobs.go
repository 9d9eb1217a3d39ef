package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes expired rate-limit windows.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Recomputer re-derives a load dependent capacity.
type Recomputer interface {
	Recompute() int
}

// Pruner drops state that fell out of its retention window.
type Pruner interface {
	Prune()
}

func JanitorJob(log *slog.Logger, sweeper Sweeper, interval time.Duration) Job {
	return Job{
		Name: "rate_limit_janitor",
		Spec: Every(interval),
		Run: func(ctx context.Context) error {
			removed, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}

			if removed > 0 {
				log.Debug("Swept expired rate limit windows", "removed", removed)
			}

			return nil
		},
	}
}

func AdaptiveJob(recomputer Recomputer, interval time.Duration) Job {
	return Job{
		Name: "adaptive_rate_limit",
		Spec: Every(interval),
		Run: func(context.Context) error {
			recomputer.Recompute()

			return nil
		},
	}
}

func PruneJob(pruner Pruner, interval time.Duration) Job {
	return Job{
		Name: "monitor_prune",
		Spec: Every(interval),
		Run: func(context.Context) error {
			pruner.Prune()

			return nil
		},
	}
}
