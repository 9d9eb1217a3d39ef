package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/dukex/convoflow/pkg/models"
)

// Tiered holds one independent limiter per tier.
type Tiered struct {
	limiters    map[string]*Limiter
	restrictive string
}

// NewTiered builds a limiter per tier. All tiers share store when given.
func NewTiered(log *slog.Logger, tiers map[string]Config, opts ...Option) (*Tiered, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidConfig)
	}

	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}

	sort.Strings(names)

	t := &Tiered{limiters: make(map[string]*Limiter, len(tiers))}

	for _, name := range names {
		limiter, err := NewLimiter(log.With("tier", name), tiers[name], opts...)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", name, err)
		}

		t.limiters[name] = limiter

		if t.restrictive == "" || rate(tiers[name]) < rate(tiers[t.restrictive]) {
			t.restrictive = name
		}
	}

	return t, nil
}

func rate(c Config) float64 {
	return float64(c.MaxRequests) / c.Window.Seconds()
}

// Limiter returns the limiter of tier; unknown tiers get the most restrictive one.
func (t *Tiered) Limiter(tier string) *Limiter {
	if l, ok := t.limiters[tier]; ok {
		return l
	}

	return t.limiters[t.restrictive]
}

// Check counts a request of actor against actor.Tier. Windows are keyed per tier.
func (t *Tiered) Check(ctx context.Context, actor Actor) (models.RateLimitResult, error) {
	return t.Limiter(actor.Tier).Check(ctx, t.tierActor(actor))
}

// Record applies the outcome of a request counted against actor.Tier.
func (t *Tiered) Record(ctx context.Context, actor Actor, success bool) error {
	return t.Limiter(actor.Tier).Record(ctx, t.tierActor(actor), success)
}

// Sweep removes expired windows of every tier.
func (t *Tiered) Sweep(ctx context.Context) (int, error) {
	removed := 0

	for _, limiter := range t.limiters {
		n, err := limiter.Sweep(ctx)
		if err != nil {
			return removed, err
		}

		removed += n
	}

	return removed, nil
}

func (t *Tiered) tierActor(actor Actor) Actor {
	tier := actor.Tier
	if _, ok := t.limiters[tier]; !ok {
		tier = t.restrictive
	}

	actor.UserID = tier + "/" + actor.UserID

	return actor
}

// LoadFunc reports system load in [0,1].
type LoadFunc func() float64

// HeapLoad is the default LoadFunc: in-use heap over heap obtained from the OS.
func HeapLoad() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	if stats.HeapSys == 0 {
		return 0
	}

	return float64(stats.HeapInuse) / float64(stats.HeapSys)
}

// Band scales the base capacity when load reaches Above.
type Band struct {
	Above  float64 `json:"above"  yaml:"above"`
	Factor float64 `json:"factor" yaml:"factor"`
}

// DefaultBands keep full capacity under 50% load, 75% under 80% and 50% above.
func DefaultBands() []Band {
	return []Band{
		{Above: 0, Factor: 1.0},
		{Above: 0.5, Factor: 0.75},
		{Above: 0.8, Factor: 0.5},
	}
}

// Adaptive shrinks a limiter's capacity as load rises.
type Adaptive struct {
	*Limiter

	logger *slog.Logger
	load   LoadFunc
	bands  []Band

	mu       sync.Mutex
	lastLoad float64
}

func NewAdaptive(log *slog.Logger, config Config, load LoadFunc, bands []Band, opts ...Option) (*Adaptive, error) {
	limiter, err := NewLimiter(log, config, opts...)
	if err != nil {
		return nil, err
	}

	if load == nil {
		load = HeapLoad
	}

	if len(bands) == 0 {
		bands = DefaultBands()
	}

	sorted := append([]Band(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Above < sorted[j].Above })

	return &Adaptive{
		Limiter: limiter,
		logger:  log.With("module", "adaptive_rate_limiter"),
		load:    load,
		bands:   sorted,
	}, nil
}

// Recompute samples the load and updates the effective capacity.
func (a *Adaptive) Recompute() int {
	load := a.load()

	factor := 1.0

	for _, band := range a.bands {
		if load >= band.Above {
			factor = band.Factor
		}
	}

	capacity := int(float64(a.config.MaxRequests) * factor)

	a.mu.Lock()
	a.lastLoad = load
	a.mu.Unlock()

	if capacity != a.Max() {
		a.logger.Info("Adjusting rate limit capacity", "load", load, "factor", factor, "max_requests", capacity)
	}

	a.SetMax(capacity)

	return a.Max()
}

// LastLoad returns the load seen by the last Recompute.
func (a *Adaptive) LastLoad() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastLoad
}
