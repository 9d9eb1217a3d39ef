// Package config loads the tuning file of the convoflow server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/ratelimit"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the structure of the convoflow.yaml file. Every section
// is optional; missing values keep their defaults.
type Config struct {
	Engine     engine.Config         `yaml:"engine"`
	Dispatcher Dispatcher            `yaml:"dispatcher"`
	RateLimit  RateLimit             `yaml:"rate_limit"`
	Retry      executionlog.Policies `yaml:"retry"`
	Alerts     []models.AlertRule    `yaml:"alerts"      validate:"dive"`
	Schedule   Schedule              `yaml:"schedule"`
	DeadLetter DeadLetter            `yaml:"dead_letter"`
}

type Dispatcher struct {
	MaxConcurrent int `yaml:"max_concurrent" validate:"gt=0"`
}

// RateLimit configures the execution limiter. Adaptive shrinks the capacity
// by Bands as heap load grows. Tiers replace the single window with one
// window per tier, picked from the event data at TierField.
type RateLimit struct {
	ratelimit.Config `yaml:",inline"`

	Enabled   bool                        `yaml:"enabled"`
	Adaptive  bool                        `yaml:"adaptive"`
	Bands     []ratelimit.Band            `yaml:"bands"`
	Prefix    string                      `yaml:"redis_prefix"`
	Tiers     map[string]ratelimit.Config `yaml:"tiers"      validate:"dive"`
	TierField string                      `yaml:"tier_field"`
}

type Schedule struct {
	Janitor  time.Duration `yaml:"janitor"  validate:"gt=0"`
	Adaptive time.Duration `yaml:"adaptive" validate:"gt=0"`
	Prune    time.Duration `yaml:"prune"    validate:"gt=0"`
}

type DeadLetter struct {
	Capacity int `yaml:"capacity" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine:     engine.DefaultConfig(),
		Dispatcher: Dispatcher{MaxConcurrent: engine.DefaultMaxConcurrent},
		RateLimit: RateLimit{
			Config:    ratelimit.DefaultConfig(),
			Enabled:   true,
			Bands:     ratelimit.DefaultBands(),
			Prefix:    "convoflow:ratelimit:",
			TierField: "tier",
		},
		Retry:  executionlog.DefaultPolicies(),
		Alerts: monitor.DefaultRules(),
		Schedule: Schedule{
			Janitor:  scheduler.DefaultJanitorInterval,
			Adaptive: scheduler.DefaultAdaptiveInterval,
			Prune:    scheduler.DefaultPruneInterval,
		},
		DeadLetter: DeadLetter{Capacity: 1000},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("invalid config: %s failed on %s", fieldErrs[0].Namespace(), fieldErrs[0].Tag())
		}

		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.RateLimit.Adaptive && len(cfg.RateLimit.Tiers) > 0 {
		return errors.New("invalid config: rate_limit.adaptive cannot be combined with rate_limit.tiers")
	}

	for nodeType, policy := range cfg.Retry.ByType {
		if err := validate.Struct(policy); err != nil {
			return fmt.Errorf("invalid retry policy for %s: %w", nodeType, err)
		}
	}

	return nil
}
