package executionlog

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy selects how retry delays grow.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// RetryPolicy computes the delay before a retry attempt.
type RetryPolicy struct {
	Strategy  Strategy      `json:"strategy"   yaml:"strategy"   validate:"omitempty,oneof=exponential linear fixed"`
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"  yaml:"max_delay"`
}

// DefaultRetryPolicy is used for node types without a specific policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration

	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyFixed:
		d = p.BaseDelay
	default:
		d = p.BaseDelay
		for i := 1; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
			d *= 2
		}
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	return d
}

// BackOff adapts the policy to backoff.BackOff so it can drive backoff.Retry.
func (p RetryPolicy) BackOff() backoff.BackOff {
	return &policyBackOff{policy: p}
}

type policyBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++

	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() {
	b.attempt = 0
}

// Policies holds per node-type retry policies with a fallback.
type Policies struct {
	Default RetryPolicy            `yaml:"default"`
	ByType  map[string]RetryPolicy `yaml:"by_type"`
}

// DefaultPolicies returns the built-in per-type policies.
func DefaultPolicies() Policies {
	return Policies{
		Default: DefaultRetryPolicy(),
		ByType: map[string]RetryPolicy{
			"webhook":      {Strategy: StrategyExponential, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second},
			"send_email":   {Strategy: StrategyLinear, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second},
			"send_message": {Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
			"log":          {Strategy: StrategyFixed, BaseDelay: 100 * time.Millisecond},
		},
	}
}

// For returns the policy of nodeType.
func (p Policies) For(nodeType string) RetryPolicy {
	if policy, ok := p.ByType[nodeType]; ok {
		return policy
	}

	return p.Default
}
