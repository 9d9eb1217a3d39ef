package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Alert metrics. MetricMemoryMB is the process heap in use when the
// execution completes; MetricMemoryDeltaMB is the heap growth over the
// execution itself.
const (
	MetricDurationMs          = "duration_ms"
	MetricErrorRate           = "error_rate"
	MetricSuccessRate         = "success_rate"
	MetricRetryCount          = "retry_count"
	MetricFailedNodes         = "failed_nodes"
	MetricMemoryMB            = "memory_mb"
	MetricMemoryDeltaMB       = "memory_delta_mb"
	MetricExecutionsPerMinute = "executions_per_minute"
)

// Notifier receives every alert that survives its cooldown.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

type NotifierFunc func(ctx context.Context, alert models.Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert models.Alert) error {
	return f(ctx, alert)
}

// DefaultRules are installed unless rules are configured explicitly.
func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{
			ID: "slow_execution", Name: "Slow execution",
			Metric: MetricDurationMs, Operator: "gt", Threshold: 30000,
			Severity: models.SeverityHigh, Cooldown: 5 * time.Minute, Enabled: true,
		},
		{
			ID: "high_error_rate", Name: "High error rate",
			Metric: MetricErrorRate, Operator: "gt", Threshold: 0.5,
			Severity: models.SeverityCritical, Cooldown: 10 * time.Minute, Enabled: true,
		},
		{
			ID: "excessive_retries", Name: "Excessive retries",
			Metric: MetricRetryCount, Operator: "gt", Threshold: 5,
			Severity: models.SeverityMedium, Cooldown: 5 * time.Minute, Enabled: true,
		},
		{
			ID: "high_memory", Name: "High memory usage",
			Metric: MetricMemoryMB, Operator: "gt", Threshold: 512,
			Severity: models.SeverityMedium, Cooldown: 15 * time.Minute, Enabled: true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRule checks a rule before it is installed.
func ValidateRule(rule models.AlertRule) error {
	if err := validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid alert rule %q: %w", rule.ID, err)
	}

	return nil
}

func compare(operator string, value, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}

// sample carries the metric values of a completed execution.
type sample map[string]float64

func (m *Monitor) evaluateRules(ctx context.Context, metrics models.PerformanceMetrics, values sample) []models.Alert {
	m.rulesMu.RLock()
	rules := append([]models.AlertRule(nil), m.rules...)
	m.rulesMu.RUnlock()

	var fired []models.Alert

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		value, ok := values[rule.Metric]
		if !ok || !compare(rule.Operator, value, rule.Threshold) {
			continue
		}

		if rule.Cooldown > 0 && !m.claimCooldown(rule, metrics.WorkflowID) {
			m.logger.Debug("alert suppressed by cooldown", "rule_id", rule.ID, "workflow_id", metrics.WorkflowID)

			continue
		}

		alert := models.Alert{
			ID:          uuid.New().String(),
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			WorkflowID:  metrics.WorkflowID,
			ExecutionID: metrics.ExecutionID,
			Metric:      rule.Metric,
			Value:       value,
			Threshold:   rule.Threshold,
			Severity:    rule.Severity,
			Message:     fmt.Sprintf("%s: %s is %g (%s %g)", rule.Name, rule.Metric, value, rule.Operator, rule.Threshold),
			TriggeredAt: m.now().UTC(),
		}

		fired = append(fired, alert)
		m.recordAlert(alert)

		m.logger.Warn("alert triggered",
			"rule_id", rule.ID,
			"severity", rule.Severity,
			"workflow_id", metrics.WorkflowID,
			"execution_id", metrics.ExecutionID,
			"value", value)

		for _, n := range m.notifiers {
			if err := n.Notify(ctx, alert); err != nil {
				m.logger.Error("alert notification failed", "rule_id", rule.ID, "error", err)
			}
		}
	}

	return fired
}

// claimCooldown reports whether the rule may fire for the workflow and, if
// so, starts its cooldown. Entries expire from the cache on their own; the
// stored deadline is checked against the monitor clock.
func (m *Monitor) claimCooldown(rule models.AlertRule, workflowID string) bool {
	key := rule.ID + ":" + workflowID
	now := m.now()

	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()

	if until, ok := m.cooldowns.Get(key); ok && now.Before(until.(time.Time)) {
		return false
	}

	m.cooldowns.Set(key, now.Add(rule.Cooldown), rule.Cooldown)

	return true
}

func (m *Monitor) recordAlert(alert models.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}

	if m.metrics != nil {
		m.metrics.alertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	}
}

// SetRules replaces every rule after validating them all.
func (m *Monitor) SetRules(rules []models.AlertRule) error {
	for _, rule := range rules {
		if err := ValidateRule(rule); err != nil {
			return err
		}
	}

	m.rulesMu.Lock()
	m.rules = append([]models.AlertRule(nil), rules...)
	m.rulesMu.Unlock()

	return nil
}

// AddRule installs a rule, replacing one with the same id.
func (m *Monitor) AddRule(rule models.AlertRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}

	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	for i, existing := range m.rules {
		if existing.ID == rule.ID {
			m.rules[i] = rule

			return nil
		}
	}

	m.rules = append(m.rules, rule)

	return nil
}

func (m *Monitor) RemoveRule(id string) bool {
	m.rulesMu.Lock()
	defer m.rulesMu.Unlock()

	for i, rule := range m.rules {
		if rule.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)

			return true
		}
	}

	return false
}

func (m *Monitor) Rules() []models.AlertRule {
	m.rulesMu.RLock()
	defer m.rulesMu.RUnlock()

	return append([]models.AlertRule(nil), m.rules...)
}

// Alerts returns the most recent alerts, newest first.
func (m *Monitor) Alerts(limit int) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]models.Alert, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.alerts[i])
	}

	return out
}
