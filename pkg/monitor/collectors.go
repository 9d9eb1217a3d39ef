package monitor

import "github.com/prometheus/client_golang/prometheus"

type collectors struct {
	executionsTotal     *prometheus.CounterVec
	executionDuration   prometheus.Histogram
	nodeRetries         prometheus.Counter
	alertsTotal         *prometheus.CounterVec
	rateLimitRejections prometheus.Counter
	activeExecutions    prometheus.Gauge
}

func newCollectors() *collectors {
	return &collectors{
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_executions_total",
				Help: "Total number of finished workflow executions",
			},
			[]string{"status"},
		),
		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convoflow_execution_duration_seconds",
				Help:    "Duration of finished workflow executions",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		nodeRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoflow_node_retries_total",
				Help: "Total number of action node retries",
			},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convoflow_alerts_total",
				Help: "Total number of alerts fired",
			},
			[]string{"severity"},
		),
		rateLimitRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "convoflow_rate_limit_rejections_total",
				Help: "Total number of executions rejected by the rate limiter",
			},
		),
		activeExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "convoflow_active_executions",
				Help: "Number of executions currently running",
			},
		),
	}
}

func (c *collectors) register(reg prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		c.executionsTotal,
		c.executionDuration,
		c.nodeRetries,
		c.alertsTotal,
		c.rateLimitRejections,
		c.activeExecutions,
	} {
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	return nil
}
