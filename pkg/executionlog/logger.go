// Package executionlog records per-execution log entries and node metrics,
// classifies errors for retry and computes retry delays.
package executionlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/patrickmn/go-cache"
)

var ErrUnknownExecution = errors.New("unknown execution")

const DefaultGracePeriod = 30 * time.Second

// Sink receives every entry appended to any execution log.
type Sink interface {
	WriteEntry(executionID, workflowID string, entry models.LogEntry)
}

// Metrics are the per-execution node counters.
type Metrics struct {
	NodesExecuted int `json:"nodes_executed"`
	NodesFailed   int `json:"nodes_failed"`
	Retries       int `json:"retries"`
}

// ExecutionResult is the immutable outcome returned by Complete.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      models.ExecutionStatus `json:"status"`
	Logs        []models.LogEntry      `json:"logs"`
	Metrics     Metrics                `json:"metrics"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

type execution struct {
	workflowID string
	startedAt  time.Time
	logs       []models.LogEntry
	metrics    Metrics
}

// Logger owns the in-flight execution logs. Completed executions stay
// readable for the grace period.
type Logger struct {
	logger    *slog.Logger
	mu        sync.Mutex
	active    map[string]*execution
	completed *cache.Cache
	sinks     []Sink
	now       func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink mirrors entries to sink.
func WithSink(sink Sink) Option {
	return func(l *Logger) { l.sinks = append(l.sinks, sink) }
}

// WithGracePeriod overrides how long completed executions stay readable.
func WithGracePeriod(d time.Duration) Option {
	return func(l *Logger) { l.completed = cache.New(d, 2*d) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(log *slog.Logger, opts ...Option) *Logger {
	l := &Logger{
		logger:    log.With("module", "execution_logger"),
		active:    make(map[string]*execution),
		completed: cache.New(DefaultGracePeriod, 2*DefaultGracePeriod),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Start opens the log of an execution. Starting an already open execution is a no-op.
func (l *Logger) Start(executionID, workflowID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[executionID]; ok {
		return
	}

	l.active[executionID] = &execution{workflowID: workflowID, startedAt: l.now()}
}

// Log appends an entry. Entries for unknown executions are still mirrored
// to slog and the sinks but not retained.
func (l *Logger) Log(executionID string, level models.LogLevel, message, nodeID string, data map[string]any, err error) models.LogEntry {
	entry := models.LogEntry{
		Timestamp: l.now(),
		Level:     level,
		Message:   message,
		NodeID:    nodeID,
		Data:      data,
		Error:     Detail(err),
	}

	l.mu.Lock()

	workflowID := ""
	if exec, ok := l.active[executionID]; ok {
		exec.logs = append(exec.logs, entry)
		workflowID = exec.workflowID
	}

	sinks := l.sinks
	l.mu.Unlock()

	attrs := []any{"execution_id", executionID, "workflow_id", workflowID}
	if nodeID != "" {
		attrs = append(attrs, "node_id", nodeID)
	}

	if err != nil {
		attrs = append(attrs, "error", err)
	}

	l.logger.Log(context.Background(), slogLevel(level), message, attrs...)

	for _, sink := range sinks {
		sink.WriteEntry(executionID, workflowID, entry)
	}

	return entry
}

// NodeStart records that a node began executing.
func (l *Logger) NodeStart(executionID, nodeID, nodeType string) {
	l.Log(executionID, models.LogLevelInfo, "Executing node", nodeID, map[string]any{"node_type": nodeType}, nil)
}

// NodeSuccess records a successful node and its output.
func (l *Logger) NodeSuccess(executionID, nodeID string, duration time.Duration, output map[string]any) {
	l.withMetrics(executionID, func(m *Metrics) { m.NodesExecuted++ })

	data := map[string]any{"duration_ms": duration.Milliseconds()}
	if len(output) > 0 {
		data["output"] = output
	}

	l.Log(executionID, models.LogLevelInfo, "Node completed", nodeID, data, nil)
}

// NodeFailure records a node that failed for good.
func (l *Logger) NodeFailure(executionID, nodeID string, attempts int, err error) {
	l.withMetrics(executionID, func(m *Metrics) { m.NodesFailed++ })

	l.Log(executionID, models.LogLevelError, "Node failed", nodeID, map[string]any{
		"attempts":  attempts,
		"retryable": IsRetryable(err),
	}, err)
}

// NodeRetry records a retry about to happen after delay.
func (l *Logger) NodeRetry(executionID, nodeID string, attempt int, delay time.Duration, err error) {
	l.withMetrics(executionID, func(m *Metrics) { m.Retries++ })

	l.Log(executionID, models.LogLevelWarn, "Retrying node", nodeID, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	}, err)
}

func (l *Logger) withMetrics(executionID string, fn func(*Metrics)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exec, ok := l.active[executionID]; ok {
		fn(&exec.metrics)
	}
}

// Entries returns a copy of an execution's log, active or within the grace period.
func (l *Logger) Entries(executionID string) ([]models.LogEntry, bool) {
	l.mu.Lock()
	exec, ok := l.active[executionID]

	if ok {
		out := append([]models.LogEntry(nil), exec.logs...)
		l.mu.Unlock()

		return out, true
	}

	l.mu.Unlock()

	if res, ok := l.completed.Get(executionID); ok {
		result, _ := res.(ExecutionResult)

		return append([]models.LogEntry(nil), result.Logs...), true
	}

	return nil, false
}

// Metrics returns the current node counters of an execution.
func (l *Logger) Metrics(executionID string) (Metrics, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exec, ok := l.active[executionID]; ok {
		return exec.metrics, true
	}

	if res, ok := l.completed.Get(executionID); ok {
		result, _ := res.(ExecutionResult)

		return result.Metrics, true
	}

	return Metrics{}, false
}

// Result returns the completed result of an execution within the grace period.
func (l *Logger) Result(executionID string) (ExecutionResult, bool) {
	res, ok := l.completed.Get(executionID)
	if !ok {
		return ExecutionResult{}, false
	}

	result, ok := res.(ExecutionResult)

	return result, ok
}

// Complete closes the log and returns the immutable result.
func (l *Logger) Complete(executionID string, status models.ExecutionStatus, cause error) (ExecutionResult, error) {
	l.mu.Lock()

	exec, ok := l.active[executionID]
	if !ok {
		l.mu.Unlock()

		if res, done := l.Result(executionID); done {
			return res, nil
		}

		return ExecutionResult{}, ErrUnknownExecution
	}

	delete(l.active, executionID)
	l.mu.Unlock()

	completedAt := l.now()
	result := ExecutionResult{
		ExecutionID: executionID,
		WorkflowID:  exec.workflowID,
		Status:      status,
		Logs:        append([]models.LogEntry(nil), exec.logs...),
		Metrics:     exec.metrics,
		StartedAt:   exec.startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(exec.startedAt),
	}

	if cause != nil {
		result.Error = cause.Error()
	}

	l.completed.SetDefault(executionID, result)

	return result, nil
}

// Active returns the number of open execution logs.
func (l *Logger) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.active)
}

func slogLevel(level models.LogLevel) slog.Level {
	switch level {
	case models.LogLevelDebug:
		return slog.LevelDebug
	case models.LogLevelWarn:
		return slog.LevelWarn
	case models.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
