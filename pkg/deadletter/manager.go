// Package deadletter keeps executions that exhausted their retries. A
// bounded in-memory queue serves operational queries and replays; every
// record is also written once to a durable sink for auditing.
package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/models"
)

var ErrNotFound = errors.New("dead letter not found")

// Sink durably stores dead letters.
type Sink interface {
	Insert(ctx context.Context, record *models.DeadLetterRecord) error
}

type Manager struct {
	logger *slog.Logger
	sink   Sink
	now    func() time.Time

	mu    sync.Mutex
	queue *queue
}

type Option func(*Manager)

func WithSink(sink Sink) Option {
	return func(m *Manager) { m.sink = sink }
}

func WithCapacity(capacity int) Option {
	return func(m *Manager) { m.queue = newQueue(capacity) }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: log.With("module", "dead_letter"),
		queue:  newQueue(DefaultCapacity),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Enqueue adds the record unless its execution is already queued and
// reports whether it was added. Durable write errors are logged only.
func (m *Manager) Enqueue(ctx context.Context, record models.DeadLetterRecord) bool {
	if record.AddedAt.IsZero() {
		record.AddedAt = m.now().UTC()
	}

	m.mu.Lock()
	evicted, added := m.queue.push(record)
	m.mu.Unlock()

	if !added {
		m.logger.Debug("execution already dead-lettered", "execution_id", record.ExecutionID)

		return false
	}

	if evicted != nil {
		m.logger.Warn("dead letter queue full, evicted oldest entry",
			"evicted_execution_id", evicted.ExecutionID,
			"capacity", m.queue.capacity)
	}

	m.logger.Error("execution moved to dead letter queue",
		"execution_id", record.ExecutionID,
		"workflow_id", record.WorkflowID,
		"retry_count", record.RetryCount,
		"error", record.Error.Message)

	if m.sink != nil {
		if err := m.sink.Insert(context.WithoutCancel(ctx), &record); err != nil {
			m.logger.Error("failed to persist dead letter", "execution_id", record.ExecutionID, "error", err)
		}
	}

	return true
}

func (m *Manager) Get(executionID string) (models.DeadLetterRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.queue.get(executionID)
	if !ok {
		return models.DeadLetterRecord{}, false
	}

	return s.record, true
}

// List returns queued records oldest first, optionally for one workflow.
func (m *Manager) List(workflowID string) []models.DeadLetterRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.DeadLetterRecord, 0, m.queue.len())

	m.queue.each(func(r models.DeadLetterRecord) {
		if workflowID == "" || r.WorkflowID == workflowID {
			out = append(out, r)
		}
	})

	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queue.len()
}

// Remove drops the record from the live queue. The durable row stays.
func (m *Manager) Remove(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.queue.remove(executionID)

	return ok
}

// TakeForRetry removes the record from the live queue and returns it with
// the retry counter bumped and LastRetryAt stamped.
func (m *Manager) TakeForRetry(executionID string) (models.DeadLetterRecord, error) {
	m.mu.Lock()
	record, ok := m.queue.remove(executionID)
	m.mu.Unlock()

	if !ok {
		return models.DeadLetterRecord{}, ErrNotFound
	}

	now := m.now().UTC()
	record.RetryCount++
	record.LastRetryAt = &now

	m.logger.Info("retrying dead letter", "execution_id", executionID, "retry_count", record.RetryCount)

	return record, nil
}
