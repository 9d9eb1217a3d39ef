// Package engine runs workflows: it checks rate limits, evaluates trigger nodes,
// runs action nodes with retries and escalates exhausted executions to the
// dead-letter queue.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/convoflow/pkg/deadletter"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/matcher"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/protocol"
	"github.com/dukex/convoflow/pkg/ratelimit"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxRetries          = 3
	DefaultDeadLetterThreshold = 3
	DefaultTimeout             = 5 * time.Minute
)

// Config tunes the engine.
type Config struct {
	// MaxRetries per action node; attempts are MaxRetries+1.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	// DeadLetterThreshold is the cumulative retry count across an execution
	// at which a failed execution is dead-lettered.
	DeadLetterThreshold int           `json:"dead_letter_threshold" yaml:"dead_letter_threshold" validate:"gte=1"`
	Timeout             time.Duration `json:"timeout"               yaml:"timeout"               validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:          DefaultMaxRetries,
		DeadLetterThreshold: DefaultDeadLetterThreshold,
		Timeout:             DefaultTimeout,
	}
}

// ActionResolver resolves action handlers by node type.
type ActionResolver interface {
	Resolve(actionType string) (protocol.ActionHandler, error)
}

// NodeValidator validates a single node's configuration.
type NodeValidator interface {
	ValidateNode(node *models.Node) models.ValidationResult
}

type Option func(*Engine)

func WithConfig(config Config) Option {
	return func(e *Engine) { e.config = config }
}

func WithRateLimiter(limiter ratelimit.Counter) Option {
	return func(e *Engine) { e.limiter = limiter }
}

// WithTierField sets the event data path holding the actor's rate-limit tier.
func WithTierField(path string) Option {
	return func(e *Engine) { e.tierField = path }
}

func WithMonitor(m *monitor.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

func WithPersistence(p persistence.Persistence) Option {
	return func(e *Engine) { e.persistence = p }
}

func WithPublisher(p eventbus.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

func WithPolicies(p executionlog.Policies) Option {
	return func(e *Engine) { e.policies = p }
}

func WithExecutionLogger(l *executionlog.Logger) Option {
	return func(e *Engine) { e.execLog = l }
}

func WithDeadLetters(m *deadletter.Manager) Option {
	return func(e *Engine) { e.deadLetters = m }
}

func WithValidator(v NodeValidator) Option {
	return func(e *Engine) { e.validator = v }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine executes workflows. Rate limiter, monitor, persistence, publisher
// and validator are optional collaborators.
type Engine struct {
	logger   *slog.Logger
	config   Config
	actions  ActionResolver
	matchers *matcher.Dispatcher
	policies executionlog.Policies
	tracer   trace.Tracer
	now      func() time.Time

	limiter     ratelimit.Counter
	tierField   string
	monitor     *monitor.Monitor
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	validator   NodeValidator
	execLog     *executionlog.Logger
	deadLetters *deadletter.Manager

	mu     sync.Mutex
	active map[string]*run
}

func New(log *slog.Logger, actions ActionResolver, matchers *matcher.Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		logger:   log.With("module", "engine"),
		config:   DefaultConfig(),
		actions:  actions,
		matchers: matchers,
		policies: executionlog.DefaultPolicies(),
		tracer:   otelhelper.Noop(),
		now:      time.Now,
		active:   make(map[string]*run),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.execLog == nil {
		e.execLog = executionlog.NewLogger(log)
	}

	if e.deadLetters == nil {
		e.deadLetters = deadletter.NewManager(log)
	}

	return e
}

// DeadLetters exposes the engine's dead-letter queue.
func (e *Engine) DeadLetters() *deadletter.Manager {
	return e.deadLetters
}

// ExecutionLogger exposes the in-flight execution logs.
func (e *Engine) ExecutionLogger() *executionlog.Logger {
	return e.execLog
}

// Active returns the ids of running executions.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}

	return ids
}
