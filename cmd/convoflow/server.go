package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/convoflow/pkg/audit"
	"github.com/dukex/convoflow/pkg/cmd"
	"github.com/dukex/convoflow/pkg/compiler"
	"github.com/dukex/convoflow/pkg/config"
	"github.com/dukex/convoflow/pkg/deadletter"
	"github.com/dukex/convoflow/pkg/engine"
	"github.com/dukex/convoflow/pkg/eventbus"
	"github.com/dukex/convoflow/pkg/events"
	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/matcher"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/monitor"
	"github.com/dukex/convoflow/pkg/otelhelper"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/scheduler"
	"github.com/dukex/convoflow/pkg/services"
	"github.com/dukex/convoflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 10 * time.Second

// Options are the serve command's flags.
type Options struct {
	DatabaseURL  string
	EventBus     string
	KafkaBrokers string
	RedisURL     string
	ConfigPath   string
	AnalyticsLog string
	Tracing      bool
}

// Server owns every long lived component of a convoflow process.
type Server struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *engine.Engine
	dispatcher  *engine.Dispatcher
	scheduler   *scheduler.Scheduler
	app         *fiber.App
	closers     []func(ctx context.Context) error
}

func NewServer(ctx context.Context, logger *slog.Logger, opts Options) (*Server, error) {
	srv := &Server{logger: logger}

	if err := srv.build(ctx, opts); err != nil {
		srv.close(context.WithoutCancel(ctx))

		return nil, err
	}

	return srv, nil
}

func (s *Server) build(ctx context.Context, opts Options) error {
	logger := s.logger

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}

	tracer := otelhelper.Noop()

	if opts.Tracing {
		var shutdown otelhelper.ShutdownFunc

		tracer, shutdown, err = otelhelper.NewTracer(ctx, "convoflow")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		s.onClose(shutdown)
	}

	s.persistence, err = cmd.NewPersistence(ctx, logger, opts.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}

	s.onClose(s.persistence.Close)

	s.eventBus, err = cmd.NewEventBus(logger, opts.EventBus, opts.KafkaBrokers)
	if err != nil {
		return err
	}

	s.onClose(func(context.Context) error { return s.eventBus.Close() })

	var logOpts []executionlog.Option

	if opts.AnalyticsLog != "" {
		sink, err := audit.NewFileSink(opts.AnalyticsLog)
		if err != nil {
			return err
		}

		logOpts = append(logOpts, executionlog.WithSink(sink))
		s.onClose(func(context.Context) error { return sink.Close() })
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mon, err := monitor.New(logger,
		monitor.WithRegisterer(promRegistry),
		monitor.WithRules(cfg.Alerts),
		monitor.WithNotifier(s.alertNotifier()),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	limiter, err := cmd.NewRateLimiter(ctx, logger, cfg.RateLimit, opts.RedisURL)
	if err != nil {
		return err
	}

	s.onClose(func(context.Context) error { return limiter.Close() })

	registry := cmd.NewRegistry(logger)
	graphCompiler := compiler.New(logger, registry)
	matchers := matcher.NewDispatcher(logger)

	engineOpts := []engine.Option{
		engine.WithConfig(cfg.Engine),
		engine.WithPolicies(cfg.Retry),
		engine.WithMonitor(mon),
		engine.WithPersistence(s.persistence),
		engine.WithPublisher(s.eventBus),
		engine.WithTracer(tracer),
		engine.WithValidator(graphCompiler),
		engine.WithExecutionLogger(executionlog.NewLogger(logger, logOpts...)),
		engine.WithDeadLetters(deadletter.NewManager(logger,
			deadletter.WithCapacity(cfg.DeadLetter.Capacity),
			deadletter.WithSink(s.persistence.DeadLetterRepository()),
		)),
	}

	if limiter != nil {
		engineOpts = append(engineOpts, engine.WithRateLimiter(limiter.Limiter), engine.WithTierField(limiter.TierField))
	}

	s.engine = engine.New(logger, registry, matchers, engineOpts...)
	s.dispatcher = engine.NewDispatcher(logger, s.engine, s.persistence.WorkflowRepository(), matchers, cfg.Dispatcher.MaxConcurrent)

	s.scheduler, err = newScheduler(logger, cfg.Schedule, mon, limiter)
	if err != nil {
		return err
	}

	workflows := services.NewWorkflow(logger, s.persistence, graphCompiler)

	handlers := web.NewAPIHandlers(logger, validator.New(validator.WithRequiredStructEnabled()), web.Dependencies{
		Workflows:   workflows,
		Nodes:       services.NewNode(workflows),
		Actions:     registry,
		Engine:      s.engine,
		Dispatcher:  s.dispatcher,
		Monitor:     mon,
		Persistence: s.persistence,
		Publisher:   s.eventBus,
	})

	s.app = web.App(handlers, promRegistry)

	return nil
}

func newScheduler(logger *slog.Logger, cfg config.Schedule, mon *monitor.Monitor, limiter *cmd.RateLimiter) (*scheduler.Scheduler, error) {
	s := scheduler.New(logger)

	jobs := []scheduler.Job{scheduler.PruneJob(mon, cfg.Prune)}

	if limiter != nil {
		jobs = append(jobs, scheduler.JanitorJob(logger, limiter.Limiter, cfg.Janitor))

		if limiter.Adaptive != nil {
			jobs = append(jobs, scheduler.AdaptiveJob(limiter.Adaptive, cfg.Adaptive))
		}
	}

	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// alertNotifier republishes alerts on the bus and stores them as operator
// notifications.
func (s *Server) alertNotifier() monitor.Notifier {
	return monitor.NotifierFunc(func(ctx context.Context, alert models.Alert) error {
		var errs []error

		if s.persistence != nil {
			errs = append(errs, s.persistence.NotificationRepository().Insert(ctx, &models.Notification{
				ID:          uuid.New().String(),
				Kind:        models.NotificationAlert,
				Severity:    alert.Severity,
				Title:       alert.RuleName,
				Message:     alert.Message,
				WorkflowID:  alert.WorkflowID,
				ExecutionID: alert.ExecutionID,
				CreatedAt:   alert.TriggeredAt,
			}))
		}

		if s.eventBus != nil {
			event := events.AlertTriggered{
				BaseEvent: events.NewBaseEvent(events.AlertTriggeredEvent, alert.WorkflowID),
				Alert:     alert,
			}
			errs = append(errs, s.eventBus.Publish(ctx, alert.ID, event))
		}

		return errors.Join(errs...)
	})
}

// handleEventReceived dispatches envelopes queued on the ingress topic.
func (s *Server) handleEventReceived(ctx context.Context, event any) error {
	received, ok := event.(*events.EventReceived)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	results, err := s.dispatcher.DispatchEnvelope(ctx, received.Envelope)
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Dispatched queued event",
		"event_id", received.ID,
		"event", received.Envelope.Name,
		"matched", len(results))

	return nil
}

// Run serves the API until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	defer s.close(context.WithoutCancel(ctx))

	if err := s.eventBus.Handle(events.EventReceivedEvent, s.handleEventReceived); err != nil {
		return fmt.Errorf("failed to register event handler: %w", err)
	}

	if err := s.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	s.scheduler.Start()

	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "Convoflow API listening", "port", port, "jobs", s.scheduler.Jobs())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	s.scheduler.Stop(shutdownCtx)

	for _, id := range s.engine.Active() {
		s.engine.Stop(id)
	}

	return s.app.ShutdownWithContext(shutdownCtx)
}

func (s *Server) onClose(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (s *Server) close(ctx context.Context) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger.Error("Failed to release resource", "error", err)
		}
	}

	s.closers = nil
}
