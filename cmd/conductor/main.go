// Command conductor runs the event-driven agent orchestration core: the
// file watcher, debouncer, memory-log bridge, completion pipeline, recovery
// manager, and coordinator, all wired over a shared event bus, with a thin
// HTTP surface for operators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/api"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/otelx"
	"github.com/kandev/conductor/internal/completion"
	"github.com/kandev/conductor/internal/coordinator"
	"github.com/kandev/conductor/internal/debounce"
	"github.com/kandev/conductor/internal/memorylog"
	"github.com/kandev/conductor/internal/readiness"
	"github.com/kandev/conductor/internal/recovery"
	"github.com/kandev/conductor/internal/router"
	"github.com/kandev/conductor/internal/stateintegration"
	"github.com/kandev/conductor/internal/store"
	"github.com/kandev/conductor/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("conductor exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Provide(&cfg.Database)
	if err != nil {
		return fmt.Errorf("provide store: %w", err)
	}
	defer closeStore()

	eventBus, closeBus, err := newBus(cfg, log)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	defer closeBus()

	msgRouter := router.New(eventBus)
	subs := router.NewSubscriptionManager(eventBus)
	watchDiagnostics(subs, log)

	agents := agent.New(st)

	graph, err := readiness.NewGraph(map[string][]string{})
	if err != nil {
		return fmt.Errorf("build dependency graph: %w", err)
	}
	coord := coordinator.New(graph, eventBus, log)
	coord.Initialize(cfg.Coordinator.InitialCompleted, toHandoffDeclarations(cfg.Coordinator.Handoffs))

	updater := completion.NewUpdater(st, agents, eventBus, log)
	poller := completion.NewPoller(completion.Intervals{
		Active: cfg.Completion.ActiveInterval, Queued: cfg.Completion.QueuedInterval, Completed: cfg.Completion.CompletedInterval,
		RetryDelays: cfg.Completion.RetryDelays, MaxRetries: cfg.Completion.MaxRetries,
	}, log)
	wireCompletionPipeline(eventBus, poller, updater, agents, log, completion.Strictness(cfg.Completion.Strictness))

	fileWatcher := watcher.New(cfg.Watcher.WatchDir, log)
	fileWatcher.StabilityThreshold = cfg.Watcher.StabilityThreshold
	fileWatcher.RestartDelay = cfg.Watcher.RestartDelay
	fileWatcher.MaxConsecutiveFailures = cfg.Watcher.MaxConsecutiveFailures

	bridge := stateintegration.New(eventBus, log)
	bridge.SetReplayBufferSize(cfg.Watcher.ReplayBufferSize)

	debouncer := debounce.New(cfg.Watcher.DebounceDelay, bridge.HandleDebouncedEvent)
	for _, pattern := range cfg.Watcher.CriticalPathPatterns {
		if err := debouncer.AddCriticalPattern(pattern); err != nil {
			log.Warn("invalid critical path pattern", zap.String("pattern", pattern), zap.Error(err))
		}
	}

	fileWatcher.OnEvent(func(ev watcher.FileEvent) {
		debouncer.Record(ev.Path, toDebounceKind(ev.EventType))
	})
	fileWatcher.OnError(func(err error) {
		log.Error("watcher failure", zap.Error(err))
	})

	recoveryMgr := recovery.New(agents, eventBus, recovery.Config{
		ScanInterval: cfg.Recovery.ScanInterval, HeartbeatTimeout: cfg.Recovery.HeartbeatTimeout, MaxRetryAttempts: cfg.Recovery.MaxRetryAttempts,
	}, log)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	apiServer := api.NewServer(httpAddr, agents, coord, eventBus, st, log)

	if err := fileWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	recoveryMgr.Start(ctx)

	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			log.Error("api server stopped", zap.Error(err))
		}
	}()

	_, _ = msgRouter.Broadcast(ctx, map[string]any{"event": "conductor-started"})
	log.Info("conductor started", zap.String("watchDir", cfg.Watcher.WatchDir), zap.String("httpAddr", httpAddr))

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	fileWatcher.Stop()
	debouncer.Flush()
	recoveryMgr.Stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown failed", zap.Error(err))
	}
	if err := otelx.Shutdown(shutdownCtx); err != nil {
		log.Error("tracing shutdown failed", zap.Error(err))
	}
	eventBus.Shutdown()

	log.Info("conductor stopped cleanly")
	return nil
}

func newBus(cfg *config.Config, log *logger.Logger) (bus.Bus, func(), error) {
	if cfg.NATS.URL == "" {
		b := bus.NewMemoryBus(log)
		return b, func() {}, nil
	}
	b, err := bus.NewNATSBus(cfg.NATS.URL, log)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Shutdown, nil
}

func toHandoffDeclarations(seeds []config.HandoffSeed) []coordinator.HandoffDeclaration {
	out := make([]coordinator.HandoffDeclaration, len(seeds))
	for i, s := range seeds {
		out[i] = coordinator.HandoffDeclaration{
			ProducerTask: s.ProducerTask, ProducerAgent: s.ProducerAgent,
			ConsumerTask: s.ConsumerTask, ConsumerAgent: s.ConsumerAgent,
		}
	}
	return out
}

func toDebounceKind(t watcher.EventType) debounce.EventKind {
	switch t {
	case watcher.EventAdd:
		return debounce.KindAdd
	case watcher.EventUnlink:
		return debounce.KindUnlink
	default:
		return debounce.KindChange
	}
}

// watchDiagnostics logs the bus's own bookkeeping topics so listener leaks
// and duplicate subscriptions surface in the operator's logs.
func watchDiagnostics(subs *router.SubscriptionManager, log *logger.Logger) {
	logTopic := func(topic string) {
		if _, err := subs.Subscribe(topic, func(_ context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
			log.Warn("bus diagnostic", zap.String("topic", topic), zap.Any("data", env.Data))
			return nil, nil
		}); err != nil {
			log.Error("diagnostic subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	logTopic(bus.TopicListenerLeakWarning)
	logTopic(bus.TopicDuplicateSubscription)
	logTopic(bus.TopicBusError)
}

// wireCompletionPipeline arms the poller when a task starts and runs the
// parse/validate/commit chain when the bridge reports a task completed.
func wireCompletionPipeline(b bus.Bus, poller *completion.Poller, updater *completion.Updater, agents *agent.Repo, log *logger.Logger, strictness completion.Strictness) {
	poller.OnPollError(func(taskID string, err error, retryAttempt int) {
		log.Warn("completion poll error", zap.String("taskId", taskID), zap.Error(err), zap.Int("retryAttempt", retryAttempt))
	})

	b.On("state-update:task-started", func(_ context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		ev, ok := env.Data.(stateintegration.StateUpdateEvent)
		if !ok {
			return nil, nil
		}
		poller.StartPolling(ev.TaskID, ev.SourcePath, completion.TierActive)
		return nil, nil
	})

	b.On("state-update:task-completed", func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		ev, ok := env.Data.(stateintegration.StateUpdateEvent)
		if !ok {
			return nil, nil
		}
		poller.StopPolling(ev.TaskID)

		content, err := os.ReadFile(ev.SourcePath)
		if err != nil {
			log.Error("completion: read source failed", zap.String("path", ev.SourcePath), zap.Error(err))
			return nil, err
		}
		rec, err := memorylog.Parse(ev.SourcePath, content)
		if err != nil {
			log.Error("completion: parse failed", zap.String("path", ev.SourcePath), zap.Error(err))
			return nil, err
		}

		if _, err := agents.Get(ctx, ev.AgentID); err != nil {
			log.Warn("completion: unknown agent, skipping commit", zap.String("agentId", ev.AgentID), zap.Error(err))
			return &bus.CancelResult{Cancel: true, Reason: "unknown agent"}, nil
		}

		report := completion.Validate(completion.FrontmatterFields{
			Agent: rec.AgentID, TaskRef: rec.TaskRef, Status: string(rec.Status),
			AdHocDelegation: &rec.HasAdHocDelegation, CompatibilityIssue: &rec.HasCompatibilityIssues, ImportantFindings: &rec.HasImportantFindings,
		}, rec.Body, strictness)
		if report.Blocked {
			log.Warn("completion blocked by validation", zap.String("taskId", ev.TaskID), zap.Any("findings", report.Findings))
			return &bus.CancelResult{Cancel: true, Reason: "validation blocked"}, nil
		}

		pc := completion.ParseCompletion(rec)
		err = updater.UpdateTaskCompletion(ctx, completion.CompletionData{
			TaskID: pc.TaskRef, AgentID: ev.AgentID, Status: string(pc.Status),
			CompletedAt: pc.CompletionTimestamp, Deliverables: pc.Deliverables, TestResults: pc.TestResults, QualityGates: pc.QualityGates,
		})
		if err != nil {
			log.Error("completion: update failed", zap.String("taskId", ev.TaskID), zap.Error(err))
			return nil, err
		}
		return nil, nil
	})
}
