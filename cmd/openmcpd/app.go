package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"OpenMCP-Orchestrator/internal/bus"
	"OpenMCP-Orchestrator/internal/config"
	"OpenMCP-Orchestrator/internal/llm"
	"OpenMCP-Orchestrator/internal/llm/openai"
	"OpenMCP-Orchestrator/internal/llm/pythonbridge"
	"OpenMCP-Orchestrator/internal/memory"
	"OpenMCP-Orchestrator/internal/observability/alerting"
	"OpenMCP-Orchestrator/internal/observability/tracing"
	"OpenMCP-Orchestrator/internal/permission"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/pipeline/heuristic"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/internal/tools"
	"OpenMCP-Orchestrator/internal/tools/builtin"
	"OpenMCP-Orchestrator/internal/web3/provider"
	"OpenMCP-Orchestrator/pkg/logger"
	"OpenMCP-Orchestrator/pkg/plugin"
)

// application 持有进程内的全部组件。closers 按创建的逆序释放。
type application struct {
	cfg          *config.Config
	bus          *bus.Bus
	registry     *tools.Registry
	executor     *tools.Executor
	permissions  *permission.Catalogue
	storage      task.TaskStorage
	queue        task.Queue
	orchestrator *task.Orchestrator
	tasks        *task.Service
	processor    *task.Processor
	pipeline     *pipeline.Pipeline
	logger       *slog.Logger
	closers      []func()
}

func (a *application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close 释放全部资源。
func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// buildApplication 按配置依次装配：日志、追踪、事件总线、工具、权限、任务、记忆、流水线。
func buildApplication(ctx context.Context, cfg *config.Config) (app *application, err error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	app = &application{cfg: cfg, logger: logger.Named("openmcpd")}
	app.onClose(func() { _ = logger.Sync() })
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	app.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	})

	app.bus = bus.New(bus.WithLogger(logger.Named("bus")))
	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		bridge, err := bus.DialNATSBridge(app.bus, url, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		app.onClose(func() { _ = bridge.Close() })
	}

	if err := app.buildTools(ctx); err != nil {
		return nil, err
	}
	if err := app.buildTasks(ctx); err != nil {
		return nil, err
	}
	store, err := app.buildMemory(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.buildPipeline(store); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *application) buildTools(ctx context.Context) error {
	cfg := a.cfg
	a.registry = tools.NewRegistry()
	if err := builtin.RegisterSystem(a.registry); err != nil {
		return err
	}
	if cfg.Web3.RPCURL != "" || cfg.Web3.ChainConfig != "" {
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		a.onClose(chains.Close)
		if err := builtin.RegisterChain(a.registry, chains); err != nil {
			return err
		}
	}

	seeds := make([]permission.Seed, 0, len(cfg.Permissions.Users))
	for _, user := range cfg.Permissions.Users {
		seeds = append(seeds, permission.Seed{ID: user.ID, Permissions: user.Permissions})
	}
	a.permissions = permission.NewCatalogue(seeds, cfg.Permissions.Default)

	opts := []tools.ExecutorOption{
		tools.WithPermissionValidator(a.permissions),
		tools.WithEventBus(a.bus),
		tools.WithDefaultTimeout(time.Duration(cfg.Executor.DefaultTimeoutMS) * time.Millisecond),
		tools.WithStateCaptureByDefault(cfg.Executor.CaptureState),
	}
	if cfg.Executor.RecordHistory {
		opts = append(opts, tools.WithHistoryRecorder(tools.AuditRecorder{}))
	}
	a.executor = tools.NewExecutor(a.registry, opts...)

	if len(cfg.Plugins.Plugins) > 0 {
		plugins, err := plugin.NewManager(a.registry, cfg.Plugins,
			plugin.WithResource("bus", a.bus),
			plugin.WithResource("executor", a.executor),
		)
		if err != nil {
			return err
		}
		if err := plugins.StartAll(ctx); err != nil {
			return err
		}
		a.onClose(func() { _ = plugins.StopAll(context.Background()) })
	}
	a.logger.Info("工具注册完成", slog.Int("tools", a.registry.Count()))
	return nil
}

func (a *application) buildTasks(ctx context.Context) error {
	cfg := a.cfg
	storeCfg := cfg.Storage.TaskStore
	switch storeCfg.Driver {
	case "memory":
		a.storage = task.NewMemoryStorage()
	case "mysql", "sqlite":
		if storeCfg.Driver == "sqlite" {
			if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
				return fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
		sqlStore, err := task.NewSQLStorage(ctx, task.SQLConfig{
			Driver:          storeCfg.Driver,
			DSN:             storeCfg.DSN,
			MaxOpenConns:    storeCfg.MaxOpenConns,
			MaxIdleConns:    storeCfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(storeCfg.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		a.storage = sqlStore
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", storeCfg.Driver)
	}
	a.onClose(func() { _ = a.storage.Close() })

	queueCfg := cfg.TaskQueue
	switch queueCfg.Driver {
	case "direct":
	case "memory":
		a.queue = task.NewMemoryQueue(queueCfg.BufferSize, queueCfg.MaxDeliveries)
	case "redis":
		q, err := task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:       queueCfg.Redis.Address,
			Password:      queueCfg.Redis.Password,
			DB:            queueCfg.Redis.DB,
			Queue:         queueCfg.Redis.Key,
			MaxDeliveries: queueCfg.MaxDeliveries,
		})
		if err != nil {
			return err
		}
		a.queue = q
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:                queueCfg.RabbitMQ.URL,
			Queue:              queueCfg.RabbitMQ.Queue,
			Prefetch:           queueCfg.RabbitMQ.Prefetch,
			Durable:            true,
			DeadLetterExchange: queueCfg.RabbitMQ.DeadLetterExchange,
			MaxDeliveries:      queueCfg.MaxDeliveries,
		})
		if err != nil {
			return err
		}
		a.queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", queueCfg.Driver)
	}
	if a.queue != nil {
		a.onClose(func() { _ = a.queue.Close() })
	}

	// 提交时逐步校验权限；执行时每个步骤再以提交者身份校验一次，覆盖从队列恢复的任务。
	stepExec := a.executor.OwnedStepExecutor(tools.ExecutionContext{UserID: permission.AnonymousUser}, task.OwnerFromContext)
	a.orchestrator = task.NewOrchestrator(
		task.WithMaxConcurrent(cfg.Orchestrator.MaxConcurrent),
		task.WithCascadeFailures(cfg.Orchestrator.CascadeFailures),
		task.WithStepExecutor(task.StepExecutor(stepExec)),
		task.WithStorage(a.storage),
		task.WithEventBus(a.bus),
	)
	a.onClose(a.orchestrator.Close)

	var producer task.Producer
	if a.queue != nil {
		producer = a.queue
	}
	a.tasks = task.NewService(a.orchestrator, a.storage, producer, task.WithStepAuthorizer(a.executor.AuthorizeStep))

	processorOpts := []task.ProcessorOption{task.WithWorkerCount(queueCfg.Workers)}
	if dispatcher := buildAlerting(cfg.Alerting); dispatcher != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(dispatcher))
	}
	var consumer task.Consumer
	if a.queue != nil {
		consumer = a.queue
	}
	a.processor = task.NewProcessor(a.orchestrator, a.storage, consumer, processorOpts...)
	a.onClose(a.processor.AlertOnFailure(a.bus))
	return nil
}

func buildAlerting(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(url, time.Duration(cfg.TimeoutMS)*time.Millisecond))
	}
	return alerting.NewFanout(notifiers...)
}

func (a *application) buildMemory(ctx context.Context) (memory.Store, error) {
	cfg := a.cfg.Memory
	var sources memory.Multi
	switch cfg.Driver {
	case "ring":
		sources = append(sources, memory.NewRing(cfg.Capacity))
	case "redis":
		store, err := memory.NewRedisStore(ctx, memory.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
			Capacity: cfg.Capacity,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = store.Close() })
		sources = append(sources, store)
	default:
		return nil, fmt.Errorf("不支持的记忆存储驱动: %s", cfg.Driver)
	}
	if cfg.KnowledgeFile != "" {
		knowledge, err := memory.LoadKnowledge(cfg.KnowledgeFile, a.cfg.Pipeline.MemoryLimit)
		if err != nil {
			return nil, err
		}
		sources = append(sources, knowledge)
	}
	return sources, nil
}

func (a *application) buildPipeline(store memory.Store) error {
	cfg := a.cfg
	policy, err := heuristic.NewPolicy(a.registry)
	if err != nil {
		return err
	}
	var planner pipeline.PlanningEngine = heuristic.NewPlanner(a.registry)
	if cfg.Pipeline.Planner != "heuristic" {
		client, err := newLLMClient(cfg)
		if err != nil {
			return err
		}
		planner = llm.NewPlanner(client, a.registry,
			llm.WithFallback(planner),
			llm.WithTimeout(time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond),
			llm.WithMemoryDepth(cfg.LLM.MemoryDepth),
		)
	}

	opts := []pipeline.Option{
		pipeline.WithConfig(pipeline.Config{
			MemoryEnabled: cfg.Pipeline.MemoryEnabled,
			MemoryLimit:   cfg.Pipeline.MemoryLimit,
			StepDelay:     time.Duration(cfg.Pipeline.StepDelayMS) * time.Millisecond,
			ForcePipeline: cfg.Pipeline.ForcePipeline,
			OutputFormat:  cfg.Pipeline.OutputFormat,
		}),
		pipeline.WithIntentEngine(heuristic.NewIntentClassifier()),
		pipeline.WithPlanner(planner),
		pipeline.WithReasoner(heuristic.NewLevelOptimizer()),
		pipeline.WithSafetyEngine(policy),
		pipeline.WithRouter(heuristic.NewRouter(a.registry)),
		pipeline.WithOutputEngine(heuristic.NewFormatter(cfg.Pipeline.OutputFormat)),
		pipeline.WithMemory(store),
		pipeline.WithEventBus(a.bus),
		pipeline.WithTracer(tracing.Tracer("openmcp/pipeline")),
	}
	if cfg.Pipeline.Execution == "tools" {
		opts = append(opts, pipeline.WithStepRunner(pipeline.NewToolRunner(a.executor)))
	}
	p, err := pipeline.New(opts...)
	if err != nil {
		return err
	}
	a.pipeline = p
	return nil
}

func newLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.Pipeline.Planner {
	case "python":
		script := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.Executable, script, cfg.LLM.Python.WorkingDir)
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("openai 规划器需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.TimeoutMS) * time.Millisecond,
		})
	default:
		return nil, fmt.Errorf("未知的规划器: %s", cfg.Pipeline.Planner)
	}
}
