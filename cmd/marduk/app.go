package main

import (
	"fmt"
	"path/filepath"

	"marduk/internal/config"
	"marduk/internal/contextcache"
	"marduk/internal/contextsvc"
	"marduk/internal/coordinator"
	"marduk/internal/embedding"
	"marduk/internal/health"
	"marduk/internal/llm"
	"marduk/internal/logging"
	"marduk/internal/memory"
	"marduk/internal/server"
	"marduk/internal/task"
)

// app is the composition root. Everything is wired once at startup and torn
// down in Close.
type app struct {
	cfg          *config.Config
	sink         *logging.Sink
	factory      *memory.Factory
	coordinator  *coordinator.Coordinator
	tasks        *task.Manager
	deferred     *task.DeferredHandler
	deliberation *task.Deliberation
	monitor      *health.Monitor
	hub          *server.Hub
	server       *server.Server
}

type appOptions struct {
	// inMemory skips memory persistence for one-shot commands.
	inMemory bool
	// withDispatcher routes deliberation batches over the worker channel.
	withDispatcher bool
}

func newApp(configPath string, opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sink, err := logging.NewSink(cfg.Logging.File, logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}

	a := &app{cfg: cfg, sink: sink}
	if err := a.wire(opts); err != nil {
		sink.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(opts appOptions) error {
	cfg := a.cfg
	dataRoot := filepath.Dir(cfg.Memory.DataDir)

	factory, err := memory.NewFactory(memory.FactoryOptions{
		DataDir:  cfg.Memory.DataDir,
		Capacity: cfg.Memory.Capacity,
		InMemory: opts.inMemory,
		Logger:   a.sink.Component("memory"),
	})
	if err != nil {
		return fmt.Errorf("memory factory: %w", err)
	}
	a.factory = factory

	stores := map[string]*memory.Store{}
	for _, name := range factory.Names() {
		store, err := factory.Subsystem(name)
		if err != nil {
			return fmt.Errorf("subsystem %s: %w", name, err)
		}
		stores[name] = store
	}

	// Retrieval sources, highest priority first: the four memory adapters,
	// then registered documents, recent activity, and the web stub.
	sourcesLogger := a.sink.Component("context")
	memorySources := []contextsvc.Source{
		contextsvc.NewFactualSource(stores[memory.SubsystemFactual], sourcesLogger),
		contextsvc.NewConceptSource(stores[memory.SubsystemConcept], sourcesLogger),
		contextsvc.NewEventSource(stores[memory.SubsystemEvent], sourcesLogger),
		contextsvc.NewWorkflowSource(stores[memory.SubsystemWorkflow], sourcesLogger),
	}
	manager := contextsvc.NewManager(sourcesLogger)
	documents := contextsvc.NewDocumentSource()
	for _, src := range memorySources {
		manager.Register(src)
	}
	manager.Register(documents)
	manager.Register(contextsvc.NewActivitySource())
	manager.Register(contextsvc.NewWebSource())

	cache := contextcache.New(contextcache.Options{
		Capacity: cfg.AI.CacheLimit,
		Logger:   a.sink.Component("cache"),
	})

	var persister *contextsvc.CachePersister
	if cfg.AI.EnableContextPersistence && !opts.inMemory {
		persister = contextsvc.NewCachePersister(cache, contextsvc.PersisterOptions{
			Dir:    filepath.Join(dataRoot, "context"),
			Logger: a.sink.Component("persist"),
		})
		if err := persister.Load(); err != nil {
			a.sink.Component("persist").Warn("context cache not restored: %v", err)
		}
	}

	var sim *embedding.Service
	provider, err := embedding.NewOpenAIProvider(embedding.Config{APIKey: cfg.OpenAI.APIKey})
	if err == nil {
		sim = embedding.NewService(provider, a.sink.Component("embedding"))
	}

	client, err := llm.NewOpenAIClient(llm.Config{
		APIKey:       cfg.OpenAI.APIKey,
		Model:        cfg.OpenAI.Model,
		BaseURL:      cfg.OpenAI.BaseURL,
		Organization: cfg.OpenAI.Organization,
	}, a.sink.Component("llm"))
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}
	client = llm.NewRetryClient(client, llm.APIRetryConfig(), a.sink.Component("llm"))

	coord, err := coordinator.New(coordinator.Deps{
		Cache:   cache,
		Sources: manager,
		Validator: contextsvc.NewValidator(contextsvc.ValidatorOptions{
			Strict: cfg.AI.StrictValidationMode,
			Logger: a.sink.Component("validator"),
		}),
		Persister:  persister,
		LLM:        client,
		Similarity: sim,
		Events:     stores[memory.SubsystemEvent],
		Documents:  documents,
		Fallback:   memorySources,
		Logger:     a.sink.Component("coordinator"),
	}, coordinator.Options{
		ContextLimit:        cfg.AI.ContextLimit,
		MaxSources:          cfg.AI.MaxSourcesPerQuery,
		SourceTimeout:       cfg.AI.SourceTimeout,
		DefaultTemperature:  cfg.AI.DefaultTemperature,
		DefaultMaxTokens:    cfg.AI.DefaultMaxTokens,
		EnablePersistence:   cfg.AI.EnableContextPersistence,
		PersistenceInterval: cfg.AI.ContextPersistenceInterval,
		EnableValidation:    cfg.AI.EnableContextValidation,
		ValidationInterval:  cfg.AI.ContextValidationInterval,
		AutoFix:             cfg.AI.AutoFixValidationIssues,
	})
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	a.coordinator = coord

	taskLogger := a.sink.Component("task")
	a.tasks = task.NewManager(task.ManagerOptions{
		Weights: task.Weights{
			BaseFactor:       cfg.Task.BaseFactor,
			UserFactor:       cfg.Task.UserFactor,
			AgingFactor:      cfg.Task.AgingFactor,
			UrgencyFactor:    cfg.Task.UrgencyFactor,
			ResourceFactor:   cfg.Task.ResourceFactor,
			DependencyFactor: cfg.Task.DependencyFactor,
			FailurePenalty:   cfg.Task.FailurePenalty,
			StalledBoost:     cfg.Task.StalledBoost,
			ContextBoost:     cfg.Task.ContextBoost,
			DecayRate:        cfg.Task.DecayRate,
			StalledThreshold: cfg.Task.StalledThreshold,
		},
		Resources: task.NewResourceMonitor(taskLogger),
		Logger:    taskLogger,
	})
	a.deferred = task.NewDeferredHandler(taskLogger)

	a.hub = server.NewHub(server.HubOptions{Logger: a.sink.Component("channel")})
	var dispatcher task.Dispatcher
	if opts.withDispatcher {
		dispatcher = a.hub
	}
	a.deliberation = task.NewDeliberation(a.tasks, a.deferred, dispatcher, task.DeliberationOptions{
		NotesPath: filepath.Join(dataRoot, "self-notes.json"),
		Logger:    a.sink.Component("deliberation"),
	})

	a.monitor = health.NewMonitor(health.Options{
		ResourceInterval:      cfg.Health.ResourceInterval,
		CheckInterval:         cfg.Health.CheckInterval,
		AlertCooldown:         cfg.Health.AlertCooldown,
		ResponseTimeThreshold: cfg.Health.ResponseTimeThreshold,
		Logger:                a.sink.Component("health"),
	})

	a.server = server.New(a.hub, coord, a.monitor, server.Options{
		Host:   cfg.Server.Host,
		Port:   cfg.Server.Port,
		Logger: a.sink.Component("server"),
	})
	return nil
}

// Close flushes context and memory state, then releases the log sink.
func (a *app) Close() error {
	var firstErr error
	if a.coordinator != nil {
		if err := a.coordinator.Shutdown(); err != nil {
			firstErr = err
		}
	}
	if a.factory != nil {
		if err := a.factory.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
