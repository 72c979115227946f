package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shawkridge/athena/internal/api/handlers"
	mw "github.com/shawkridge/athena/internal/api/middleware"
	"github.com/shawkridge/athena/internal/config"
	"github.com/shawkridge/athena/internal/db"
	"github.com/shawkridge/athena/internal/domain"
	"github.com/shawkridge/athena/internal/embedding"
	"github.com/shawkridge/athena/internal/ingest"
	"github.com/shawkridge/athena/internal/llm"
	"github.com/shawkridge/athena/internal/service"
	"github.com/shawkridge/athena/internal/store"
)

// Compile-time checks that the concrete stores satisfy their interfaces.
var (
	_ domain.EpisodicStore      = (*store.EpisodicStore)(nil)
	_ domain.SemanticStore      = (*store.SemanticStore)(nil)
	_ domain.ProcedureStore     = (*store.ProcedureStore)(nil)
	_ domain.TaskStore          = (*store.TaskStore)(nil)
	_ domain.GraphStore         = (*store.GraphStore)(nil)
	_ domain.MetaStore          = (*store.MetaStore)(nil)
	_ domain.WorkingMemoryStore = (*store.WorkingMemoryStore)(nil)
	_ domain.SessionStore       = (*store.SessionStore)(nil)
	_ domain.CursorStore        = (*store.CursorStore)(nil)
)

// App wires the whole system: stores, engines, workers, and the HTTP router.
type App struct {
	Router *chi.Mux

	Manager       *service.Manager
	Consolidation *service.ConsolidationService
	Decay         *service.DecaySweeper
	Pipeline      *ingest.Pipeline

	Degraded bool

	logger *zap.Logger
}

// NewApp builds the dependency graph bottom-up: clients, stores, engines,
// facade, router.
func NewApp(ctx context.Context, pool *db.Pool, cfg *config.Config, logger *zap.Logger) (*App, error) {
	embedder, degraded, err := embedding.NewWithFallback(ctx, cfg.Embed, logger)
	if err != nil {
		return nil, err
	}
	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	episodicStore := store.NewEpisodicStore(pool)
	semanticStore := store.NewSemanticStore(pool)
	procedureStore := store.NewProcedureStore(pool)
	taskStore := store.NewTaskStore(pool)
	graphStore := store.NewGraphStore(pool)
	metaStore := store.NewMetaStore(pool)
	wmStore := store.NewWorkingMemoryStore(pool)
	sessionStore := store.NewSessionStore(pool)
	cursorStore := store.NewCursorStore(pool)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	verifier := service.NewVerifyService(cfg.Verify, cfg.Embed.Dimension, logger)
	observer := service.NewObserver(cfg.Verify.ConfidenceFloor, registry, logger)

	wmService := service.NewWorkingMemoryService(wmStore, embedder, cfg.Work, logger)
	decay := service.NewDecaySweeper(wmService, wmStore,
		time.Duration(cfg.Work.PruneIntervalS)*time.Second, logger)

	consol := service.NewConsolidationService(
		episodicStore, semanticStore, graphStore, procedureStore, metaStore,
		embedder, llmClient, observer, cfg.Consol, logger)

	recallSvc := service.NewRecallService(
		episodicStore, semanticStore, procedureStore, taskStore, graphStore,
		metaStore, wmService, sessionStore, embedder, llmClient,
		verifier, observer, cfg.Recall, degraded, logger)

	prospective := service.NewProspectiveService(taskStore, logger)
	graphSvc := service.NewGraphService(graphStore, embedder, logger)
	sessionSvc := service.NewSessionService(
		sessionStore, episodicStore, semanticStore, wmService, consol, logger)

	manager := service.NewManager(
		pool, episodicStore, semanticStore, procedureStore, taskStore,
		graphStore, wmService, recallSvc, consol, verifier, observer,
		embedder, llmClient, logger)

	pipeline, err := ingest.NewPipeline(episodicStore, cursorStore, embedder, degraded, cfg.Ingest, logger)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(mw.RequestID)
	r.Use(mw.Logging(logger))
	r.Use(mw.NewHTTPMetrics(registry).Middleware)
	r.Use(mw.RateLimit(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))

	memoryH := handlers.NewMemoryHandler(manager, semanticStore)
	episodicH := handlers.NewEpisodicHandler(episodicStore, embedder)
	consolH := handlers.NewConsolidationHandler(manager, consol)
	prospectiveH := handlers.NewProspectiveHandler(prospective)
	graphH := handlers.NewGraphHandler(graphSvc)
	observerH := handlers.NewObserverHandler(manager, observer)
	sessionH := handlers.NewSessionHandler(sessionSvc)
	wmH := handlers.NewWorkingMemoryHandler(wmService)
	ingestH := handlers.NewIngestHandler(pipeline)

	r.Get("/healthz", observerH.Health)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/memory", func(r chi.Router) {
			recallCap := mw.NewProjectConcurrency(4)
			r.Post("/remember", memoryH.Remember)
			r.With(recallCap.Middleware).Post("/recall", memoryH.Recall)
			r.Delete("/{id}", memoryH.Forget)
			r.Get("/", memoryH.ListMemories)
			r.Get("/stats", memoryH.Stats)
			r.Post("/optimize", memoryH.Optimize)
			r.Post("/outcome", memoryH.RecordOutcome)
		})

		r.Route("/events", func(r chi.Router) {
			r.Post("/", episodicH.RecordEvent)
			r.Get("/", episodicH.RecallEvents)
			r.Get("/timeline", episodicH.Timeline)
		})

		r.Route("/consolidation", func(r chi.Router) {
			r.Post("/run", consolH.Consolidate)
			r.Post("/schedule", consolH.Schedule)
			r.Get("/status", consolH.Status)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", prospectiveH.CreateTask)
			r.Post("/goals", prospectiveH.SetGoal)
			r.Patch("/{id}", prospectiveH.UpdateTask)
			r.Get("/", prospectiveH.ListTasks)
			r.Get("/active", prospectiveH.ActiveGoals)
			r.Get("/due", prospectiveH.DueBefore)
			r.Post("/{id}/dependencies", prospectiveH.AddDependency)
			r.Post("/fire-triggers", prospectiveH.FireTriggers)
		})

		r.Route("/graph", func(r chi.Router) {
			r.Post("/entities", graphH.CreateEntity)
			r.Post("/relations", graphH.CreateRelation)
			r.Get("/search", graphH.SearchGraph)
			r.Get("/entities/{id}/neighborhood", graphH.Neighborhood)
			r.Get("/entities/{id}/community", graphH.CommunityOf)
			r.Get("/path", graphH.ShortestPath)
			r.Get("/communities", graphH.Communities)
			r.Post("/communities/compute", graphH.ComputeCommunities)
		})

		r.Route("/observer", func(r chi.Router) {
			r.Get("/health", observerH.HealthDetailed)
			r.Post("/verify", observerH.Verify)
			r.Get("/decisions", observerH.Decisions)
			r.Get("/violations", observerH.Violations)
			r.Get("/operations", observerH.OperationHealth)
			r.Get("/anomalies", observerH.Anomalies)
			r.Get("/recommendations", observerH.Recommendations)
			r.Get("/calibration", observerH.Calibration)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionH.Start)
			r.Get("/", sessionH.List)
			r.Get("/{id}", sessionH.Get)
			r.Post("/{id}/end", sessionH.End)
			r.Post("/{id}/events", sessionH.RecordEvent)
			r.Patch("/{id}/context", sessionH.UpdateContext)
			r.Get("/{id}/working-memory", sessionH.WorkingMemory)
		})

		r.Route("/working-memory", func(r chi.Router) {
			r.Post("/", wmH.Insert)
			r.Get("/", wmH.GetCurrent)
			r.Post("/{id}/touch", wmH.Touch)
			r.Post("/evict", wmH.EvictWeakest)
			r.Post("/decay", wmH.ApplyDecay)
			r.Delete("/", wmH.Clear)
		})

		r.Route("/ingest", func(r chi.Router) {
			r.Post("/sources", ingestH.AddSource)
			r.Get("/stats", ingestH.Stats)
			r.Get("/kinds", ingestH.Kinds)
		})
	})

	return &App{
		Router:        r,
		Manager:       manager,
		Consolidation: consol,
		Decay:         decay,
		Pipeline:      pipeline,
		Degraded:      degraded,
		logger:        logger,
	}, nil
}

// Start launches the background workers.
func (a *App) Start() {
	a.Consolidation.Start()
	a.Decay.Start()
	a.Pipeline.Start()
	a.logger.Info("background workers started")
}

// Stop shuts the workers down in reverse order and waits for them.
func (a *App) Stop() {
	a.Pipeline.Stop()
	a.Decay.Stop()
	a.Consolidation.Stop()
	a.logger.Info("background workers stopped")
}

// Handler returns the root handler, mostly for tests.
func (a *App) Handler() http.Handler { return a.Router }
