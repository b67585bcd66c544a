// Package app wires every core component (orchestrator, breaker registry,
// request queue, metrics, recovery, persistence, discovery, security) into
// a single running process and owns the HTTP surface the fleet is driven
// through.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/olla-router/olla/internal/adapter/balancer"
	"github.com/olla-router/olla/internal/adapter/discovery"
	"github.com/olla-router/olla/internal/adapter/health"
	metricsadapter "github.com/olla-router/olla/internal/adapter/metrics"
	"github.com/olla-router/olla/internal/adapter/proxy"
	"github.com/olla-router/olla/internal/adapter/security"
	"github.com/olla-router/olla/internal/adapter/stats"
	"github.com/olla-router/olla/internal/app/middleware"
	"github.com/olla-router/olla/internal/app/services"
	"github.com/olla-router/olla/internal/breaker"
	"github.com/olla-router/olla/internal/config"
	"github.com/olla-router/olla/internal/core/domain"
	"github.com/olla-router/olla/internal/logger"
	"github.com/olla-router/olla/internal/metrics"
	"github.com/olla-router/olla/internal/orchestrator"
	"github.com/olla-router/olla/internal/persistence"
	"github.com/olla-router/olla/internal/queue"
	"github.com/olla-router/olla/internal/recovery"
	"github.com/olla-router/olla/internal/router"
)

// Application is the process composition root: every long-lived component
// the fleet needs is constructed once in New and handed to a
// services.ServiceManager, which starts and stops them in dependency
// order.
type Application struct {
	startTime time.Time
	loader    *config.Loader
	logger    *logger.StyledLogger

	repository      *discovery.StaticEndpointRepository
	breakers        *breaker.Registry
	aggregator      *metrics.Aggregator
	decisionHistory *metrics.DecisionHistory
	requestHistory  *metrics.RequestHistory
	queue           *queue.Queue
	balancerFactory *balancer.Factory
	selector        domain.EndpointSelector
	orch            *orchestrator.Orchestrator
	healthChecker   *health.HTTPHealthChecker
	discoveryService *discovery.StaticDiscoveryService
	recoveryCoord   *recovery.Coordinator
	persistenceStore *persistence.Store
	statsCollector  *stats.Collector
	metricsExtractor *metricsadapter.Extractor
	transport       *proxy.Transport
	securityServices *security.Services
	securityAdapters *security.Adapters

	registry *router.RouteRegistry
	manager  *services.ServiceManager
	server   *http.Server

	errCh chan error
}

// New constructs and wires every component but starts nothing; Start
// brings the managed fleet and HTTP listener up.
func New(startTime time.Time, styledLogger *logger.StyledLogger) (*Application, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := loader.Current()

	repository := discovery.NewStaticEndpointRepository()
	breakers := breaker.NewRegistry(cfg.Breaker)
	aggregator := metrics.New(cfg.Metrics)
	decisionHistory := metrics.NewDecisionHistory(cfg.Metrics.DecisionHistorySize)
	requestHistory := metrics.NewRequestHistory(cfg.Metrics.RequestHistorySize)
	q := queue.New(cfg.Queue, styledLogger)

	statsCollector := stats.NewCollector(*styledLogger)

	balancerFactory := balancer.NewFactory(statsCollector)
	selector, err := balancerFactory.Create(cfg.Balancer.Algorithm)
	if err != nil {
		styledLogger.Warn("unknown load balancer algorithm, falling back",
			"configured", cfg.Balancer.Algorithm, "fallback", balancer.DefaultBalancerPriority, "error", err)
		selector, err = balancerFactory.Create(balancer.DefaultBalancerPriority)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback load balancer: %w", err)
		}
	}

	orch := orchestrator.New(repository, breakers, selector, aggregator, q, cfg.Retry, cfg.Breaker, styledLogger)

	healthChecker := health.NewHTTPHealthChecker(repository, breakers, styledLogger)
	discoveryService := discovery.NewStaticDiscoveryService(repository, healthChecker, cfg, styledLogger)

	recoveryCoord := recovery.New(cfg.Recovery, breakers, repository, aggregator, styledLogger)

	metricsExtractor, err := metricsadapter.NewExtractor(*styledLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics extractor: %w", err)
	}
	if cfg.Metrics.Extraction.Enabled {
		extractionCfg := domain.MetricsExtractionConfig{
			Paths:        cfg.Metrics.Extraction.Paths,
			Calculations: cfg.Metrics.Extraction.Calculations,
			Headers:      cfg.Metrics.Extraction.Headers,
			Source:       cfg.Metrics.Extraction.Source,
			Format:       cfg.Metrics.Extraction.Format,
			Enabled:      true,
		}
		if err := metricsExtractor.ValidateConfig(extractionCfg); err != nil {
			return nil, fmt.Errorf("invalid metrics extraction config: %w", err)
		}
	}

	transport := proxy.New(cfg.Proxy, statsCollector, metricsExtractor, styledLogger)

	persistenceStore := persistence.New(cfg.Persistence, repository, breakers, aggregator, decisionHistory, requestHistory, orch, styledLogger)

	securityServices, securityAdapters := security.NewSecurityServices(cfg, statsCollector, styledLogger)

	registry := router.NewRouteRegistry(*styledLogger)

	manager := services.NewServiceManager(styledLogger)
	for _, svc := range []services.ManagedService{aggregator, q, discoveryService, orch, recoveryCoord, persistenceStore} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("failed to register service %s: %w", svc.Name(), err)
		}
	}

	loader.OnReload(func(newCfg *config.Config) {
		breakers.UpdateConfig(newCfg.Breaker)
		styledLogger.Info("configuration reloaded")
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	a := &Application{
		startTime:        startTime,
		loader:           loader,
		logger:           styledLogger,
		repository:       repository,
		breakers:         breakers,
		aggregator:       aggregator,
		decisionHistory:  decisionHistory,
		requestHistory:   requestHistory,
		queue:            q,
		balancerFactory:  balancerFactory,
		selector:         selector,
		orch:             orch,
		healthChecker:    healthChecker,
		discoveryService: discoveryService,
		recoveryCoord:    recoveryCoord,
		persistenceStore: persistenceStore,
		statsCollector:   statsCollector,
		metricsExtractor: metricsExtractor,
		transport:        transport,
		securityServices: securityServices,
		securityAdapters: securityAdapters,
		registry:         registry,
		manager:          manager,
		server:           server,
		errCh:            make(chan error, 1),
	}

	return a, nil
}

// config returns the presently active configuration; calls always observe
// the latest reload.
func (a *Application) config() *config.Config {
	return a.loader.Current()
}

// Start brings the managed service fleet up in dependency order, then
// starts the HTTP listener.
func (a *Application) Start(ctx context.Context) error {
	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	if err := a.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start managed services: %w", err)
	}

	a.startWebServer()

	a.logger.Info("Olla started", "bind", a.server.Addr)
	return nil
}

// Stop shuts the HTTP listener down first (stop admitting new work), then
// stops the managed service fleet in reverse dependency order.
func (a *Application) Stop(ctx context.Context) error {
	cfg := a.config()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	a.securityAdapters.Stop()

	if err := a.manager.Stop(shutdownCtx); err != nil {
		a.logger.Error("Failed to stop managed services", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (a *Application) startWebServer() {
	cfg := a.config()
	a.logger.Info("Starting WebServer...", "host", cfg.Server.Host, "port", cfg.Server.Port)

	mux := http.NewServeMux()
	a.registerRoutes()
	a.registry.WireUpWithSecurityChain(mux, a.securityAdapters)

	a.server.Handler = middleware.EnhancedLoggingMiddleware(*a.logger)(mux)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("Started WebServer", "bind", a.server.Addr)
}

func (a *Application) registerRoutes() {
	a.registry.RegisterProxyRoute("/olla/", a.proxyHandler, "Backend inference API proxy (generate/chat/embeddings/models)", "POST")

	a.registry.RegisterWithMethod("/internal/health", a.healthHandler, "Liveness probe", "GET")
	a.registry.RegisterWithMethod("/internal/status", a.statusHandler, "Fleet discovery/health status", "GET")

	a.registry.RegisterWithMethod("/internal/servers", a.serversHandler, "List configured backends", "GET")
	a.registry.RegisterWithMethod("/internal/servers/remove", a.removeServerHandler, "Remove a backend from the fleet", "POST")
	a.registry.RegisterWithMethod("/internal/servers/drain", a.drainHandler, "Drain: stop admitting new requests", "POST")
	a.registry.RegisterWithMethod("/internal/servers/undrain", a.undrainHandler, "Undrain: resume admitting requests", "POST")

	a.registry.RegisterWithMethod("/internal/breakers", a.breakersHandler, "List circuit breaker states", "GET")
	a.registry.RegisterWithMethod("/internal/breakers/reset", a.breakerResetHandler, "Reset one breaker to closed", "POST")
	a.registry.RegisterWithMethod("/internal/breakers/force-close", a.breakerForceCloseHandler, "Force-close a server's breaker tree", "POST")

	a.registry.RegisterWithMethod("/internal/bans", a.bansHandler, "List banned server:model keys", "GET")
	a.registry.RegisterWithMethod("/internal/bans/remove", a.banRemoveHandler, "Remove one ban", "POST")
	a.registry.RegisterWithMethod("/internal/bans/clear", a.banClearHandler, "Clear all bans", "POST")

	a.registry.RegisterWithMethod("/internal/queue", a.queueStatsHandler, "Request queue depth/stats", "GET")
	a.registry.RegisterWithMethod("/internal/queue/pause", a.queuePauseHandler, "Pause queue admission", "POST")
	a.registry.RegisterWithMethod("/internal/queue/resume", a.queueResumeHandler, "Resume queue admission", "POST")

	a.registry.RegisterWithMethod("/internal/metrics", a.metricsHandler, "Per server:model metrics snapshot", "GET")
	a.registry.RegisterWithMethod("/internal/metrics/global", a.globalMetricsHandler, "Fleet-wide aggregate metrics", "GET")

	a.registry.RegisterWithMethod("/internal/decisions", a.decisionsHandler, "Recent dispatch decisions", "GET")
	a.registry.RegisterWithMethod("/internal/requests", a.requestsHandler, "Recent inbound request history", "GET")

	a.registry.RegisterWithMethod("/internal/config", a.configHandler, "Active configuration snapshot", "GET")
}
