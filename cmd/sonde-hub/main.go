// Command sonde-hub runs the central broker: it terminates agent and
// dashboard WebSocket connections, routes MCP-driven diagnostic probes to
// agents and server-side integrations, and serves the MCP tool surface
// external copilots connect to.
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/appctx"
	"github.com/sonde-hub/sonde/internal/config"
	"github.com/sonde-hub/sonde/internal/cryptutil"
	"github.com/sonde-hub/sonde/internal/hub/dispatcher"
	"github.com/sonde-hub/sonde/internal/hub/events"
	"github.com/sonde-hub/sonde/internal/hub/identity"
	"github.com/sonde-hub/sonde/internal/hub/integration"
	"github.com/sonde-hub/sonde/internal/hub/integration/credentials"
	"github.com/sonde-hub/sonde/internal/hub/integration/packs/github"
	"github.com/sonde-hub/sonde/internal/hub/mcptools"
	"github.com/sonde-hub/sonde/internal/hub/metrics"
	"github.com/sonde-hub/sonde/internal/hub/probe"
	"github.com/sonde-hub/sonde/internal/hub/runbook"
	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/internal/hub/transport"
	"github.com/sonde-hub/sonde/internal/httpmw"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/internal/tracing"
	"github.com/sonde-hub/sonde/pkg/envelope"

	agentsystem "github.com/sonde-hub/sonde/internal/agent/packs/system"
	agentsystemd "github.com/sonde-hub/sonde/internal/agent/packs/systemd"
)

const mcpPort = 7300

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := obslog.NewLogger(obslog.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	obslog.SetDefault(log)

	// 2b. Tracing: a no-op TracerProvider unless OTEL_EXPORTER_OTLP_ENDPOINT
	// is set, in which case every otel.Tracer(...) call below (httpmw,
	// probe.Router, the integration Executor) starts exporting real spans.
	shutdownTracing, err := tracing.Init(context.Background())
	if err != nil {
		log.Warn("failed to initialize tracing; continuing with no-op tracer", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	log.Info("starting sonde-hub", zap.String("db", cfg.Database.Path))

	// 3. Open persistent storage
	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()

	// 4. Root key: SONDE_SECRET derives it deterministically; otherwise a
	// generated key file is used and the hub runs in degraded mode (§4.3).
	var root *cryptutil.RootKeyProvider
	if cfg.Secret.RootKey != "" {
		root, err = cryptutil.NewRootKeyProviderFromSecret(cfg.Secret.RootKey)
	} else {
		log.Warn("SONDE_SECRET not set; at-rest encryption key is a generated local file (degraded mode)")
		root, err = cryptutil.NewRootKeyProviderFromFile(stateDir())
	}
	if err != nil {
		log.Fatal("failed to initialize root key", zap.Error(err))
	}

	// 5. Certificate authority and identity service
	ctx := context.Background()
	ca, err := identity.LoadOrCreateCA(ctx, store, root)
	if err != nil {
		log.Fatal("failed to load or create CA", zap.Error(err))
	}
	identitySvc := identity.NewService(store, ca, log)

	// 6. Dispatcher and transport
	disp := dispatcher.New(time.Duration(cfg.Probe.DefaultTimeoutMs)*time.Millisecond, log)
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM([]byte(ca.CertPEM())) {
		log.Warn("failed to parse CA certificate; client-certificate auth disabled")
	}
	transportSrv := transport.NewServer(disp, identitySvc, caPool, log)
	wireTransportHandlers(transportSrv, disp, identitySvc, store, log)

	// 6b. Optional NATS fan-out of agent-presence events, alongside the
	// direct dashboard-observer broadcast (disabled unless events.natsUrl
	// is configured).
	eventPublisher, err := events.Connect(cfg.Events, log)
	if err != nil {
		log.Fatal("failed to connect to nats", zap.Error(err))
	}
	if eventPublisher != nil {
		disp.SetEventPublisher(eventPublisher)
		defer eventPublisher.Close()
	}

	// 7. Metrics
	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	// 8. Credential store and integration registry/executor
	credStore, err := credentials.Provide(store.Writer(), store.Reader(), root)
	if err != nil {
		log.Fatal("failed to initialize credential store", zap.Error(err))
	}
	defer credStore.Close()

	integrations := integration.NewRegistry()
	integrations.Register(github.New())

	integrationExecutor := integration.NewExecutor(integrations, credStore, integration.NewHTTPFetch(nil), log)
	integrationExecutor.SetRetryObserver(metricsReg.RecordRetry)

	// 9. Probe router
	auditSink := probe.NewStoreAuditSink(store)
	router := probe.New(integrations, integrationExecutor, disp, auditSink, auditSink,
		time.Duration(cfg.Probe.CacheTTLMs)*time.Millisecond)
	router.SetMetricsHooks(
		func(probeName string, status probe.Status, seconds float64) {
			metricsReg.ObserveProbe(probeName, string(status), seconds)
		},
		metricsReg.RecordAuditEntry,
	)

	// 10. Runbook catalog and engine: agent-side pack manifests are
	// registered statically so HealthCheck can determine per-agent
	// applicability without a live connection (§4.7).
	catalog := runbook.NewCatalog(integrations, store)
	catalog.RegisterAgentPack(agentsystem.New().Manifest)
	catalog.RegisterAgentPack(agentsystemd.New().Manifest)
	runbookEngine := runbook.New(router, catalog)

	// 11. MCP tool surface, in-process against the same collaborators
	mcpSrv := mcptools.New(mcptools.Config{Port: mcpPort}, mcptools.Deps{
		Router:       router,
		Runbooks:     runbookEngine,
		Dispatcher:   disp,
		Store:        store,
		Integrations: integrations,
	}, log)
	if err := mcpSrv.Start(ctx); err != nil {
		log.Fatal("failed to start MCP server", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = mcpSrv.Stop(shutdownCtx)
	}()

	// 12. Audit-retention sweep, run on a cron schedule when configured. Each
	// sweep gets a context detached from the triggering cron tick but bounded
	// by stopCh, so an in-flight sweep is cancelled on shutdown instead of
	// leaking past it.
	stopCh := make(chan struct{})
	cronRunner := cron.New()
	if cfg.Audit.RetentionCount > 0 {
		_, err := cronRunner.AddFunc(cfg.Audit.RetentionCron, func() {
			sweepCtx, cancel := appctx.Detached(context.Background(), stopCh, 30*time.Second)
			defer cancel()
			pruned, err := store.PruneAuditEntries(sweepCtx, cfg.Audit.RetentionCount)
			if err != nil {
				log.Error("audit retention sweep failed", zap.Error(err))
				return
			}
			if pruned > 0 {
				log.Info("audit retention sweep pruned entries", zap.Int64("pruned", pruned))
			}
		})
		if err != nil {
			log.Fatal("failed to schedule audit retention sweep", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	// 13. HTTP mux: agent/dashboard upgrades, health, and metrics
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "sonde-hub"))
	r.Use(httpmw.OtelTracing("sonde-hub"))

	transportSrv.RegisterRoutes(r)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "onlineAgents": disp.OnlineCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	metricsReg.SetOnlineAgents(disp.OnlineCount())

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sonde-hub")
	close(stopCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("sonde-hub stopped")
}

// wireTransportHandlers binds the transport layer's register/heartbeat/
// probe-response callbacks to the identity service and dispatcher. It lives
// here, not in internal/hub/transport, because the register callback must
// bind the dispatcher once identity.Register resolves an agent id
// (transport.RegisterWithDispatcher's documented purpose).
func wireTransportHandlers(srv *transport.Server, disp *dispatcher.Dispatcher, identitySvc *identity.Service, store *storage.Store, log *obslog.Logger) {
	srv.SetRegisterHandler(func(ctx context.Context, env *envelope.Envelope, bearer string, sock interface {
		Send(*envelope.Envelope) error
	}) (*identity.AckPayload, error) {
		var req identity.RegisterRequest
		if err := env.ParsePayload(&req); err != nil {
			return nil, fmt.Errorf("parse register payload: %w", err)
		}
		req.BearerCredential = bearer

		ack, err := identitySvc.Register(ctx, req)
		if err != nil {
			return nil, err
		}
		if ack.AgentID != "" {
			transport.RegisterWithDispatcher(disp, ack.AgentID, req.Name, sock)
		}
		if ack.UpdateAvailable != nil {
			if advEnv, advErr := envelope.New(envelope.TypeHubUpdateAvail, ack.AgentID, ack.UpdateAvailable); advErr == nil {
				_ = sock.Send(advEnv)
			}
		}
		return ack, nil
	})

	srv.SetHeartbeatHandler(func(agentID string) {
		if err := store.Heartbeat(context.Background(), agentID); err != nil {
			log.Debug("heartbeat bookkeeping failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	})

	srv.SetProbeResponseHandler(func(agentID string, env envelope.Envelope) {
		disp.HandleResponse(agentID, env)
	})
}

func stateDir() string {
	if d := os.Getenv("SONDE_HUB_STATE_DIR"); d != "" {
		return d
	}
	return "./sonde-state"
}
