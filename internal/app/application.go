// Package app wires every component (C1-C14) into one long-running
// process, grounded on the teacher's functional-options Application
// builder (internal/app/application.go) and its system.Manager lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	core "github.com/contentforge/engine/internal/app/core/service"
	"github.com/contentforge/engine/internal/app/system"

	"github.com/contentforge/engine/infrastructure/logging"
	"github.com/contentforge/engine/infrastructure/ratelimit"
	"github.com/contentforge/engine/infrastructure/state"
	"github.com/contentforge/engine/internal/breaker"
	"github.com/contentforge/engine/internal/config"
	"github.com/contentforge/engine/internal/hashindex"
	"github.com/contentforge/engine/internal/ingress"
	"github.com/contentforge/engine/internal/ledger"
	"github.com/contentforge/engine/internal/llmfabric"
	"github.com/contentforge/engine/internal/manifeststore"
	"github.com/contentforge/engine/internal/observability"
	"github.com/contentforge/engine/internal/pipeline"
	"github.com/contentforge/engine/internal/pool"
	"github.com/contentforge/engine/internal/queue"
	"github.com/contentforge/engine/internal/statemachine"
	"github.com/contentforge/engine/internal/transducers"
	"github.com/contentforge/engine/internal/trends"
)

// Application ties every component to a single lifecycle-managed process.
type Application struct {
	manager *system.Manager
	logger  *logging.Logger
	cfg     *config.Config

	Metrics       *observability.Metrics
	Ledger        *ledger.Ledger
	TrendStore    *trends.Store
	HashIndex     *hashindex.Index
	ManifestStore *manifeststore.Store
	Fabric        *llmfabric.Fabric
	StateMachine  *statemachine.StateMachine
	Watcher       *ingress.Watcher
	Driver        *pipeline.Driver

	descriptors []core.Descriptor
}

// New builds a fully wired Application from a loaded Config. httpClient
// may be nil, in which case each collaborator constructs its own
// appropriately-timed default client.
func New(cfg *config.Config, logger *logging.Logger, httpClient *http.Client) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.NewFromEnv("contentengine")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.APITimeout}
	}

	manager := system.NewManager()
	metrics := observability.New()

	dataBackend, err := state.NewFileBackend(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open data directory: %w", err)
	}

	led := ledger.New(dataBackend, ledger.DefaultPriceTable())
	hashIdx := hashindex.New(dataBackend)
	trendStore := trends.New(dataBackend, trends.NoopSource{})
	manifestStore := manifeststore.New(cfg.ProjectsDir)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(cfg.RateLimitRPM) / 60.0,
		Burst:             cfg.RateLimitBurst,
		JitterFactor:      cfg.RateLimitJitter,
	})

	q := queue.New(queue.Config{MaxInFlight: cfg.MaxConcurrency, MaxWaiting: cfg.MaxWaiting, DropLowest: true})

	connPool := pool.New(pool.Config{
		Min:            cfg.PoolMinSize,
		Max:            cfg.PoolMaxSize,
		IdleTimeout:    cfg.PoolIdleTimeout,
		AcquireTimeout: cfg.PoolAcquireTimeout,
	}, llmfabric.HTTPSessionFactory{Client: httpClient})

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitResetTimeout,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
	})

	var provider llmfabric.Provider
	if cfg.MockMode {
		provider = llmfabric.NewMockProvider()
	} else {
		provider = llmfabric.NewGeminiProvider(httpClient, "", cfg.GeminiAPIKey)
	}

	strictModels := make(map[string]bool, len(cfg.StrictModels))
	for _, m := range cfg.StrictModels {
		strictModels[m] = true
	}

	fabric := llmfabric.New(llmfabric.Config{
		FallbackChain: cfg.FallbackChain,
		StrictModels:  strictModels,
		MaxRetries:    cfg.LLMCallMaxRetries,
		BaseDelay:     500 * time.Millisecond,
	}, q, limiter, connPool, cb, led, provider)

	seo := transducers.NewSEOTransducer(fabric, trendStore)
	shorts := transducers.NewShortsTransducer(fabric)

	// The state machine and pipeline driver are mutually referential: the
	// driver forwards stage failures to sm.HandleError, and sm's recovery
	// callback re-enters the driver for a project it just un-stuck. Build
	// the driver with a placeholder and close over the real one once both
	// exist.
	var driver *pipeline.Driver
	smCfg := statemachine.Config{
		HeartbeatCron:      cronEverySeconds(cfg.HeartbeatInterval),
		FallbackChain:      cfg.FallbackChain,
		StrictModels:       strictModels,
		DeadLetterDir:      cfg.DeadLetterDir,
		AlertLogPath:       cfg.LogDir + "/alerts.log",
		MaxRetries:         cfg.MaxRetries,
		MaxStaleRecoveries: cfg.MaxStaleRecoveries,
	}
	sm := statemachine.New(manifestStore, smCfg, logger, func(ctx context.Context, projectID string) {
		go driver.Run(ctx, projectID)
	})

	driverCfg := pipeline.Config{
		AudioEnabled:  cfg.AudioEnabled,
		FallbackChain: cfg.FallbackChain,
		VoiceCatalog: []transducers.Voice{
			{ID: "en-US-standard", Language: "en"},
			{ID: "zh-CN-standard", Language: "zh"},
		},
	}
	driver = pipeline.New(driverCfg, fabric, manifestStore, sm, led, hashIdx, seo, shorts, logger)
	driver.WithObservationHooks(core.ObservationHooks{
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			failureKind := ""
			if err != nil {
				failureKind = "error"
			}
			metrics.RecordStage(meta["stage"], duration.Seconds(), failureKind)
		},
	})

	ingressCfg := ingress.DefaultConfig()
	ingressCfg.IncomingDir = cfg.IncomingDir
	ingressCfg.ProcessedDir = cfg.ProcessedDir
	ingressCfg.StableDelay = cfg.StableWriteDelay
	ingressCfg.PollInterval = cfg.StablePollPeriod
	watcher := ingress.New(ingressCfg, hashIdx, logger, driver.Dispatch)

	app := &Application{
		manager:       manager,
		logger:        logger,
		cfg:           cfg,
		Metrics:       metrics,
		Ledger:        led,
		TrendStore:    trendStore,
		HashIndex:     hashIdx,
		ManifestStore: manifestStore,
		Fabric:        fabric,
		StateMachine:  sm,
		Watcher:       watcher,
		Driver:        driver,
	}

	services := []system.Service{
		poolService{pool: connPool},
		heartbeatService{sm: sm},
		ingressService{watcher: watcher},
		&metricsService{app: app},
	}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	app.descriptors = manager.Descriptors()

	return app, nil
}

// Start brings up every registered service: the connection pool warms up
// first (its position in Register order), then the heartbeat, then the
// ingress watcher begins accepting documents.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop drains every registered service in reverse order: the metrics
// reporter, then the watcher (no new documents), then heartbeat, then the
// pool.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for CLI introspection.
func (a *Application) Descriptors() []core.Descriptor {
	out := make([]core.Descriptor, len(a.descriptors))
	copy(out, a.descriptors)
	return out
}

func cronEverySeconds(d time.Duration) string {
	if d <= 0 {
		return "@every 60s"
	}
	return fmt.Sprintf("@every %s", d.String())
}

// poolService adapts the connection pool's WarmUp/Drain lifecycle to
// system.Service.
type poolService struct {
	pool *pool.Pool
}

func (poolService) Name() string                         { return "connection_pool" }
func (s poolService) Start(ctx context.Context) error     { return s.pool.WarmUp(ctx) }
func (s poolService) Stop(ctx context.Context) error      { return s.pool.Drain(ctx) }
func (poolService) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "connection_pool", Domain: "contentengine", Layer: core.LayerData}
}

// heartbeatService adapts the state machine's stale-recovery heartbeat to
// system.Service.
type heartbeatService struct {
	sm *statemachine.StateMachine
}

func (heartbeatService) Name() string                     { return "state_machine_heartbeat" }
func (s heartbeatService) Start(ctx context.Context) error { return s.sm.StartHeartbeat(ctx) }
func (s heartbeatService) Stop(ctx context.Context) error  { s.sm.StopHeartbeat(); return nil }
func (heartbeatService) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "state_machine_heartbeat", Domain: "contentengine", Layer: core.LayerEngine}
}

// ingressService adapts the directory watcher to system.Service.
type ingressService struct {
	watcher *ingress.Watcher
}

func (ingressService) Name() string { return "ingress_watcher" }
func (s ingressService) Start(ctx context.Context) error {
	s.watcher.Start(ctx)
	return nil
}
func (s ingressService) Stop(ctx context.Context) error {
	s.watcher.Stop()
	return nil
}
func (ingressService) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "ingress_watcher", Domain: "contentengine", Layer: core.LayerIngress}
}

// metricsService periodically mirrors the ledger's cost snapshot into the
// Prometheus registry, exercising internal/observability end to end
// without requiring every component to take a metrics dependency directly.
type metricsService struct {
	app    *Application
	cancel context.CancelFunc
}

func (metricsService) Name() string { return "metrics_reporter" }

func (s *metricsService) Start(ctx context.Context) error {
	tickerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				snap := s.app.Ledger.Snapshot()
				s.app.Metrics.RecordCost(snap.EstimatedCostUSD, snap.TokensByModel)
			}
		}
	}()
	return nil
}

func (s *metricsService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
