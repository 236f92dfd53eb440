package main

import (
	"SwapGate/internal/action"
	"SwapGate/internal/gas"
	"SwapGate/internal/ingestion"
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"SwapGate/internal/persistence"
	"SwapGate/internal/pipeline"
	"SwapGate/internal/pool"
	"SwapGate/internal/projection"
	"SwapGate/internal/query"
	"SwapGate/internal/risk"
	"SwapGate/internal/server"
	"SwapGate/internal/settlement"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Postgres. Empty DSN runs without persistence.
	PostgresURL   string
	MigrationsDir string

	// NATS
	NATSURL    string
	AMLSubject string

	// AMLLocal answers risk queries from an in-process registry.
	AMLLocal bool

	Owner ledger.AccountID
	// APIKeys maps bearer keys to accounts, "key=account,...".
	APIKeys string

	// Risk
	RiskThreshold int
	RiskTimeout   time.Duration

	TransferTimeout time.Duration

	// Gas schedule, in Tgas
	AMLCheckTgas     int
	SchedulingTgas   int
	MinExecutionTgas int
	BaseCallTgas     int
	ActionTgas       int

	// Persistence worker
	PersistChanSize     int
	PersistBatchSize    int
	PersistFlushTimeout time.Duration
	ProjectionChanSize  int
	ReplayPageSize      int
	SnapshotInterval    time.Duration

	DedupLRUCapacity int
	HistoryCapacity  int

	// Pools seeded at start, see parsePools.
	Pools string

	// gRPC/HTTP/Metrics
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		PostgresURL:         envOrDefault("SWAPGATE_POSTGRES_DSN", ""),
		MigrationsDir:       envOrDefault("SWAPGATE_MIGRATIONS_DIR", "migrations"),
		NATSURL:             envOrDefault("SWAPGATE_NATS_URL", "nats://localhost:4222"),
		AMLSubject:          envOrDefault("SWAPGATE_AML_SUBJECT", risk.DefaultSubject),
		AMLLocal:            envOrDefault("SWAPGATE_AML_LOCAL", "") == "true",
		Owner:               ledger.AccountID(envOrDefault("SWAPGATE_OWNER", "owner.near")),
		APIKeys:             envOrDefault("SWAPGATE_API_KEYS", ""),
		RiskThreshold:       envIntOrDefault("SWAPGATE_RISK_THRESHOLD", int(risk.DefaultThreshold)),
		RiskTimeout:         time.Duration(envIntOrDefault("SWAPGATE_RISK_TIMEOUT_MS", 2000)) * time.Millisecond,
		TransferTimeout:     time.Duration(envIntOrDefault("SWAPGATE_TRANSFER_TIMEOUT_MS", 5000)) * time.Millisecond,
		AMLCheckTgas:        envIntOrDefault("SWAPGATE_GAS_AML_TGAS", 10),
		SchedulingTgas:      envIntOrDefault("SWAPGATE_GAS_SCHEDULING_TGAS", 5),
		MinExecutionTgas:    envIntOrDefault("SWAPGATE_GAS_MIN_EXECUTION_TGAS", 50),
		BaseCallTgas:        envIntOrDefault("SWAPGATE_GAS_BASE_CALL_TGAS", 2),
		ActionTgas:          envIntOrDefault("SWAPGATE_GAS_ACTION_TGAS", 5),
		PersistChanSize:     envIntOrDefault("SWAPGATE_PERSIST_CHAN_SIZE", 1024),
		PersistBatchSize:    envIntOrDefault("SWAPGATE_PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout: 10 * time.Millisecond,
		ProjectionChanSize:  envIntOrDefault("SWAPGATE_PROJECTION_CHAN_SIZE", 2048),
		ReplayPageSize:      envIntOrDefault("SWAPGATE_REPLAY_PAGE_SIZE", 1000),
		SnapshotInterval:    time.Duration(envIntOrDefault("SWAPGATE_SNAPSHOT_INTERVAL_S", 300)) * time.Second,
		DedupLRUCapacity:    envIntOrDefault("SWAPGATE_DEDUP_LRU_CAPACITY", 100_000),
		HistoryCapacity:     envIntOrDefault("SWAPGATE_HISTORY_CAPACITY", 10_000),
		Pools:               envOrDefault("SWAPGATE_POOLS", ""),
		GRPCAddr:            envOrDefault("SWAPGATE_GRPC_ADDR", ":9090"),
		HTTPAddr:            envOrDefault("SWAPGATE_HTTP_ADDR", ":8080"),
		MetricsAddr:         envOrDefault("SWAPGATE_METRICS_ADDR", ":9091"),
	}
}

func (c Config) Schedule() gas.Schedule {
	s := gas.DefaultSchedule()
	s.AMLCheckGas = gas.Gas(c.AMLCheckTgas) * gas.Tgas
	s.PromiseSchedulingGas = gas.Gas(c.SchedulingTgas) * gas.Tgas
	s.MinExecutionGas = gas.Gas(c.MinExecutionTgas) * gas.Tgas
	s.BaseCallGas = gas.Gas(c.BaseCallTgas) * gas.Tgas
	s.ActionGas = gas.Gas(c.ActionTgas) * gas.Tgas
	return s
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: SwapGate starting...")

	cfg := DefaultConfig()
	if cfg.RiskThreshold < 0 || cfg.RiskThreshold > int(risk.MaxRisk) {
		log.Fatalf("FATAL: SWAPGATE_RISK_THRESHOLD must be within 0..%d, got %d", risk.MaxRisk, cfg.RiskThreshold)
	}

	// --- Context with graceful shutdown ---
	// ingestCtx stops intake first; ctx stops the workers after the drain.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres (optional) ---
	var db *sql.DB
	if cfg.PostgresURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Fatalf("FATAL: postgres open: %v", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("FATAL: postgres ping: %v", err)
		}
		log.Println("INFO: Postgres connected")

		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
		applied, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: run migrations: %v", err)
		}
		log.Printf("INFO: migrations applied (%d new)", applied)

		healthChecker.AddCheck("postgres", db.PingContext)
	} else {
		log.Println("WARN: SWAPGATE_POSTGRES_DSN not set, running without persistence")
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	healthChecker.AddCheck("nats", func(ctx context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats status %s", st)
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	log.Printf("INFO: ensured stream %s", ingestion.DepositsStream)
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	// --- Ledger and settlement ---
	var (
		worker    *persistence.Worker
		projector *projection.BalanceProjector
		snapMgr   *persistence.SnapshotManager
		sink      settlement.JournalSink
	)
	if db != nil {
		worker = persistence.NewWorker(db, cfg.PersistChanSize, cfg.PersistBatchSize, cfg.PersistFlushTimeout,
			metrics, observability.NewLogger("persistence"))
		projector = projection.NewBalanceProjector(db, cfg.ProjectionChanSize, metrics, observability.NewLogger("projection"))
		snapMgr = persistence.NewSnapshotManager(db, metrics, observability.NewLogger("snapshot"))
		sink = settlement.Sinks{worker, projector}
	}

	sheet := ledger.NewBalanceSheet()
	router := settlement.NewRouter(
		settlement.NewNATSTransferer(nc, cfg.TransferTimeout),
		sheet,
		sink,
		metrics,
		observability.NewLogger("settlement"),
	)

	// --- Recovery: snapshot + journal replay ---
	if snapMgr != nil {
		count, err := snapMgr.Recover(ctx, router, cfg.ReplayPageSize)
		if err != nil {
			log.Fatalf("FATAL: recovery failed: %v", err)
		}
		if err := ledger.NewInvariantValidator(sheet).ValidateGlobalBalance(); err != nil {
			log.Fatalf("FATAL: recovered ledger is unbalanced: %v", err)
		}
		log.Printf("INFO: ledger recovered (journals=%d)", count)
	}

	// --- Risk gate ---
	var registry *risk.Registry
	if cfg.AMLLocal {
		registry = risk.NewRegistry()
		if err := risk.NewResponder(registry).Start(nc, cfg.AMLSubject); err != nil {
			log.Fatalf("FATAL: start local aml responder: %v", err)
		}
		log.Println("INFO: using in-process risk registry")
	}
	gate := risk.NewGate(risk.NewNATSClient(nc, cfg.AMLSubject), uint8(cfg.RiskThreshold), cfg.RiskTimeout, metrics, observability.NewLogger("risk"))

	// --- Pools and engine ---
	pools := pool.NewRegistry()
	if err := seedPools(pools, cfg.Pools); err != nil {
		log.Fatalf("FATAL: seed pools: %v", err)
	}
	schedule := cfg.Schedule()
	engine := action.NewEngine(pools, schedule, metrics, observability.NewLogger("action"))

	// --- Orchestrator and its outcome sinks ---
	history := projection.NewOutcomeHistory(cfg.HistoryCapacity)
	publisher := ingestion.NewOutboundPublisher(js, 4096, metrics)

	outcomeSinks := []pipeline.OutcomeSink{history, publisher}
	if worker != nil {
		outcomeSinks = append(outcomeSinks, worker)
	}
	orch := pipeline.NewOrchestrator(
		pipeline.Config{Owner: cfg.Owner, Schedule: schedule},
		gate,
		engine,
		router,
		metrics,
		observability.NewLogger("pipeline"),
		outcomeSinks...,
	)

	// --- Ingestion ---
	var (
		dbDedup  ingestion.DBDedupChecker
		recentID []string
	)
	if db != nil {
		checker := persistence.NewPostgresDedupChecker(db)
		dbDedup = checker
		recentID, err = checker.RecentNotificationIDs(ctx, cfg.DedupLRUCapacity)
		if err != nil {
			log.Printf("WARN: load recent notification ids: %v", err)
		}
	}
	dedup := ingestion.NewDeduplicator(cfg.DedupLRUCapacity, dbDedup, metrics, observability.NewLogger("dedup"))
	if len(recentID) > 0 {
		dedup.Warm(recentID)
		log.Printf("INFO: warmed dedup LRU with %d notification ids", len(recentID))
	}

	rawChan := make(chan ingestion.RawNotification, 4096)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("subscriber"))
	if err := natsSubscriber.Subscribe(ingestCtx, ingestion.DefaultConsumers()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}
	dispatcher := ingestion.NewDispatcher(rawChan, orch, dedup, publisher, metrics, observability.NewLogger("ingestion"))

	// --- gRPC + HTTP gateway ---
	queryService := query.NewService(sheet, history, db)
	svc := server.NewService(server.Deps{
		Orchestrator: orch,
		Router:       router,
		Query:        queryService,
		Registry:     registry,
		Snapshots:    snapMgr,
		DB:           db,
	})
	apiKeys, err := server.ParseAPIKeys(cfg.APIKeys)
	if err != nil {
		log.Fatalf("FATAL: SWAPGATE_API_KEYS: %v", err)
	}
	if len(apiKeys) == 0 {
		log.Println("WARN: no API keys configured, only read methods are reachable")
	}
	auth := server.NewAuthenticator(cfg.Owner, apiKeys)
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, svc, auth, healthChecker, metrics, observability.NewLogger("server"))

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var workers sync.WaitGroup
	runWorker := func(name string, run func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Persistence, projection and snapshots
	if worker != nil {
		runWorker("persistence worker", worker.Run)
		runWorker("balance projector", projector.Run)
		runWorker("snapshots", func(ctx context.Context) error {
			return snapMgr.Run(ctx, router, cfg.SnapshotInterval)
		})
	}

	// 2. Outbound publisher
	runWorker("outbound publisher", publisher.Run)

	// 3. NATS -> pipeline
	go func() {
		if err := dispatcher.Run(ingestCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	// 4. gRPC server
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()

	// 5. HTTP/JSON gateway
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 6. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Printf("INFO: SwapGate ready (owner=%s, risk_threshold=%d, grpc=%s, http=%s, metrics=%s)",
		cfg.Owner, cfg.RiskThreshold, cfg.GRPCAddr, cfg.HTTPAddr, cfg.MetricsAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake, let suspended runs finish, then flush workers.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	stopIngest()
	natsSubscriber.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := orch.Drain(drainCtx); err != nil {
		log.Printf("ERROR: %v", err)
	} else {
		log.Println("INFO: pipeline drained")
	}
	// Pending notifications are acked or nacked once their runs resolved.
	if err := dispatcher.Wait(drainCtx); err != nil {
		log.Printf("ERROR: dispatcher: %v", err)
	}

	cancel()
	workers.Wait()

	log.Println("INFO: SwapGate shutdown complete")
}

// seedPools parses pool specs separated by ';':
//
//	simple:wrap.near,usdt.near:30:1000000,1000000
//	stable:usdt.near,usdc.near:5:1000000,1000000
//
// Fields are kind, tokens, fee in basis points and initial liquidity.
func seedPools(pools *pool.Registry, specs string) error {
	for _, spec := range strings.Split(specs, ";") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		fields := strings.Split(spec, ":")
		if len(fields) != 4 {
			return fmt.Errorf("pool %q: want kind:tokens:fee:liquidity", spec)
		}

		var tokens []ledger.TokenID
		for _, t := range strings.Split(fields[1], ",") {
			tokens = append(tokens, ledger.TokenID(t))
		}
		fee, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("pool %q: fee: %w", spec, err)
		}
		var amounts []int64
		for _, a := range strings.Split(fields[3], ",") {
			n, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("pool %q: liquidity: %w", spec, err)
			}
			amounts = append(amounts, n)
		}

		var id uint64
		switch fields[0] {
		case "simple":
			if id, err = pools.AddSimplePool(tokens, fee); err != nil {
				return fmt.Errorf("pool %q: %w", spec, err)
			}
			if _, _, err = pools.AddLiquidity(id, amounts, nil); err != nil {
				return fmt.Errorf("pool %q: add liquidity: %w", spec, err)
			}
		case "stable":
			if id, err = pools.AddStablePool(tokens, fee); err != nil {
				return fmt.Errorf("pool %q: %w", spec, err)
			}
			if _, err = pools.AddStableLiquidity(id, amounts, 0); err != nil {
				return fmt.Errorf("pool %q: add liquidity: %w", spec, err)
			}
		default:
			return fmt.Errorf("pool %q: unknown kind %s", spec, fields[0])
		}
		log.Printf("INFO: seeded %s pool %d (%s)", fields[0], id, fields[1])
	}
	return nil
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
