package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/councilbot/gocouncil/internal/approval"
	"github.com/councilbot/gocouncil/internal/broker"
	"github.com/councilbot/gocouncil/internal/consensus"
	"github.com/councilbot/gocouncil/internal/controlplane/server"
	"github.com/councilbot/gocouncil/internal/events"
	"github.com/councilbot/gocouncil/internal/execution"
	"github.com/councilbot/gocouncil/internal/metrics"
	"github.com/councilbot/gocouncil/internal/providers"
	"github.com/councilbot/gocouncil/internal/recommend"
	"github.com/councilbot/gocouncil/internal/risk"
	"github.com/councilbot/gocouncil/internal/services"
	"github.com/councilbot/gocouncil/internal/stream"
	"github.com/councilbot/gocouncil/pkg/config"
	"github.com/councilbot/gocouncil/pkg/logger"
	"github.com/councilbot/gocouncil/pkg/persistence"
	"github.com/councilbot/gocouncil/pkg/secretstore"
	"github.com/councilbot/gocouncil/pkg/shutdown"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	getenv := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}

	var (
		listenAddr  = flag.String("listen", getenv("COUNCIL_LISTEN", ":8080"), "HTTP listen address")
		metricsAddr = flag.String("metrics-listen", getenv("COUNCIL_METRICS_LISTEN", ""), "metrics/debug listen address (empty = disabled)")
		configPath  = flag.String("config", getenv("COUNCIL_CONFIG", ""), "config file path (.yaml/.yml/.json)")
		dbPath      = flag.String("db", getenv("COUNCIL_DB", "data/council.db"), "SQLite db file path for execution history")
		secretsPath = flag.String("secrets", getenv("COUNCIL_SECRETS", ""), "badger secretstore dir (empty = env credentials only)")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, OutputFile: cfg.LogFile}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}

	providerKey, brokerKey, brokerSecret := loadCredentials(*secretsPath)

	// 引擎组件装配：收集 → 聚合 → 定量 → 审批账本 → 派发
	bus := events.NewBus()
	hub := stream.NewHub(bus)

	store := approval.NewStore()
	if cfg.Persistence.Enabled {
		store.WithPersistence(persistence.NewJSONFileService(cfg.Persistence.DataDir))
	}

	brokerClient := broker.NewClient(cfg.Execution.BrokerEndpoint, brokerKey, brokerSecret,
		time.Duration(cfg.Sizing.PriceFreshnessSeconds)*time.Second)
	aiClient := providers.NewClient(cfg.Agents.Endpoint, providerKey)

	collector := services.NewOpinionCollector(aiClient, cfg.Agents).WithBus(bus)
	aggregator := consensus.NewAggregator(consensus.Thresholds{
		StrongVarianceMax:   cfg.Consensus.StrongVarianceMax,
		ModerateVarianceMax: cfg.Consensus.ModerateVarianceMax,
	})
	builder := recommend.NewBuilder(cfg.Sizing)
	advisor := services.NewAdvisor(collector, aggregator, builder, store, brokerClient, bus, cfg)

	breaker := risk.NewCircuitBreaker(int(cfg.Execution.MaxConsecutiveErrors), 5*time.Minute)
	dispatcher := execution.NewDispatcher(store, brokerClient).WithCircuitBreaker(breaker)

	srv, err := server.New(server.Config{DBPath: *dbPath}, server.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Advisor:    advisor,
		Hub:        hub,
		Bus:        bus,
		AppConfig:  cfg,
	})
	if err != nil {
		log.Fatalf("init server failed: %v", err)
	}

	// 执行记录落库走控制面的 sqlite 仓库
	dispatcher.WithRecorder(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Persistence.Enabled {
		// 先建账本再恢复快照：只恢复仍在建议集中的 ticker
		if err := advisor.RefreshAll(ctx, ""); err != nil {
			logger.Warnf("启动刷新失败: %v", err)
		}
		if err := store.RestoreAdjustments(); err != nil {
			logger.Warnf("恢复审批快照失败: %v", err)
		}
	}

	go func() {
		if err := advisor.Run(ctx); err != nil && err != context.Canceled {
			logger.Errorf("advisor 退出: %v", err)
		}
	}()

	if *metricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, *metricsAddr); err != nil {
			logger.Warnf("metrics 服务启动失败: %v", err)
		}
	}

	httpSrv := &http.Server{
		Addr:              *listenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("控制面监听 %s（dry_run=%v）", *listenAddr, cfg.Execution.DryRun)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server error: %v", err)
		}
	}()

	shutdownMgr := shutdown.NewManager()
	shutdownMgr.OnShutdown(func(ctx context.Context, _ *sync.WaitGroup) {
		_ = httpSrv.Shutdown(ctx)
	})
	shutdownMgr.OnShutdown(func(context.Context, *sync.WaitGroup) {
		_ = srv.Close()
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-stopCh

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownMgr.Shutdown(shutdownCtx)

	fmt.Println("server stopped")
}

// loadCredentials 凭证优先走 badger secretstore，缺失时回退环境变量
func loadCredentials(secretsPath string) (providerKey, brokerKey, brokerSecret string) {
	providerKey = os.Getenv("PROVIDER_API_KEY")
	brokerKey = os.Getenv("BROKER_API_KEY")
	brokerSecret = os.Getenv("BROKER_API_SECRET")

	if secretsPath == "" {
		return
	}

	encKey, err := secretstore.ParseKey(os.Getenv("COUNCIL_SECRETS_KEY"))
	if err != nil {
		log.Fatalf("parse secrets key failed: %v", err)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: secretsPath, EncryptionKey: encKey, ReadOnly: true})
	if err != nil {
		log.Printf("open secretstore failed (falling back to env): %v", err)
		return
	}
	defer ss.Close()

	if v, ok, err := ss.ProviderAPIKey(); err == nil && ok {
		providerKey = v
	}
	if k, s, ok, err := ss.BrokerCredentials(); err == nil && ok {
		brokerKey, brokerSecret = k, s
	}
	return
}
