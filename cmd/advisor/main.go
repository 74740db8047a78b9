package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/councilbot/gocouncil/internal/approval"
	"github.com/councilbot/gocouncil/internal/broker"
	"github.com/councilbot/gocouncil/internal/consensus"
	"github.com/councilbot/gocouncil/internal/domain"
	"github.com/councilbot/gocouncil/internal/execution"
	"github.com/councilbot/gocouncil/internal/providers"
	"github.com/councilbot/gocouncil/internal/recommend"
	"github.com/councilbot/gocouncil/internal/services"
	"github.com/councilbot/gocouncil/pkg/config"
	"github.com/councilbot/gocouncil/pkg/logger"
)

// 一次性咨询工具：跑一轮 收集 → 共识 → 定量，把建议集
// 以 JSON 打到 stdout。默认不落账执行；-dispatch 时全量批准
// 并走一次纸面派发，打印执行记录（运维自检用）。
func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("COUNCIL_CONFIG"), "config file path (.yaml/.yml/.json)")
		contextArg = flag.String("context", "", "analysis context passed to every agent")
		timeout    = flag.Duration("timeout", 3*time.Minute, "overall run timeout")
		dispatch   = flag.Bool("dispatch", false, "approve all and run a dry-run dispatch")
	)
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if len(cfg.Watchlist) == 0 {
		log.Fatal("watchlist is empty: set WATCHLIST or the watchlist config key")
	}

	if err := logger.Init(logger.Config{Level: "warn"}); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}

	brokerClient := broker.NewClient(cfg.Execution.BrokerEndpoint,
		os.Getenv("BROKER_API_KEY"), os.Getenv("BROKER_API_SECRET"),
		time.Duration(cfg.Sizing.PriceFreshnessSeconds)*time.Second)
	aiClient := providers.NewClient(cfg.Agents.Endpoint, os.Getenv("PROVIDER_API_KEY"))

	store := approval.NewStore()
	advisor := services.NewAdvisor(
		services.NewOpinionCollector(aiClient, cfg.Agents),
		consensus.NewAggregator(consensus.Thresholds{
			StrongVarianceMax:   cfg.Consensus.StrongVarianceMax,
			ModerateVarianceMax: cfg.Consensus.ModerateVarianceMax,
		}),
		recommend.NewBuilder(cfg.Sizing),
		store,
		brokerClient,
		nil,
		cfg,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := advisor.RefreshAll(ctx, *contextArg); err != nil {
		log.Fatalf("refresh failed: %v", err)
	}

	out := make([]any, 0)
	for _, e := range store.List() {
		out = append(out, map[string]any{
			"recommendation": e.Recommendation,
			"adjustment":     e.Adjustment,
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode output failed: %v", err)
	}

	if !*dispatch {
		return
	}
	for _, e := range store.List() {
		if _, err := store.SetApproved(e.Recommendation.Ticker, true); err != nil {
			log.Printf("approve %s failed: %v", e.Recommendation.Ticker, err)
		}
	}
	result, err := execution.NewDispatcher(store, brokerClient).Dispatch(ctx, domain.ModeDryRun)
	if err != nil {
		log.Fatalf("dry-run dispatch failed: %v", err)
	}
	if err := enc.Encode(result.Records); err != nil {
		log.Fatalf("encode records failed: %v", err)
	}
}
