package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"grid-trader-go/internal/broker"
	"grid-trader-go/internal/config"
	"grid-trader-go/internal/engine"
	"grid-trader-go/internal/logger"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/persistence"
	"grid-trader-go/internal/reporter"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 先用默认配置初始化日志, 以便加载 .env 和配置文件时就能记录
	logger.Init(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件, 将从系统环境变量中读取API密钥。")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// 使用文件中的配置重新初始化日志
	logger.Init(cfg.Log)
	defer logger.S().Sync()

	// 状态持久层（可选）
	var repo persistence.StateRepository
	if cfg.DBPath != "" {
		repo, err = persistence.NewBadgerRepository(cfg.DBPath)
		if err != nil {
			logger.S().Fatalf("打开状态数据库失败: %v", err)
		}
		defer repo.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 每个机器人条目一条完全独立的执行单元：自己的引擎、账本和经纪商客户端。
	// 实例之间没有共享内存, 隔离靠构造保证, 不需要锁。
	var wg sync.WaitGroup
	for _, botCfg := range cfg.Bots {
		eng, b, err := buildBot(cfg, botCfg, repo)
		if err != nil {
			logger.S().Fatalf("构造机器人 %s 失败: %v", botCfg.Symbol, err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.Close()

			if err := eng.Run(ctx); err != nil {
				logger.S().Errorf("机器人 %s 异常退出: %v", eng.BotID(), err)
				return
			}
			logger.S().Infof("\n%s", reporter.RenderSummary(eng.Snapshot()))
		}()
	}

	wg.Wait()
	logger.S().Info("所有机器人已停止。")
}

// buildBot 把一个配置条目变成可运行的引擎实例
func buildBot(cfg *models.Config, botCfg models.BotConfig, repo persistence.StateRepository) (*engine.GridEngine, broker.Broker, error) {
	gridCfg := &models.GridConfig{
		Symbol:     botCfg.Symbol,
		Broker:     botCfg.Broker,
		AssetClass: models.AssetClass(botCfg.AssetClass),
		RangeLow:   botCfg.RangeLow,
		RangeHigh:  botCfg.RangeHigh,
		GridCount:  botCfg.GridCount,
		Sizing: models.Sizing{
			AllocationFraction: botCfg.AllocationFraction,
			FixedQuantity:      botCfg.FixedQuantity,
		},
		TopStop:             botCfg.TopProfitStop,
		BottomStop:          botCfg.BottomProfitStop,
		PollIntervalMs:      botCfg.PollIntervalMs,
		RetryAttempts:       cfg.RetryAttempts,
		RetryInitialDelayMs: cfg.RetryInitialDelayMs,
	}
	if gridCfg.PollIntervalMs == 0 {
		gridCfg.PollIntervalMs = cfg.PollIntervalMs
	}

	b, err := broker.New(botCfg.Broker, credsFor(botCfg.Broker), gridCfg.AssetClass)
	if err != nil {
		return nil, nil, err
	}

	// 币安适配器支持行情流, 启用以降低取价延迟
	if bin, ok := b.(*broker.Binance); ok {
		bin.StartQuoteStream(strings.ToUpper(botCfg.Symbol))
	}

	var eng *engine.GridEngine
	if botCfg.GridHeight > 0 {
		eng, err = engine.NewFromDefaults(gridCfg, botCfg.GridHeight, b, repo)
	} else {
		eng, err = engine.New(gridCfg, b, repo)
	}
	if err != nil {
		b.Close()
		return nil, nil, err
	}

	eng.OnStatus = func(snap *models.LedgerSnapshot) {
		logger.S().Infof("\n%s", reporter.RenderLadder(snap))
	}
	return eng, b, nil
}

// credsFor 按经纪商名称从环境变量读取接入凭据
func credsFor(name string) broker.Credentials {
	if name == "" {
		name = broker.DefaultBroker
	}
	switch strings.ToLower(name) {
	case "alpaca":
		return broker.Credentials{
			APIKey:    os.Getenv("ALPACA_API_KEY"),
			SecretKey: os.Getenv("ALPACA_SECRET_KEY"),
			BaseURL:   os.Getenv("ALPACA_BASE_URL"),
			DataURL:   os.Getenv("ALPACA_DATA_URL"),
		}
	case "binance":
		return broker.Credentials{
			APIKey:    os.Getenv("BINANCE_API_KEY"),
			SecretKey: os.Getenv("BINANCE_SECRET_KEY"),
			BaseURL:   os.Getenv("BINANCE_BASE_URL"),
		}
	default:
		return broker.Credentials{}
	}
}
