package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentBazaar/internal/api"
	"AgentBazaar/internal/catalog"
	"AgentBazaar/internal/config"
	"AgentBazaar/internal/decision"
	"AgentBazaar/internal/decision/openai"
	"AgentBazaar/internal/negotiation"
	"AgentBazaar/internal/observability/alerting"
	"AgentBazaar/internal/session"
	"AgentBazaar/internal/settlement"
	"AgentBazaar/internal/storage/mysql"
	"AgentBazaar/internal/web3/provider"
	"AgentBazaar/pkg/logger"
)

// main 是 bazaard 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("bazaard 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("BAZAAR_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "bazaar.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 初始化议价决策服务。heuristic 模式下代理只使用内置让价规则。
	decisionSvc, err := createDecisionService(cfg)
	if err != nil {
		return err
	}

	decisionTimeout := time.Duration(cfg.Decision.OpenAI.TimeoutSeconds) * time.Second
	buyer := negotiation.NewBuyerAgent(decisionSvc, negotiation.WithDecisionTimeout(decisionTimeout))
	seller := negotiation.NewSellerAgent(decisionSvc, negotiation.WithDecisionTimeout(decisionTimeout))

	// 谈判记录与结算凭据的持久化后端。
	var repo mysql.NegotiationRepository
	switch cfg.Storage.Driver {
	case "", "memory":
		memoryRepo, err := mysql.NewMemoryNegotiationRepository(cfg.Runtime.DataDir)
		if err != nil {
			return err
		}
		repo = memoryRepo
	case "mysql":
		sqlRepo, err := mysql.NewSQLNegotiationRepository(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		repo = sqlRepo
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer repo.Close()

	if cfg.Catalog.Source == "" {
		return errors.New("未配置商品目录文件")
	}
	catalogProvider, err := catalog.LoadStaticProvider(cfg.Catalog.Source, cfg.Catalog.MaxResults)
	if err != nil {
		return err
	}

	// 链上账本客户端。未配置 RPC 时只允许 dry_run 结算。
	var ledger settlement.Ledger
	if cfg.Web3.RPCURL != "" || cfg.Web3.ChainConfig != "" {
		chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer chainRegistry.Close()

		if cfg.Settlement.Chain != "" {
			client, ok := chainRegistry.Client(cfg.Settlement.Chain)
			if !ok {
				return fmt.Errorf("结算链 %s 未在配置中找到", cfg.Settlement.Chain)
			}
			ledger = client
		} else {
			client, err := chainRegistry.DefaultClient()
			if err != nil {
				return err
			}
			ledger = client
		}
	}

	var gateway settlement.Gateway
	if cfg.Settlement.GatewayURL != "" {
		httpGateway, err := settlement.NewHTTPGateway(settlement.GatewayConfig{
			BaseURL: cfg.Settlement.GatewayURL,
			APIKey:  cfg.Settlement.GatewayAPIKey,
		})
		if err != nil {
			return err
		}
		gateway = httpGateway
	}

	alerts := alerting.NewFanout()
	settler := settlement.NewExecutor(gateway, ledger,
		settlement.WithEvidenceStore(repo),
		settlement.WithCurrency(cfg.Settlement.Currency),
		settlement.WithAlertDispatcher(alerts),
	)

	sessionStore := session.NewMemoryStore()
	sessionQueue, err := createSessionQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sessionQueue.Close(); err != nil {
			logger.L().Error("关闭会话队列失败", "error", err)
		}
	}()

	sessionService := session.NewService(sessionStore, sessionQueue, cfg.Session.MaxRetries,
		session.WithDefaultDryRun(cfg.Settlement.DryRun),
	)

	negotiators := func(maxRounds int) session.Negotiator {
		if maxRounds <= 0 {
			maxRounds = cfg.Negotiation.MaxRounds
		}
		return negotiation.NewOrchestrator(buyer, seller,
			negotiation.WithMaxRounds(maxRounds),
			negotiation.WithRepository(repo),
		)
	}

	processor := session.NewProcessor(sessionStore, sessionQueue, sessionQueue,
		catalogProvider, negotiators, settler,
		session.WithWorkerCount(cfg.Queue.Workers),
		session.WithAlertDispatcher(alerts),
		session.WithProcessorLogger(logger.Named("session")),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("会话处理器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, sessionService, repo)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createDecisionService 按配置构造决策服务，heuristic 模式返回空实现。
func createDecisionService(cfg *config.Config) (decision.Service, error) {
	switch cfg.Decision.Provider {
	case "", "heuristic":
		return nil, nil
	case "openai":
		apiKey := cfg.Decision.OpenAI.ResolveAPIKey()
		if apiKey == "" {
			logger.L().Warn("未提供 OpenAI API Key，议价降级为内置规则")
			return nil, nil
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Decision.OpenAI.BaseURL,
			Model:   cfg.Decision.OpenAI.Model,
			Timeout: time.Duration(cfg.Decision.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的决策服务: %s", cfg.Decision.Provider)
	}
}

// createSessionQueue 按配置构造会话队列。
func createSessionQueue(cfg *config.Config) (session.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return session.NewMemoryQueue(1024), nil
	case "redis":
		return session.NewRedisQueue(session.RedisQueueConfig{
			Address:  cfg.Queue.Redis.Address,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Queue:    cfg.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return session.NewRabbitMQQueue(session.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}
