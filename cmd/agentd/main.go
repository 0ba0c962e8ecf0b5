package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenAgent-Launchpad/internal/agent"
	"OpenAgent-Launchpad/internal/api"
	"OpenAgent-Launchpad/internal/broadcast"
	"OpenAgent-Launchpad/internal/config"
	"OpenAgent-Launchpad/internal/custodial"
	"OpenAgent-Launchpad/internal/observability/metrics"
	"OpenAgent-Launchpad/internal/portfolio"
	"OpenAgent-Launchpad/internal/scheduler"
	"OpenAgent-Launchpad/internal/status"
	"OpenAgent-Launchpad/internal/storage/mysql"
	"OpenAgent-Launchpad/internal/strategy"
	"OpenAgent-Launchpad/internal/swap"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/internal/wallet"
	"OpenAgent-Launchpad/internal/web3/provider"
	"OpenAgent-Launchpad/pkg/logger"
)

// main 是单个智能体进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agent.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Logger()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if err := cfg.Require("AGENT_ID", "PRIVY_APP_ID", "PRIVY_APP_SECRET", "PORTFOLIO_API_KEY"); err != nil {
		return err
	}
	lg := logger.Named("agentd").With("agent_id", cfg.Agent.ID)

	table := tokens.Default()
	strat, err := loadStrategy(cfg)
	if err != nil {
		return err
	}
	if err := strat.Validate(table); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	timeout := cfg.Runtime.HTTPTimeout()

	records, err := mysql.Open(ctx, cfg.Storage.AgentStore.Driver, mysql.Config{
		DSN:             cfg.Storage.AgentStore.DSN,
		MaxOpenConns:    cfg.Storage.AgentStore.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.AgentStore.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.AgentStore.ConnMaxLifetimeSeconds) * time.Second,
	}, cfg.Runtime.DataDir)
	if err != nil {
		return err
	}
	defer records.Close()
	registerAgent(ctx, records, cfg, strat, lg)

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	custody, err := custodial.NewClient(custodial.Config{
		BaseURL:   cfg.Wallet.BaseURL,
		AppID:     cfg.Wallet.AppID,
		AppSecret: cfg.Wallet.AppSecret,
		ChainType: cfg.Wallet.ChainType,
		Timeout:   timeout,
	})
	if err != nil {
		return err
	}
	wallets, err := wallet.NewProvisioner(cfg.Agent.ID, cfg.Runtime.DataDir, custody, records)
	if err != nil {
		return err
	}
	balances, err := portfolio.NewService(portfolio.Config{
		BaseURL:      cfg.Portfolio.BaseURL,
		APIKey:       cfg.Portfolio.APIKey,
		Chain:        strat.Chain,
		FundingToken: strat.FundingToken,
		Timeout:      timeout,
	}, table)
	if err != nil {
		return err
	}
	trader, err := swap.NewExecutor(swap.Config{
		BaseURL:    cfg.Swap.BaseURL,
		APIKey:     cfg.Swap.APIKey,
		Integrator: cfg.Swap.Integrator,
		Slippage:   cfg.Swap.Slippage,
		Timeout:    timeout,
	}, table, custody)
	if err != nil {
		return err
	}

	holder := status.NewHolder(nil)
	logs, err := status.NewLogBuffer(cfg.Agent.LogBufferSize, filepath.Join(cfg.Runtime.DataDir, "logs.json"))
	if err != nil {
		return err
	}

	fanout, err := broadcast.Build(ctx, cfg.Broadcast, timeout)
	if err != nil {
		return err
	}
	defer fanout.Close()
	dispatcher := broadcast.NewDispatcher(cfg.Agent.ID, fanout, 0, timeout)
	holder.Subscribe(dispatcher)

	m := metrics.New()
	runtime, err := agent.New(cfg.Agent.ID, strat, agent.Dependencies{
		Wallets:   wallets,
		Balances:  balances,
		Trader:    trader,
		Scheduler: scheduler.New(),
		Status:    holder,
		Logs:      logs,
		Tokens:    table,
	},
		agent.WithPollInterval(cfg.Agent.BalancePollInterval()),
		agent.WithConfirmer(chains.Confirmer(strat.Chain), time.Duration(cfg.Web3.ConfirmTimeoutSeconds)*time.Second),
		agent.WithRecordStore(records),
		agent.WithMetrics(m),
		agent.WithDefaultOwner(cfg.Agent.OwnerAddress),
	)
	if err != nil {
		return err
	}
	defer runtime.Close()

	lg.Info("智能体已加载",
		slog.String("strategy", strat.Name),
		slog.String("chain", strat.Chain),
		slog.Any("broadcast", fanout.Names()))

	if cfg.Agent.AutoStart {
		if err := runtime.Start(cfg.Agent.OwnerAddress); err != nil {
			lg.Warn("自动启动失败，等待 /start", slog.String("error", err.Error()))
		}
	}

	server := api.NewServer(cfg.Server.Address, runtime, m)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return dispatcher.Run(gctx)
	})
	group.Go(func() error {
		return server.Start(gctx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadStrategy 优先读取策略文件，未配置时由环境变量与配置文件组成默认策略。
func loadStrategy(cfg *config.Config) (*strategy.Strategy, error) {
	if path := strings.TrimSpace(cfg.Agent.StrategyPath); path != "" {
		return strategy.Load(path)
	}
	return strategy.FromConfig(cfg.Agent), nil
}

// registerAgent 确保记录库中存在该智能体，失败只记录日志。
func registerAgent(ctx context.Context, records mysql.AgentRepository, cfg *config.Config, strat *strategy.Strategy, lg *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	existing, err := records.Get(ctx, cfg.Agent.ID)
	if err == nil && existing != nil {
		return
	}
	now := time.Now().Unix()
	err = records.Upsert(ctx, mysql.AgentRecord{
		ID:           cfg.Agent.ID,
		Name:         strat.Name,
		OwnerAddress: cfg.Agent.OwnerAddress,
		Strategy:     strat.Name,
		Status:       string(status.PhaseInitializing),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		lg.Warn("注册智能体记录失败", slog.String("error", err.Error()))
	}
}
