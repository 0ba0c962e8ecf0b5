package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"golang.org/x/sync/errgroup"

	"OpenAgent-Launchpad/internal/auth"
	"OpenAgent-Launchpad/internal/config"
	"OpenAgent-Launchpad/internal/deploy"
	"OpenAgent-Launchpad/internal/knowledge"
	"OpenAgent-Launchpad/internal/llm"
	"OpenAgent-Launchpad/internal/llm/openai"
	"OpenAgent-Launchpad/internal/logstream"
	"OpenAgent-Launchpad/internal/manage"
	"OpenAgent-Launchpad/internal/observability/metrics"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/pkg/logger"
)

// main 是部署控制服务的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("deployd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("DEPLOY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "deploy.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Logger()); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("deployd")

	if cfg.Deploy.APIKey == "" {
		lg.Warn("未配置 DEPLOY_API_KEY，管理接口不做认证")
	}

	m := metrics.New()
	table := tokens.Default()
	pipeline, err := deploy.NewAWS(ctx, deploy.ConfigFrom(cfg), deploy.WithTokens(table), deploy.WithMetrics(m))
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Deploy.Region))
	if err != nil {
		return err
	}
	logs := logstream.NewCloudWatch(awsCfg,
		logstream.WithInterval(time.Duration(cfg.Deploy.LogPollSeconds)*time.Second))

	generator, err := newGenerator(cfg, table)
	if err != nil {
		return err
	}

	deps := manage.Dependencies{
		Deployer: pipeline,
		Logs:     logs,
		Auth:     auth.NewService(auth.Key{Name: "deploy", Value: cfg.Deploy.APIKey}),
		Metrics:  m,
	}
	if generator != nil {
		deps.Generator = generator
	}
	server := manage.NewServer(cfg.Server.Address, deps)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(gctx)
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newGenerator 在配置了 OPENAI_API_KEY 时创建策略生成器，否则返回 nil。
func newGenerator(cfg *config.Config, table *tokens.Table) (*llm.Generator, error) {
	if strings.TrimSpace(cfg.LLM.OpenAI.APIKey) == "" {
		logger.Named("deployd").Warn("未配置 OPENAI_API_KEY，/generate-strategy 不可用")
		return nil, nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:  cfg.LLM.OpenAI.APIKey,
		BaseURL: cfg.LLM.OpenAI.BaseURL,
		Model:   cfg.LLM.OpenAI.Model,
		Timeout: cfg.LLM.OpenAI.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	providers := knowledge.Merge{knowledge.FromTokens(table)}
	if cfg.LLM.KnowledgePath != "" {
		extra, err := knowledge.LoadStaticProvider(cfg.LLM.KnowledgePath, 3)
		if err != nil {
			return nil, err
		}
		providers = append(providers, extra)
	}
	return llm.NewGenerator(client, table, providers), nil
}
