package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/pkg/logger"
)

// Config 描述了智能体进程与部署服务在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Agent     AgentConfig     `json:"agent"`
	Wallet    WalletConfig    `json:"wallet"`
	Portfolio PortfolioConfig `json:"portfolio"`
	Swap      SwapConfig      `json:"swap"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Web3      Web3Config      `json:"web3"`
	Deploy    DeployConfig    `json:"deploy"`
	LLM       LLMConfig       `json:"llm"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Log       LogConfig       `json:"log"`
}

// ServerConfig 控制 HTTP 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// AgentConfig 描述单个智能体的交易参数，策略文件中的值优先。
type AgentConfig struct {
	ID                   string  `json:"id"`
	OwnerAddress         string  `json:"owner_address"`
	Chain                string  `json:"chain"`
	FundingToken         string  `json:"funding_token"`
	TargetToken          string  `json:"target_token"`
	FundingThreshold     float64 `json:"funding_threshold"`
	TargetAmount         float64 `json:"target_amount"`
	TradeIntervalSeconds int     `json:"trade_interval_seconds"`
	BalancePollSeconds   int     `json:"balance_poll_seconds"`
	ExecuteImmediately   *bool   `json:"execute_immediately,omitempty"`
	StrategyPath         string  `json:"strategy_path"`
	LogBufferSize        int     `json:"log_buffer_size"`
	AutoStart            bool    `json:"auto_start"`
}

// TradeInterval 返回定时交易的间隔。
func (a AgentConfig) TradeInterval() time.Duration {
	return time.Duration(a.TradeIntervalSeconds) * time.Second
}

// BalancePollInterval 返回余额轮询的固定间隔。
func (a AgentConfig) BalancePollInterval() time.Duration {
	return time.Duration(a.BalancePollSeconds) * time.Second
}

// WalletConfig 描述托管钱包服务的访问凭证。
type WalletConfig struct {
	BaseURL   string `json:"base_url"`
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	ChainType string `json:"chain_type"`
}

// PortfolioConfig 描述资产组合查询服务。
type PortfolioConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// SwapConfig 描述兑换聚合器的访问参数。
type SwapConfig struct {
	BaseURL    string  `json:"base_url"`
	APIKey     string  `json:"api_key"`
	Integrator string  `json:"integrator"`
	Slippage   float64 `json:"slippage"`
}

// StorageConfig 描述智能体记录存储。
type StorageConfig struct {
	AgentStore AgentStoreConfig `json:"agent_store"`
}

// AgentStoreConfig 支持 memory 与 mysql 两种驱动。
type AgentStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// BroadcastConfig 汇总状态广播的下游渠道，未配置的渠道会被跳过。
type BroadcastConfig struct {
	Realtime RealtimeConfig `json:"realtime"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RealtimeConfig 对应 Supabase Realtime 的 REST 广播接口。
type RealtimeConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"api_key"`
}

// RedisConfig 描述 Redis 发布订阅参数。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	ChannelPrefix string `json:"channel_prefix"`
}

// RabbitMQConfig 描述 RabbitMQ fanout 交换机参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
	Durable  bool   `json:"durable"`
}

// Web3Config 包含链定义文件与交易确认参数。
type Web3Config struct {
	ChainConfig           string `json:"chain_config"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// DeployConfig 描述部署流水线依赖的云资源。
type DeployConfig struct {
	Region         string `json:"region"`
	AccountID      string `json:"account_id"`
	AccessRoleARN  string `json:"access_role_arn"`
	APIKey         string `json:"api_key"`
	SupportDir     string `json:"support_dir"`
	BaseImage      string `json:"base_image"`
	Platform       string `json:"platform"`
	ServicePort    string `json:"service_port"`
	Mode           string `json:"mode"`
	CPU            string `json:"cpu"`
	Memory         string `json:"memory"`
	LogPollSeconds int    `json:"log_poll_seconds"`
}

// LLMConfig 用于配置策略生成所使用的大模型。
type LLMConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
	// KnowledgePath 指向额外的 JSON 知识条目，会与代币表一起提供给模型。
	KnowledgePath string `json:"knowledge_path"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用方式。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回调用超时时间。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir            string `json:"data_dir"`
	HTTPTimeoutSeconds int    `json:"http_timeout_seconds"`
}

// HTTPTimeout 返回所有外部调用共用的超时时间。
func (r RuntimeConfig) HTTPTimeout() time.Duration {
	return time.Duration(r.HTTPTimeoutSeconds) * time.Second
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level     string   `json:"level"`
	Format    string   `json:"format"`
	Outputs   []string `json:"outputs"`
	AuditPath string   `json:"audit_path"`
}

// Logger 转换为 pkg/logger 的初始化参数，填写 AuditPath 即开启审计日志。
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:       l.Level,
		Format:      l.Format,
		OutputPaths: l.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    strings.TrimSpace(l.AuditPath) != "",
			Path:       l.AuditPath,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LookupFunc 与 os.LookupEnv 签名一致，便于测试注入。
type LookupFunc func(key string) (string, bool)

// Load 解析 JSON 配置文件并叠加环境变量。文件不存在时仅使用默认值与环境变量，
// 以便容器内只依赖环境变量启动。
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv 与 Load 相同，但允许替换环境变量来源。
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	var cfg Config
	baseDir := "."
	if strings.TrimSpace(path) != "" {
		baseDir = filepath.Dir(path)
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(content, &cfg); err != nil {
				return nil, fmt.Errorf("解析配置失败: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if lookup != nil {
		cfg.applyEnv(lookup)
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// envBindings 返回环境变量名到字符串字段的映射。
func (c *Config) envBindings() map[string]*string {
	return map[string]*string{
		"AGENT_ID":                  &c.Agent.ID,
		"OWNER_ADDRESS":             &c.Agent.OwnerAddress,
		"STRATEGY_PATH":             &c.Agent.StrategyPath,
		"PRIVY_APP_ID":              &c.Wallet.AppID,
		"PRIVY_APP_SECRET":          &c.Wallet.AppSecret,
		"PORTFOLIO_API_KEY":         &c.Portfolio.APIKey,
		"LIFI_API_KEY":              &c.Swap.APIKey,
		"SUPABASE_URL":              &c.Broadcast.Realtime.URL,
		"SUPABASE_KEY":              &c.Broadcast.Realtime.APIKey,
		"MYSQL_DSN":                 &c.Storage.AgentStore.DSN,
		"REDIS_ADDR":                &c.Broadcast.Redis.Address,
		"RABBITMQ_URL":              &c.Broadcast.RabbitMQ.URL,
		"AWS_REGION":                &c.Deploy.Region,
		"AWS_ACCOUNT_ID":            &c.Deploy.AccountID,
		"APPRUNNER_ACCESS_ROLE_ARN": &c.Deploy.AccessRoleARN,
		"DEPLOY_API_KEY":            &c.Deploy.APIKey,
		"OPENAI_API_KEY":            &c.LLM.OpenAI.APIKey,
		"AGENT_DATA_DIR":            &c.Runtime.DataDir,
		"LOG_LEVEL":                 &c.Log.Level,
	}
}

// RuntimeSecretNames 是部署时需要原样注入智能体容器的环境变量。
var RuntimeSecretNames = []string{
	"PRIVY_APP_ID",
	"PRIVY_APP_SECRET",
	"PORTFOLIO_API_KEY",
	"LIFI_API_KEY",
	"SUPABASE_URL",
	"SUPABASE_KEY",
}

func (c *Config) applyEnv(lookup LookupFunc) {
	for name, field := range c.envBindings() {
		if value, ok := lookup(name); ok && strings.TrimSpace(value) != "" {
			*field = strings.TrimSpace(value)
		}
	}
	if port, ok := lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		c.Server.Address = ":" + strings.TrimSpace(port)
	}
	if raw, ok := lookup("FUNDING_THRESHOLD"); ok {
		if value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && value > 0 {
			c.Agent.FundingThreshold = value
		}
	}
	if raw, ok := lookup("TRADE_INTERVAL_SECONDS"); ok {
		if value, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && value > 0 {
			c.Agent.TradeIntervalSeconds = value
		}
	}
	if raw, ok := lookup("AUTO_START"); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			c.Agent.AutoStart = value
		}
	}
	if c.Storage.AgentStore.DSN != "" && c.Storage.AgentStore.Driver == "" {
		c.Storage.AgentStore.Driver = "mysql"
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":3000"
	}

	if c.Agent.Chain == "" {
		c.Agent.Chain = "polygon"
	}
	if c.Agent.FundingToken == "" {
		c.Agent.FundingToken = "POL"
	}
	if c.Agent.TargetToken == "" {
		c.Agent.TargetToken = "USDC"
	}
	if c.Agent.FundingThreshold <= 0 {
		c.Agent.FundingThreshold = 0.01
	}
	if c.Agent.TargetAmount <= 0 {
		c.Agent.TargetAmount = 0.01
	}
	if c.Agent.TradeIntervalSeconds <= 0 {
		c.Agent.TradeIntervalSeconds = int((20 * time.Minute).Seconds())
	}
	if c.Agent.BalancePollSeconds <= 0 {
		c.Agent.BalancePollSeconds = 30
	}
	if c.Agent.ExecuteImmediately == nil {
		immediate := true
		c.Agent.ExecuteImmediately = &immediate
	}
	if c.Agent.LogBufferSize <= 0 {
		c.Agent.LogBufferSize = 1000
	}

	if c.Wallet.BaseURL == "" {
		c.Wallet.BaseURL = "https://api.privy.io"
	}
	if c.Wallet.ChainType == "" {
		c.Wallet.ChainType = "ethereum"
	}
	if c.Portfolio.BaseURL == "" {
		c.Portfolio.BaseURL = "https://api.portfolio.example"
	}
	if c.Swap.BaseURL == "" {
		c.Swap.BaseURL = "https://li.quest"
	}
	if c.Swap.Slippage <= 0 {
		c.Swap.Slippage = 0.005
	}

	if c.Storage.AgentStore.Driver == "" {
		c.Storage.AgentStore.Driver = "memory"
	}
	if c.Broadcast.Redis.ChannelPrefix == "" {
		c.Broadcast.Redis.ChannelPrefix = "agent:"
	}
	if c.Broadcast.RabbitMQ.Exchange == "" {
		c.Broadcast.RabbitMQ.Exchange = "agent.status"
	}
	if c.Web3.ConfirmTimeoutSeconds <= 0 {
		c.Web3.ConfirmTimeoutSeconds = 120
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Deploy.Platform == "" {
		c.Deploy.Platform = "linux/amd64"
	}
	if c.Deploy.ServicePort == "" {
		c.Deploy.ServicePort = "3000"
	}
	if c.Deploy.Mode == "" {
		c.Deploy.Mode = "replace"
	}
	if c.Deploy.CPU == "" {
		c.Deploy.CPU = "1024"
	}
	if c.Deploy.Memory == "" {
		c.Deploy.Memory = "2048"
	}
	if c.Deploy.BaseImage == "" {
		c.Deploy.BaseImage = "openagent/agentd:latest"
	}
	if c.Deploy.LogPollSeconds <= 0 {
		c.Deploy.LogPollSeconds = 5
	}
	if c.Deploy.SupportDir != "" && !filepath.IsAbs(c.Deploy.SupportDir) {
		c.Deploy.SupportDir = filepath.Join(baseDir, c.Deploy.SupportDir)
	}

	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}
	if c.LLM.KnowledgePath != "" && !filepath.IsAbs(c.LLM.KnowledgePath) {
		c.LLM.KnowledgePath = filepath.Join(baseDir, c.LLM.KnowledgePath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.HTTPTimeoutSeconds <= 0 {
		c.Runtime.HTTPTimeoutSeconds = 30
	}
}

// Require 校验指定的环境变量对应的配置项均已填写，缺失时返回 CONFIGURATION_ERROR。
func (c *Config) Require(names ...string) error {
	bindings := c.envBindings()
	var missing []string
	for _, name := range names {
		if name == "PORT" {
			if strings.TrimSpace(c.Server.Address) == "" {
				missing = append(missing, name)
			}
			continue
		}
		field, ok := bindings[name]
		if !ok || strings.TrimSpace(*field) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return xerrors.MissingConfiguration(missing...)
	}
	return nil
}

// Value 返回环境变量名对应的当前配置值。
func (c *Config) Value(name string) string {
	if field, ok := c.envBindings()[name]; ok {
		return *field
	}
	return ""
}
