package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"OpenAgent-Launchpad/internal/config"
	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/observability/metrics"
	"OpenAgent-Launchpad/internal/strategy"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/pkg/logger"
)

const maxServiceNameLength = 40

var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Config 是流水线运行所需的参数。
type Config struct {
	Region          string
	AccountID       string
	AccessRoleARN   string
	BaseImage       string
	Platform        string
	Port            string
	Mode            Mode
	CPU             string
	Memory          string
	SupportDir      string
	HealthCheckPath string
	// RuntimeEnv 会原样注入容器，通常是第三方服务的密钥。
	RuntimeEnv map[string]string
	// WorkDir 为空时在系统临时目录下创建构建上下文。
	WorkDir string
}

// ConfigFrom 从全局配置中提取部署参数。
func ConfigFrom(cfg *config.Config) Config {
	env := make(map[string]string, len(config.RuntimeSecretNames))
	for _, name := range config.RuntimeSecretNames {
		if value := cfg.Value(name); value != "" {
			env[name] = value
		}
	}
	return Config{
		Region:          cfg.Deploy.Region,
		AccountID:       cfg.Deploy.AccountID,
		AccessRoleARN:   cfg.Deploy.AccessRoleARN,
		BaseImage:       cfg.Deploy.BaseImage,
		Platform:        cfg.Deploy.Platform,
		Port:            cfg.Deploy.ServicePort,
		Mode:            Mode(cfg.Deploy.Mode),
		CPU:             cfg.Deploy.CPU,
		Memory:          cfg.Deploy.Memory,
		SupportDir:      cfg.Deploy.SupportDir,
		HealthCheckPath: "/health",
		RuntimeEnv:      env,
	}
}

// validate 检查云资源标识，缺失时列出全部缺失的环境变量。
func (c Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Region) == "" {
		missing = append(missing, "AWS_REGION")
	}
	if strings.TrimSpace(c.AccountID) == "" {
		missing = append(missing, "AWS_ACCOUNT_ID")
	}
	if strings.TrimSpace(c.AccessRoleARN) == "" {
		missing = append(missing, "APPRUNNER_ACCESS_ROLE_ARN")
	}
	if len(missing) > 0 {
		return xerrors.MissingConfiguration(missing...)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BaseImage == "" {
		c.BaseImage = DefaultBaseImage
	}
	if c.Platform == "" {
		c.Platform = "linux/amd64"
	}
	if c.Port == "" {
		c.Port = "3000"
	}
	if c.Mode == "" {
		c.Mode = ModeReplace
	}
	if c.CPU == "" {
		c.CPU = "1024"
	}
	if c.Memory == "" {
		c.Memory = "2048"
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
	}
}

// Request 是一次部署的输入。
type Request struct {
	AgentID      string `json:"agentId"`
	OwnerAddress string `json:"ownerAddress"`
	// Strategy 是 YAML 格式的策略文档。
	Strategy string `json:"strategy"`
}

// Result 是一次成功部署的输出。
type Result struct {
	ServiceURL  string `json:"agentUrl"`
	ServiceName string `json:"serviceName"`
	ServiceARN  string `json:"serviceArn,omitempty"`
	ImageURI    string `json:"imageUri"`
	BuildID     string `json:"buildId"`
	Updated     bool   `json:"updated"`
}

// Option 定义可选的流水线配置。
type Option func(*Pipeline)

// WithTokens 替换校验策略时使用的代币表。
func WithTokens(table *tokens.Table) Option {
	return func(p *Pipeline) {
		if table != nil {
			p.tokens = table
		}
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock 替换时间来源。
func WithClock(clock clockwork.Clock) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// Pipeline 串联镜像仓库、镜像构建与托管服务。
type Pipeline struct {
	cfg      Config
	registry Registry
	builder  Builder
	services ServiceManager

	tokens  *tokens.Table
	metrics *metrics.Metrics
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewPipeline 创建部署流水线。配置是否完整在每次 Deploy 时检查，
// 这样管理服务可以在缺少云凭证时照常启动。
func NewPipeline(cfg Config, registry Registry, builder Builder, services ServiceManager, opts ...Option) (*Pipeline, error) {
	if registry == nil || builder == nil || services == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "registry, builder and service manager are required")
	}
	cfg.applyDefaults()
	if cfg.Mode != ModeReplace && cfg.Mode != ModeFresh {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown deploy mode %q", cfg.Mode))
	}
	p := &Pipeline{
		cfg:      cfg,
		registry: registry,
		builder:  builder,
		services: services,
		tokens:   tokens.Default(),
		clock:    clockwork.NewRealClock(),
		logger:   logger.Named("deploy"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// NewAWS 使用默认凭证链创建基于 ECR、docker 与 App Runner 的流水线。
func NewAWS(ctx context.Context, cfg Config, opts ...Option) (*Pipeline, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 AWS 配置失败")
	}
	return NewPipeline(cfg,
		NewECRRegistry(awsCfg, cfg.AccountID),
		NewDockerCLI("", nil),
		NewAppRunnerManager(awsCfg),
		opts...)
}

// ServiceName 返回智能体对应的服务名与仓库名。
func ServiceName(agentID string) string {
	return "agent-" + strings.ToLower(strings.TrimSpace(agentID))
}

// Deploy 执行完整的部署流程并返回服务地址。构建目录在所有返回路径上都会删除。
func (p *Pipeline) Deploy(ctx context.Context, req Request) (result Result, err error) {
	started := p.clock.Now()
	log := p.logger.With("agent_id", req.AgentID)
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			log.Error("部署失败", "error", err)
			logger.Audit().Error("agent_deploy_failed", "agent_id", req.AgentID, "owner", req.OwnerAddress, "error", err.Error())
		} else {
			logger.Audit().Info("agent_deployed",
				"agent_id", req.AgentID,
				"owner", req.OwnerAddress,
				"service", result.ServiceName,
				"url", result.ServiceURL,
				"image", result.ImageURI,
				"duration", p.clock.Since(started).String())
		}
		p.metrics.ObserveDeployment(outcome)
	}()

	var strat *strategy.Strategy
	if err := p.step(StepValidate, func() error {
		var verr error
		strat, verr = p.validate(req)
		return verr
	}); err != nil {
		return Result{}, err
	}

	name := ServiceName(req.AgentID)
	buildID := uuid.NewString()
	result.ServiceName = name
	result.BuildID = buildID

	workDir, err := os.MkdirTemp(p.cfg.WorkDir, name+"-build-")
	if err != nil {
		return Result{}, stepFailed(StepBuildContext, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.Warn("清理构建目录失败", "dir", workDir, "error", rmErr)
		}
	}()

	if err := p.step(StepBuildContext, func() error {
		return writeBuildContext(workDir, p.cfg, strat, Manifest{
			AgentID:      req.AgentID,
			OwnerAddress: req.OwnerAddress,
			Strategy:     strat.Name,
			BaseImage:    p.cfg.BaseImage,
			Platform:     p.cfg.Platform,
			BuildID:      buildID,
			CreatedAt:    p.clock.Now().UTC(),
		})
	}); err != nil {
		return Result{}, err
	}

	var repoURI string
	if err := p.step(StepRepository, func() error {
		var rerr error
		repoURI, rerr = p.registry.EnsureRepository(ctx, name)
		return rerr
	}); err != nil {
		return Result{}, err
	}
	// 服务引用本次构建独有的标签，更新已有服务时 App Runner 才会拉取新镜像。
	result.ImageURI = repoURI + ":" + buildID
	tags := []string{repoURI + ":latest", result.ImageURI}
	log.Info("镜像仓库就绪", "repository", repoURI)

	if err := p.step(StepBuild, func() error {
		return p.builder.Build(ctx, workDir, p.cfg.Platform, tags)
	}); err != nil {
		return Result{}, err
	}

	if err := p.step(StepPush, func() error {
		auth, aerr := p.registry.Authorization(ctx)
		if aerr != nil {
			return aerr
		}
		return p.builder.Push(ctx, auth, tags)
	}); err != nil {
		return Result{}, err
	}
	log.Info("镜像已推送", "image", result.ImageURI)

	var svc Service
	if err := p.step(StepService, func() error {
		var serr error
		svc, serr = p.services.Deploy(ctx, p.serviceSpec(name, result.ImageURI, req), p.cfg.Mode)
		return serr
	}); err != nil {
		return Result{}, err
	}
	result.ServiceURL = svc.URL
	result.ServiceARN = svc.ARN
	result.Updated = svc.Updated
	if svc.Name != "" {
		result.ServiceName = svc.Name
	}
	log.Info("托管服务已发布", "service", result.ServiceName, "url", result.ServiceURL, "updated", svc.Updated)
	return result, nil
}

func (p *Pipeline) validate(req Request) (*strategy.Strategy, error) {
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.AgentID)
	if !agentIDPattern.MatchString(strings.ToLower(id)) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid agentId %q", req.AgentID))
	}
	if len(ServiceName(id)) > maxServiceNameLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("agentId too long, service name must not exceed %d characters", maxServiceNameLength))
	}
	if !common.IsHexAddress(req.OwnerAddress) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ownerAddress must be a valid hex address")
	}
	if strings.TrimSpace(req.Strategy) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "strategy is required")
	}
	strat, err := strategy.Parse([]byte(req.Strategy))
	if err != nil {
		return nil, err
	}
	if err := strat.Validate(p.tokens); err != nil {
		return nil, err
	}
	return strat, nil
}

func (p *Pipeline) serviceSpec(name, image string, req Request) ServiceSpec {
	env := make(map[string]string, len(p.cfg.RuntimeEnv)+5)
	for key, value := range p.cfg.RuntimeEnv {
		env[key] = value
	}
	env["OWNER_ADDRESS"] = req.OwnerAddress
	env["AGENT_ID"] = req.AgentID
	env["PORT"] = p.cfg.Port
	env["STRATEGY_PATH"] = StrategyMountPath
	env["AUTO_START"] = "true"
	return ServiceSpec{
		Name:            name,
		ImageURI:        image,
		Port:            p.cfg.Port,
		AccessRoleARN:   p.cfg.AccessRoleARN,
		CPU:             p.cfg.CPU,
		Memory:          p.cfg.Memory,
		HealthCheckPath: p.cfg.HealthCheckPath,
		Env:             env,
	}
}

// step 执行单个步骤并记录耗时。
func (p *Pipeline) step(step Step, fn func() error) error {
	started := p.clock.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.ObserveDeployStep(string(step), status, p.clock.Since(started))
	if err != nil {
		return stepFailed(step, err)
	}
	p.logger.Debug("部署步骤完成", "step", step)
	return nil
}

