package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"OpenAgent-Launchpad/internal/custodial"
	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/observability/metrics"
	"OpenAgent-Launchpad/internal/portfolio"
	"OpenAgent-Launchpad/internal/scheduler"
	"OpenAgent-Launchpad/internal/status"
	"OpenAgent-Launchpad/internal/storage/mysql"
	"OpenAgent-Launchpad/internal/strategy"
	"OpenAgent-Launchpad/internal/swap"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/internal/web3"
	"OpenAgent-Launchpad/pkg/logger"
)

// WalletProvisioner 幂等地创建托管钱包。
type WalletProvisioner interface {
	CreateWallet(ctx context.Context, owner string) (custodial.Wallet, error)
}

// BalanceChecker 判断钱包是否持有足够的资金代币。
type BalanceChecker interface {
	CheckBalance(ctx context.Context, wallet string, threshold float64) portfolio.BalanceCheck
}

// Trader 负责报价、价格查询与交易提交。
type Trader interface {
	BindWallet(walletID string)
	TokenPrice(ctx context.Context, chain, token string) (decimal.Decimal, error)
	Swap(ctx context.Context, req swap.Request) (*swap.Quote, error)
	SendTransaction(ctx context.Context, tx web3.TransactionRequest) (web3.SentTransaction, error)
}

// Scheduler 是运行时使用的定时器子集。
type Scheduler interface {
	ScheduleInterval(interval time.Duration, callback scheduler.Callback, executeImmediately bool) (string, error)
	ScheduleTimes(utcTimes []string, callback scheduler.Callback) (string, error)
	StopSchedule(id string) bool
	StopAll()
	Active() []scheduler.Info
}

// RecordStore 是智能体记录库，所有写入都是尽力而为。
type RecordStore interface {
	UpdateStatus(ctx context.Context, agentID, status string) error
	AppendTrade(ctx context.Context, trade mysql.TradeRecord) error
}

// Dependencies 汇总运行时依赖的外部组件。
type Dependencies struct {
	Wallets   WalletProvisioner
	Balances  BalanceChecker
	Trader    Trader
	Scheduler Scheduler
	Status    *status.Holder
	Logs      *status.LogBuffer
	Tokens    *tokens.Table
}

const (
	defaultPollInterval   = 30 * time.Second
	defaultConfirmTimeout = 2 * time.Minute
	recordTimeout         = 10 * time.Second
)

// Option 定义可选的运行时配置。
type Option func(*Runtime)

// WithClock 替换时间来源。
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runtime) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithPollInterval 设置余额轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(r *Runtime) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithConfirmer 配置交易确认，timeout 限制单次等待时间。confirmer 同时实现
// web3.TokenInspector 时，也用于查询代币表之外的 ERC-20 精度。
func WithConfirmer(confirmer web3.Confirmer, timeout time.Duration) Option {
	return func(r *Runtime) {
		r.confirmer = confirmer
		if inspector, ok := confirmer.(web3.TokenInspector); ok {
			r.inspector = inspector
		}
		if timeout > 0 {
			r.confirmTimeout = timeout
		}
	}
}

// WithRecordStore 配置智能体记录库。
func WithRecordStore(records RecordStore) Option {
	return func(r *Runtime) {
		r.records = records
	}
}

// WithMetrics 配置指标采集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithDefaultOwner 设置 /start 未携带 ownerAddress 时使用的所有者地址。
func WithDefaultOwner(owner string) Option {
	return func(r *Runtime) {
		r.defaultOwner = strings.TrimSpace(owner)
	}
}

// Runtime 是单个智能体的状态机，一个进程只持有一个实例。
type Runtime struct {
	agentID  string
	strategy *strategy.Strategy
	deps     Dependencies

	records        RecordStore
	confirmer      web3.Confirmer
	inspector      web3.TokenInspector
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
	clock          clockwork.Clock
	pollInterval   time.Duration
	defaultOwner   string
	startedAt      time.Time
	log            *slog.Logger

	mu         sync.Mutex
	running    bool
	generation uint64
	owner      string
	wallet     custodial.Wallet
	scheduleID string
	cancel     context.CancelFunc
	done       chan struct{}
}

// New 创建运行时并订阅状态变化以写入日志缓冲区。
func New(agentID string, strat *strategy.Strategy, deps Dependencies, opts ...Option) (*Runtime, error) {
	// 校验依赖是否齐全。
	switch {
	case strings.TrimSpace(agentID) == "":
		return nil, xerrors.MissingConfiguration("AGENT_ID")
	case deps.Wallets == nil || deps.Balances == nil || deps.Trader == nil:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "wallet, balance and trade services are required")
	case deps.Scheduler == nil || deps.Status == nil || deps.Logs == nil:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "scheduler, status holder and log buffer are required")
	}
	if deps.Tokens == nil {
		deps.Tokens = tokens.Default()
	}
	if err := strat.Validate(deps.Tokens); err != nil {
		return nil, err
	}

	r := &Runtime{
		agentID:        agentID,
		strategy:       strat,
		deps:           deps,
		confirmTimeout: defaultConfirmTimeout,
		clock:          clockwork.NewRealClock(),
		pollInterval:   defaultPollInterval,
		log:            logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.startedAt = r.clock.Now()
	deps.Status.Subscribe(status.ListenerFunc(r.onStatus))
	return r, nil
}

// ID 返回智能体 ID。
func (r *Runtime) ID() string { return r.agentID }

// Strategy 返回当前策略。
func (r *Runtime) Strategy() *strategy.Strategy { return r.strategy }

// Status 返回当前状态快照。
func (r *Runtime) Status() status.AgentStatus { return r.deps.Status.Snapshot() }

// Logs 返回日志缓冲区内容。
func (r *Runtime) Logs() []status.LogEntry { return r.deps.Logs.Entries() }

// Schedules 返回活跃的定时任务。
func (r *Runtime) Schedules() []scheduler.Info { return r.deps.Scheduler.Active() }

// Uptime 返回运行时创建以来的时长。
func (r *Runtime) Uptime() time.Duration { return r.clock.Since(r.startedAt) }

// Running 判断状态机是否已启动。
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start 在后台启动状态机。已在运行时返回 RUNTIME_ALREADY_RUNNING。
func (r *Runtime) Start(owner string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		owner = r.defaultOwner
	}
	if !common.IsHexAddress(owner) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid owner address %q", owner))
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeAlreadyRunning, "agent is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.running = true
	r.generation++
	gen := r.generation
	r.owner = owner
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	r.log.Info("启动智能体", slog.String("agent_id", r.agentID), slog.String("owner", owner))
	go r.run(ctx, gen, owner, done)
	return nil
}

// Done 返回本次启动流程结束时关闭的通道，未启动时返回 nil。
func (r *Runtime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Stop 停止定时交易与余额轮询，之后可以再次 Start。未运行时返回 false。
func (r *Runtime) Stop() bool {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return false
	}
	cancel, scheduleID := r.cancel, r.scheduleID
	r.running = false
	r.scheduleID = ""
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if scheduleID != "" {
		r.deps.Scheduler.StopSchedule(scheduleID)
	}
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseWaiting),
		IsRunning:   status.Ptr(false),
		LastMessage: status.Ptr("Trading schedule stopped"),
		NextStep:    status.Ptr("Call /start to resume trading"),
	})
	r.syncRecord(string(status.PhaseWaiting))
	return true
}

// Close 停止所有后台任务并等待启动流程退出。
func (r *Runtime) Close() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.deps.Scheduler.StopAll()
	if done != nil {
		<-done
	}
}

// current 判断 gen 是否仍是正在运行的那次启动。Stop 或重新 Start 之后，旧流程的结果全部丢弃。
func (r *Runtime) current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running && r.generation == gen
}

func (r *Runtime) run(ctx context.Context, gen uint64, owner string, done chan struct{}) {
	defer close(done)

	// 创建或复用托管钱包。
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseInitializing),
		IsRunning:   status.Ptr(true),
		LastMessage: status.Ptr("Creating custodial wallet"),
		Error:       status.Ptr(""),
	})
	wallet, err := r.deps.Wallets.CreateWallet(ctx, owner)
	if err != nil {
		r.park(gen, err)
		return
	}
	r.mu.Lock()
	if !r.running || r.generation != gen {
		r.mu.Unlock()
		return
	}
	r.wallet = wallet
	r.mu.Unlock()
	r.deps.Trader.BindWallet(wallet.ID)
	r.update(status.Patch{
		Phase:         status.Ptr(status.PhaseCheckingBalance),
		WalletAddress: status.Ptr(wallet.Address),
		LastMessage:   status.Ptr(fmt.Sprintf("Wallet ready at %s", wallet.Address)),
	})
	r.syncRecord(string(status.PhaseCheckingBalance))

	// 轮询余额直到达到资金门槛。
	if !r.waitForFunding(ctx, wallet.Address) || !r.current(gen) {
		return
	}

	// 先进入监控阶段再注册定时交易，立即执行的首个周期不会被覆盖。
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseMonitoring),
		LastMessage: status.Ptr(r.scheduleDescription()),
	})
	scheduleID, err := r.arm()
	if err != nil {
		r.park(gen, err)
		return
	}
	r.mu.Lock()
	if ctx.Err() != nil || !r.running || r.generation != gen {
		r.mu.Unlock()
		r.deps.Scheduler.StopSchedule(scheduleID)
		return
	}
	r.scheduleID = scheduleID
	r.mu.Unlock()
	r.syncRecord(string(status.PhaseMonitoring))
}

func (r *Runtime) waitForFunding(ctx context.Context, address string) bool {
	threshold := r.strategy.FundingThreshold
	for {
		check := r.deps.Balances.CheckBalance(ctx, address, threshold)
		if ctx.Err() != nil {
			return false
		}
		r.metrics.ObserveBalancePoll(check.Success, check.PolBalance)
		if check.Success {
			r.update(status.Patch{
				PolBalance:  status.Ptr(check.PolBalance),
				LastMessage: status.Ptr(fmt.Sprintf("Funding threshold met: %s %s", formatAmount(check.PolBalance), r.strategy.FundingToken)),
			})
			return true
		}

		message := fmt.Sprintf("Waiting for at least %s %s (current %s)",
			formatAmount(threshold), r.strategy.FundingToken, formatAmount(check.PolBalance))
		if check.Message != "" {
			message += ": " + check.Message
		}
		r.update(status.Patch{
			Phase:       status.Ptr(status.PhaseCheckingBalance),
			PolBalance:  status.Ptr(check.PolBalance),
			LastMessage: status.Ptr(message),
		})

		select {
		case <-ctx.Done():
			return false
		case <-r.clock.After(r.pollInterval):
		}
	}
}

func (r *Runtime) arm() (string, error) {
	if len(r.strategy.Times) > 0 {
		return r.deps.Scheduler.ScheduleTimes(r.strategy.Times, r.tradeCycle)
	}
	return r.deps.Scheduler.ScheduleInterval(r.strategy.IntervalDuration(), r.tradeCycle, r.strategy.Immediate())
}

func (r *Runtime) scheduleDescription() string {
	s := r.strategy
	if len(s.Times) > 0 {
		return fmt.Sprintf("Buying %s %s daily at %s UTC", formatAmount(s.TargetAmount), s.TargetToken, strings.Join(s.Times, ", "))
	}
	return fmt.Sprintf("Buying %s %s every %s", formatAmount(s.TargetAmount), s.TargetToken, s.IntervalDuration())
}

// park 把无法自动恢复的启动错误写入状态，并允许再次调用 Start。已被 Stop 或新一次 Start
// 取代的流程不修改任何状态。
func (r *Runtime) park(gen uint64, err error) {
	r.mu.Lock()
	if !r.running || r.generation != gen {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.Error("智能体启动失败", slog.String("agent_id", r.agentID), slog.String("error", err.Error()))
	r.update(status.Patch{
		Phase:       status.Ptr(status.PhaseError),
		IsRunning:   status.Ptr(false),
		Error:       status.Ptr(err.Error()),
		LastMessage: status.Ptr("Agent setup failed"),
	})
	r.syncRecord(string(status.PhaseError))
}

func (r *Runtime) currentWallet() custodial.Wallet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wallet
}

func (r *Runtime) update(patch status.Patch) status.AgentStatus {
	return r.deps.Status.Update(patch)
}

// onStatus 为每次状态迁移写入一条日志。
func (r *Runtime) onStatus(snapshot status.AgentStatus) {
	r.metrics.ObservePhase(string(snapshot.Phase))

	level := status.LevelInfo
	message := fmt.Sprintf("[%s] %s", snapshot.Phase, snapshot.LastMessage)
	switch snapshot.Phase {
	case status.PhaseError:
		level = status.LevelError
		if snapshot.Error != nil {
			message = fmt.Sprintf("[%s] %s", snapshot.Phase, *snapshot.Error)
		}
	case status.PhaseTradeCompleted, status.PhaseWithdrawalComplete:
		level = status.LevelSuccess
	case status.PhaseWaiting:
		level = status.LevelWarning
	}
	r.deps.Logs.Log(message, level)
}

func (r *Runtime) syncRecord(phase string) {
	if r.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.records.UpdateStatus(ctx, r.agentID, phase); err != nil {
		r.log.Warn("同步智能体状态失败", slog.String("agent_id", r.agentID), slog.String("error", err.Error()))
	}
}

func (r *Runtime) recordTrade(trade status.Trade) {
	if r.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := r.records.AppendTrade(ctx, mysql.TradeRecord{
		ID:        uuid.NewString(),
		AgentID:   r.agentID,
		Type:      trade.Type,
		Details:   trade.Details,
		TxHash:    trade.Hash,
		CreatedAt: trade.Timestamp.Unix(),
	})
	if err != nil {
		r.log.Warn("保存交易记录失败", slog.String("agent_id", r.agentID), slog.String("error", err.Error()))
	}
}

func formatAmount(v float64) string {
	return decimal.NewFromFloat(v).String()
}
