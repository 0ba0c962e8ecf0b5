// Package status models the agent's phase/status object and its bounded log
// buffer. Status changes go through Apply, a pure merge of a partial patch
// into the current value; Holder owns the single live copy and hands out
// snapshots.
package status

import (
	"time"
)

// Phase 是状态机当前所处的阶段。
type Phase string

const (
	PhaseInitializing        Phase = "initializing"
	PhaseCheckingBalance     Phase = "checking_balance"
	PhaseMonitoring          Phase = "monitoring"
	PhaseAnalyzingMarket     Phase = "analyzing_market"
	PhaseCalculatingStrategy Phase = "calculating_strategy"
	PhaseExecutingTrade      Phase = "executing_trade"
	PhaseTradeCompleted      Phase = "trade_completed"
	PhaseWaiting             Phase = "waiting"
	PhaseWithdrawing         Phase = "withdrawing"
	PhaseWithdrawalComplete  Phase = "withdrawal_complete"
	PhaseError               Phase = "error"
)

var defaultNextSteps = map[Phase]string{
	PhaseInitializing:        "Setting up wallet and configuration",
	PhaseCheckingBalance:     "Waiting for POL deposit to reach the funding threshold",
	PhaseMonitoring:          "Waiting for next scheduled trade",
	PhaseAnalyzingMarket:     "Fetching current market prices",
	PhaseCalculatingStrategy: "Computing trade size for the next swap",
	PhaseExecutingTrade:      "Confirming transaction and updating records",
	PhaseTradeCompleted:      "Returning to monitoring",
	PhaseWaiting:             "Waiting for next action",
	PhaseWithdrawing:         "Processing withdrawal to owner wallet",
	PhaseWithdrawalComplete:  "Withdrawal finished, resuming monitoring",
	PhaseError:               "Retrying on the next cycle",
}

// DefaultNextStep 返回阶段对应的默认下一步描述。
func DefaultNextStep(phase Phase) string {
	if step, ok := defaultNextSteps[phase]; ok {
		return step
	}
	return "Waiting for next action"
}

// Valid 判断阶段是否为已知取值。
func (p Phase) Valid() bool {
	_, ok := defaultNextSteps[p]
	return ok
}

// Trade 是状态中的一条交易记录。
type Trade struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Hash      string    `json:"hash,omitempty"`
}

// AgentStatus 是对外暴露的智能体状态。
type AgentStatus struct {
	Phase         Phase     `json:"phase"`
	WalletAddress *string   `json:"walletAddress"`
	PolBalance    float64   `json:"polBalance"`
	LastMessage   string    `json:"lastMessage"`
	NextStep      string    `json:"nextStep"`
	Trades        []Trade   `json:"trades"`
	Error         *string   `json:"error"`
	IsRunning     bool      `json:"isRunning"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Patch 是一次部分更新。nil 字段保留原值；Error 指向空字符串时清除错误。
type Patch struct {
	Phase         *Phase
	WalletAddress *string
	PolBalance    *float64
	LastMessage   *string
	NextStep      *string
	AppendTrades  []Trade
	Error         *string
	IsRunning     *bool
}

// Ptr 返回 v 的指针，便于构造 Patch。
func Ptr[T any](v T) *T {
	return &v
}

// Initial 返回进程启动时的状态。
func Initial(now time.Time) AgentStatus {
	return AgentStatus{
		Phase:       PhaseInitializing,
		LastMessage: "Agent created",
		NextStep:    DefaultNextStep(PhaseInitializing),
		Trades:      []Trade{},
		UpdatedAt:   now,
	}
}

// Apply 把 patch 合并到 current 并重新推导 nextStep，不修改 current。
// 阶段迁移不做合法性校验。
func Apply(current AgentStatus, patch Patch, now time.Time) AgentStatus {
	next := current.Clone()

	if patch.Phase != nil {
		next.Phase = *patch.Phase
	}
	if patch.WalletAddress != nil {
		next.WalletAddress = Ptr(*patch.WalletAddress)
	}
	if patch.PolBalance != nil {
		next.PolBalance = *patch.PolBalance
	}
	if patch.LastMessage != nil {
		next.LastMessage = *patch.LastMessage
	}
	if len(patch.AppendTrades) > 0 {
		next.Trades = append(next.Trades, patch.AppendTrades...)
	}
	if patch.Error != nil {
		if *patch.Error == "" {
			next.Error = nil
		} else {
			next.Error = Ptr(*patch.Error)
		}
	}
	if patch.IsRunning != nil {
		next.IsRunning = *patch.IsRunning
	}

	if patch.NextStep != nil {
		next.NextStep = *patch.NextStep
	} else {
		next.NextStep = DefaultNextStep(next.Phase)
	}
	next.UpdatedAt = now
	return next
}

// Clone 返回不共享切片与指针的副本。
func (s AgentStatus) Clone() AgentStatus {
	out := s
	out.Trades = make([]Trade, len(s.Trades))
	copy(out.Trades, s.Trades)
	if s.WalletAddress != nil {
		out.WalletAddress = Ptr(*s.WalletAddress)
	}
	if s.Error != nil {
		out.Error = Ptr(*s.Error)
	}
	return out
}
