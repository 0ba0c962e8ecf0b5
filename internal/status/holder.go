package status

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// Listener 在每次状态更新后收到新的快照。
type Listener interface {
	OnStatus(snapshot AgentStatus)
}

// ListenerFunc 让普通函数实现 Listener。
type ListenerFunc func(snapshot AgentStatus)

// OnStatus 实现 Listener 接口。
func (f ListenerFunc) OnStatus(snapshot AgentStatus) { f(snapshot) }

// Holder 持有唯一的可变状态。Update 串行执行并按调用顺序通知监听者，
// 读取方只拿到快照。
type Holder struct {
	clock clockwork.Clock

	updateMu  sync.Mutex
	mu        sync.RWMutex
	current   AgentStatus
	listeners []Listener
}

// NewHolder 创建初始阶段为 initializing 的状态持有者。
func NewHolder(clock clockwork.Clock) *Holder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Holder{clock: clock, current: Initial(clock.Now())}
}

// Subscribe 注册监听者。
func (h *Holder) Subscribe(listener Listener) {
	if listener == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, listener)
	h.mu.Unlock()
}

// Snapshot 返回当前状态的副本。
func (h *Holder) Snapshot() AgentStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current.Clone()
}

// Update 合并 patch 并通知监听者，返回新状态的副本。
func (h *Holder) Update(patch Patch) AgentStatus {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()

	h.mu.Lock()
	next := Apply(h.current, patch, h.clock.Now())
	h.current = next
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStatus(next.Clone())
	}
	return next.Clone()
}
