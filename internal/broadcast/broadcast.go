// Package broadcast publishes agent status snapshots to external realtime
// channels so dashboards can follow an agent without polling /status.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenAgent-Launchpad/internal/status"
	"OpenAgent-Launchpad/pkg/logger"
)

const (
	// MessageType 是广播消息的类型字段。
	MessageType = "broadcast"
	// EventStatusUpdate 是状态更新事件名。
	EventStatusUpdate = "status_update"
)

// Payload 携带智能体 ID 与状态快照。
type Payload struct {
	AgentID string             `json:"agent_id"`
	Status  status.AgentStatus `json:"status"`
}

// Message 是发往实时频道的消息。
type Message struct {
	Type    string  `json:"type"`
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

// NewStatusMessage 构造状态更新消息。
func NewStatusMessage(agentID string, snapshot status.AgentStatus) Message {
	return Message{
		Type:    MessageType,
		Event:   EventStatusUpdate,
		Payload: Payload{AgentID: agentID, Status: snapshot},
	}
}

// Topic 返回智能体对应的频道名。
func Topic(agentID string) string {
	return "agent-" + agentID
}

// Publisher 负责把消息投递到一个下游渠道。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Fanout 将消息投递到多个渠道。
type Fanout struct {
	publishers map[string]Publisher
}

// NewFanout 创建一个新的 Fanout，同名渠道只保留最后一个。
func NewFanout(publishers ...Publisher) *Fanout {
	set := make(map[string]Publisher, len(publishers))
	for _, p := range publishers {
		if p == nil {
			continue
		}
		set[p.Name()] = p
	}
	return &Fanout{publishers: set}
}

// Names 返回已注册的渠道名。
func (f *Fanout) Names() []string {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.publishers))
	for name := range f.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish 将消息广播至所有注册渠道。
func (f *Fanout) Publish(ctx context.Context, msg Message) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, name := range f.Names() {
		if err := f.publishers[name].Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭所有渠道。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for name, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher 作为状态监听者把快照异步投递给 Fanout，保持调用顺序。
// 队列满时丢弃最旧的快照，只保证最新状态最终被发布。
type Dispatcher struct {
	agentID string
	fanout  *Fanout
	timeout time.Duration
	log     *slog.Logger

	queue chan status.AgentStatus
	once  sync.Once
	done  chan struct{}
}

// NewDispatcher 创建异步广播器，需要调用 Run 启动投递循环。
func NewDispatcher(agentID string, fanout *Fanout, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		agentID: agentID,
		fanout:  fanout,
		timeout: timeout,
		log:     logger.Named("broadcast"),
		queue:   make(chan status.AgentStatus, buffer),
		done:    make(chan struct{}),
	}
}

// OnStatus 实现 status.Listener，从不阻塞状态更新。
func (d *Dispatcher) OnStatus(snapshot status.AgentStatus) {
	for {
		select {
		case d.queue <- snapshot:
			return
		default:
		}
		select {
		case dropped := <-d.queue:
			d.log.Debug("广播队列已满，丢弃旧快照", slog.String("phase", string(dropped.Phase)))
		default:
		}
	}
}

// Run 持续投递快照直到 ctx 结束，结束前会尽量发送队列中剩余的快照。
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.once.Do(func() { close(d.done) })
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case snapshot := <-d.queue:
			d.publish(context.Background(), snapshot)
		}
	}
}

// Done 在 Run 返回后关闭。
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain() {
	for {
		select {
		case snapshot := <-d.queue:
			d.publish(context.Background(), snapshot)
		default:
			return
		}
	}
}

func (d *Dispatcher) publish(parent context.Context, snapshot status.AgentStatus) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	if err := d.fanout.Publish(ctx, NewStatusMessage(d.agentID, snapshot)); err != nil {
		d.log.Warn("发布状态更新失败",
			slog.String("agent_id", d.agentID),
			slog.String("phase", string(snapshot.Phase)),
			slog.String("error", err.Error()))
	}
}
