// Package logstream 从托管平台的日志服务拉取智能体日志，先回放积压日志，再按固定间隔增量推送。
package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/jonboulle/clockwork"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/pkg/logger"
)

const (
	defaultInterval = 5 * time.Second
	defaultBacklog  = time.Hour
	pageLimit       = 1000
)

// Event 是一条日志记录。
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

// Handler 处理一条日志，返回错误时停止推送。
type Handler func(Event) error

// Source 是日志来源。
type Source interface {
	Follow(ctx context.Context, serviceName string, handle Handler) error
}

type cloudwatchAPI interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Option 定义可选配置。
type Option func(*CloudWatch)

// WithClock 替换时间来源。
func WithClock(clock clockwork.Clock) Option {
	return func(c *CloudWatch) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithInterval 设置增量拉取间隔。
func WithInterval(interval time.Duration) Option {
	return func(c *CloudWatch) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithBacklog 设置首次回放的时间窗口。
func WithBacklog(window time.Duration) Option {
	return func(c *CloudWatch) {
		if window > 0 {
			c.backlog = window
		}
	}
}

// CloudWatch 读取 App Runner 写入 CloudWatch Logs 的应用日志。
type CloudWatch struct {
	client   cloudwatchAPI
	clock    clockwork.Clock
	interval time.Duration
	backlog  time.Duration
	logger   *slog.Logger
}

// NewCloudWatch 使用 AWS 配置创建日志来源。
func NewCloudWatch(cfg aws.Config, opts ...Option) *CloudWatch {
	return newCloudWatch(cloudwatchlogs.NewFromConfig(cfg), opts...)
}

func newCloudWatch(client cloudwatchAPI, opts ...Option) *CloudWatch {
	c := &CloudWatch{
		client:   client,
		clock:    clockwork.NewRealClock(),
		interval: defaultInterval,
		backlog:  defaultBacklog,
		logger:   logger.Named("logstream"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// GroupPrefix 返回服务日志组的名称前缀。
func GroupPrefix(serviceName string) string {
	return "/aws/apprunner/" + serviceName + "/"
}

// Follow 推送服务日志直到 ctx 结束或 handle 返回错误。
func (c *CloudWatch) Follow(ctx context.Context, serviceName string, handle Handler) error {
	group, err := c.resolveGroup(ctx, serviceName)
	if err != nil {
		return err
	}

	cursor := newCursor(c.clock.Now().Add(-c.backlog))
	if err := c.fetch(ctx, group, cursor, handle); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.interval):
		}
		if err := c.fetch(ctx, group, cursor, handle); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// resolveGroup 查找服务的 application 日志组。App Runner 的组名包含服务 id，只能按前缀查询。
func (c *CloudWatch) resolveGroup(ctx context.Context, serviceName string) (string, error) {
	prefix := GroupPrefix(serviceName)
	var token *string
	for {
		out, err := c.client.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
			LogGroupNamePrefix: aws.String(prefix),
			NextToken:          token,
		})
		if err != nil {
			return "", fmt.Errorf("查询日志组失败: %w", err)
		}
		for _, group := range out.LogGroups {
			name := aws.ToString(group.LogGroupName)
			if strings.HasSuffix(name, "/application") {
				return name, nil
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return "", xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no application log group for %s", serviceName))
		}
		token = out.NextToken
	}
}

// fetch 拉取游标之后的全部日志页。
func (c *CloudWatch) fetch(ctx context.Context, group string, cur *cursor, handle Handler) error {
	var token *string
	start := cur.start()
	for {
		out, err := c.client.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
			LogGroupName: aws.String(group),
			StartTime:    aws.Int64(start),
			NextToken:    token,
			Limit:        aws.Int32(pageLimit),
		})
		if err != nil {
			c.logger.Warn("拉取日志失败", "group", group, "error", err)
			return fmt.Errorf("拉取日志失败: %w", err)
		}
		for _, raw := range out.Events {
			event, ok := cur.accept(raw)
			if !ok {
				continue
			}
			if err := handle(event); err != nil {
				return err
			}
		}
		if aws.ToString(out.NextToken) == "" {
			cur.commit()
			return nil
		}
		token = out.NextToken
	}
}

// cursor 记录已推送的最新时间戳，以及该时间戳下已推送的事件 id，
// 因为 StartTime 是闭区间，同一毫秒的日志会被重复返回。
type cursor struct {
	last int64
	seen map[string]struct{}

	pendingLast int64
	pendingSeen map[string]struct{}
}

func newCursor(from time.Time) *cursor {
	last := from.UnixMilli()
	return &cursor{last: last, seen: make(map[string]struct{}), pendingLast: last, pendingSeen: make(map[string]struct{})}
}

func (c *cursor) start() int64 {
	return c.last
}

// accept 过滤已推送的事件。多个日志流交错返回时时间戳不保证单调，所以游标在整轮拉取结束后才前移。
func (c *cursor) accept(raw cwtypes.FilteredLogEvent) (Event, bool) {
	ts := aws.ToInt64(raw.Timestamp)
	id := aws.ToString(raw.EventId)
	if ts < c.last {
		return Event{}, false
	}
	if _, dup := c.seen[id]; dup && ts == c.last {
		return Event{}, false
	}
	switch {
	case ts > c.pendingLast:
		c.pendingLast = ts
		c.pendingSeen = map[string]struct{}{id: {}}
	case ts == c.pendingLast:
		c.pendingSeen[id] = struct{}{}
	}
	return Event{
		ID:        id,
		Timestamp: time.UnixMilli(ts).UTC(),
		Stream:    aws.ToString(raw.LogStreamName),
		Message:   strings.TrimRight(aws.ToString(raw.Message), "\n"),
	}, true
}

// commit 在一轮拉取完成后前移游标。
func (c *cursor) commit() {
	if c.pendingLast > c.last {
		c.last = c.pendingLast
		c.seen = c.pendingSeen
	} else {
		for id := range c.pendingSeen {
			c.seen[id] = struct{}{}
		}
	}
	c.pendingSeen = make(map[string]struct{})
	for id := range c.seen {
		c.pendingSeen[id] = struct{}{}
	}
	c.pendingLast = c.last
}
