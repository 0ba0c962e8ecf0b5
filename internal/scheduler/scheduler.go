package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/pkg/logger"
)

// Type 表示定时任务的类别。
type Type string

const (
	TypeInterval Type = "interval"
	TypeTimes    Type = "times"
)

// Callback 是被调度执行的函数。ctx 会在任务被停止时取消。
type Callback func(ctx context.Context) error

// Info 描述一个定时任务的当前状态。
type Info struct {
	ID               string        `json:"id"`
	Type             Type          `json:"type"`
	Interval         time.Duration `json:"interval,omitempty"`
	Times            []string      `json:"times,omitempty"`
	Active           bool          `json:"active"`
	NextRun          time.Time     `json:"nextRun"`
	RemainingSeconds float64       `json:"remainingSeconds"`
	Runs             int           `json:"runs"`
	Failures         int           `json:"failures"`
	LastError        string        `json:"lastError,omitempty"`
}

// Option 用于定制 Scheduler。
type Option func(*Scheduler)

// WithClock 替换时间来源，测试中使用 clockwork.NewFakeClock。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger 替换日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// Scheduler 管理多个以 ID 区分的定时任务。
type Scheduler struct {
	clock clockwork.Clock
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

type entry struct {
	id       string
	kind     Type
	interval time.Duration
	times    []string
	specs    []cron.Schedule
	callback Callback

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	nextRun   time.Time
	runs      int
	failures  int
	lastError string
}

// New 创建调度器。
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:   clockwork.NewRealClock(),
		log:     logger.Named("scheduler"),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// ScheduleInterval 每隔 interval 执行一次 callback，executeImmediately 为 true 时注册后立即执行一次。
func (s *Scheduler) ScheduleInterval(interval time.Duration, callback Callback, executeImmediately bool) (string, error) {
	if interval <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "interval must be positive")
	}
	if callback == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "callback is required")
	}

	e := s.newEntry(TypeInterval, callback)
	e.interval = interval
	ticker := s.clock.NewTicker(interval)
	e.nextRun = s.clock.Now().Add(interval)
	s.register(e)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		if executeImmediately {
			s.run(e)
		}
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.Chan():
				e.setNextRun(s.clock.Now().Add(interval))
				s.run(e)
			}
		}
	}()

	s.log.Info("已注册间隔任务",
		slog.String("schedule_id", e.id),
		slog.Duration("interval", interval),
		slog.Bool("execute_immediately", executeImmediately))
	return e.id, nil
}

// ScheduleTimes 在每天的若干 UTC 时刻（HH:MM）执行 callback，触发后自动计算下一次时刻。
func (s *Scheduler) ScheduleTimes(utcTimes []string, callback Callback) (string, error) {
	if len(utcTimes) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "at least one time is required")
	}
	if callback == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "callback is required")
	}
	specs := make([]cron.Schedule, 0, len(utcTimes))
	normalized := make([]string, 0, len(utcTimes))
	for _, raw := range utcTimes {
		spec, canonical, err := ParseTimeOfDay(raw)
		if err != nil {
			return "", err
		}
		specs = append(specs, spec)
		normalized = append(normalized, canonical)
	}

	e := s.newEntry(TypeTimes, callback)
	e.times = normalized
	e.specs = specs
	next := e.next(s.clock.Now())
	e.nextRun = next
	timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
	s.register(e)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-timer.Chan():
				now := s.clock.Now()
				following := e.next(now)
				e.setNextRun(following)
				timer.Reset(following.Sub(now))
				s.run(e)
			}
		}
	}()

	s.log.Info("已注册定时任务",
		slog.String("schedule_id", e.id),
		slog.Any("times", normalized),
		slog.Time("next_run", next))
	return e.id, nil
}

// StopSchedule 停止指定任务，任务不存在时返回 false。
func (s *Scheduler) StopSchedule(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	s.log.Info("已停止定时任务", slog.String("schedule_id", id))
	return true
}

// StopAll 停止全部任务并等待执行中的回调返回。
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
	s.wg.Wait()
}

// Active 返回所有活跃任务，按下一次触发时间排序。
func (s *Scheduler) Active() []Info {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info(now))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].NextRun.Equal(infos[j].NextRun) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].NextRun.Before(infos[j].NextRun)
	})
	return infos
}

// Info 返回单个任务的状态。
func (s *Scheduler) Info(id string) (Info, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return e.info(s.clock.Now()), true
}

func (s *Scheduler) newEntry(kind Type, callback Callback) *entry {
	ctx, cancel := context.WithCancel(context.Background())
	return &entry{
		id:       uuid.NewString(),
		kind:     kind,
		callback: callback,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) register(e *entry) {
	s.mu.Lock()
	s.entries[e.id] = e
	s.mu.Unlock()
}

// run 执行一次回调，错误与 panic 只记录不传播。
func (s *Scheduler) run(e *entry) {
	if e.ctx.Err() != nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("定时任务发生 panic",
					slog.String("schedule_id", e.id),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		return e.callback(e.ctx)
	}()

	e.mu.Lock()
	e.runs++
	if err != nil {
		e.failures++
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	if err != nil {
		s.log.Warn("定时任务执行失败，等待下一次触发",
			slog.String("schedule_id", e.id),
			slog.String("error", err.Error()))
	}
}

func (e *entry) setNextRun(t time.Time) {
	e.mu.Lock()
	e.nextRun = t
	e.mu.Unlock()
}

func (e *entry) next(after time.Time) time.Time {
	var earliest time.Time
	for _, spec := range e.specs {
		candidate := spec.Next(after)
		if earliest.IsZero() || candidate.Before(earliest) {
			earliest = candidate
		}
	}
	return earliest
}

func (e *entry) info(now time.Time) Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	remaining := e.nextRun.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Info{
		ID:               e.id,
		Type:             e.kind,
		Interval:         e.interval,
		Times:            append([]string(nil), e.times...),
		Active:           e.ctx.Err() == nil,
		NextRun:          e.nextRun,
		RemainingSeconds: remaining.Seconds(),
		Runs:             e.runs,
		Failures:         e.failures,
		LastError:        e.lastError,
	}
}

// ParseTimeOfDay 把 HH:MM 解析为按 UTC 每日触发的 cron 表达式。
func ParseTimeOfDay(raw string) (cron.Schedule, string, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid time %q, expected HH:MM", raw))
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid hour in %q", raw))
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid minute in %q", raw))
	}
	spec, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=UTC %d %d * * *", minute, hour))
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("invalid time %q", raw))
	}
	return spec, fmt.Sprintf("%02d:%02d", hour, minute), nil
}
