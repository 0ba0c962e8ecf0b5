package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/jonboulle/clockwork"

	"OpenAgent-Launchpad/pkg/logger"
)

// Level 是日志条目的级别。
type Level string

const (
	LevelInfo    Level = "info"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelSuccess Level = "success"
)

// DefaultLogCapacity 是日志缓冲区的默认容量。
const DefaultLogCapacity = 1000

// LogEntry 是一条面向用户的日志。
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

var levelColors = map[Level]func(a ...interface{}) string{
	LevelInfo:    color.New(color.FgCyan).SprintFunc(),
	LevelSuccess: color.New(color.FgGreen).SprintFunc(),
	LevelWarning: color.New(color.FgYellow).SprintFunc(),
	LevelError:   color.New(color.FgRed).SprintFunc(),
}

// LogOption 自定义 LogBuffer。
type LogOption func(*LogBuffer)

// WithConsole 替换控制台输出，传 nil 关闭控制台输出。
func WithConsole(w io.Writer) LogOption {
	return func(b *LogBuffer) { b.console = w }
}

// WithLogClock 替换时间来源。
func WithLogClock(clock clockwork.Clock) LogOption {
	return func(b *LogBuffer) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// LogBuffer 是容量有限的先进先出日志，每次追加都会镜像到磁盘。
type LogBuffer struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	path     string
	console  io.Writer
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewLogBuffer 创建日志缓冲区并加载已持久化的日志。path 为空时不落盘。
func NewLogBuffer(capacity int, path string, opts ...LogOption) (*LogBuffer, error) {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	b := &LogBuffer{
		capacity: capacity,
		path:     strings.TrimSpace(path),
		console:  color.Output,
		clock:    clockwork.NewRealClock(),
		log:      logger.Named("status"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.path != "" {
		if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		if err := b.load(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Log 追加一条日志。持久化失败只写入进程日志，不影响调用方。
func (b *LogBuffer) Log(message string, level Level) {
	if _, ok := levelColors[level]; !ok {
		level = LevelInfo
	}
	entry := LogEntry{Timestamp: b.clock.Now().UTC(), Level: level, Message: message}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if overflow := len(b.entries) - b.capacity; overflow > 0 {
		b.entries = append(b.entries[:0:0], b.entries[overflow:]...)
	}
	err := b.persistLocked()
	console := b.console
	b.mu.Unlock()

	if err != nil {
		b.log.Warn("持久化日志缓冲区失败", slog.String("path", b.path), slog.String("error", err.Error()))
	}
	if console != nil {
		paint := levelColors[level]
		fmt.Fprintf(console, "%s %s %s\n",
			entry.Timestamp.Format(time.RFC3339),
			paint(strings.ToUpper(string(level))),
			message)
	}
}

// Entries 返回按追加顺序排列的日志副本。
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len 返回当前条目数。
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *LogBuffer) persistLocked() error {
	if b.path == "" {
		return nil
	}
	encoded, err := json.Marshal(b.entries)
	if err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *LogBuffer) load() error {
	content, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取日志文件失败: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil
	}
	var entries []LogEntry
	if err := json.Unmarshal(content, &entries); err != nil {
		b.log.Warn("日志文件损坏，忽略已有内容", slog.String("path", b.path), slog.String("error", err.Error()))
		return nil
	}
	if len(entries) > b.capacity {
		entries = entries[len(entries)-b.capacity:]
	}
	b.entries = entries
	return nil
}
