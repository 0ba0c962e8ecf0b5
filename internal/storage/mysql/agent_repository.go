package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenAgent-Launchpad/internal/errors"
)

// ErrAgentNotFound 表示记录不存在。
var ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "智能体记录不存在")

// AgentRecord 是智能体在记录库中的结构。
type AgentRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	OwnerAddress  string `json:"owner_address"`
	WalletID      string `json:"wallet_id"`
	WalletAddress string `json:"wallet_address"`
	Strategy      string `json:"strategy"`
	ServiceURL    string `json:"service_url"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// TradeRecord 是一条已提交的交易或提现记录。
type TradeRecord struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	Type      string `json:"type"`
	Details   string `json:"details"`
	TxHash    string `json:"tx_hash"`
	CreatedAt int64  `json:"created_at"`
}

// AgentRepository 抽象智能体记录的持久化接口。
type AgentRepository interface {
	Get(ctx context.Context, id string) (*AgentRecord, error)
	Upsert(ctx context.Context, record AgentRecord) error
	UpdateWallet(ctx context.Context, agentID, walletID, walletAddress string) error
	UpdateStatus(ctx context.Context, agentID, status string) error
	AppendTrade(ctx context.Context, trade TradeRecord) error
	ListTrades(ctx context.Context, agentID string, limit int) ([]TradeRecord, error)
	Close() error
}

// MemoryAgentRepository 使用本地 JSON 文件保存记录，适合单进程部署与测试。
type MemoryAgentRepository struct {
	mu       sync.RWMutex
	dataFile string
	agents   map[string]AgentRecord
	trades   []TradeRecord
	now      func() time.Time
}

type memorySnapshot struct {
	Agents []AgentRecord `json:"agents"`
	Trades []TradeRecord `json:"trades"`
}

const maxMemoryTrades = 512

// NewMemoryAgentRepository 创建基于文件的记录仓库。dataDir 为空时只保存在内存中。
func NewMemoryAgentRepository(dataDir string) (*MemoryAgentRepository, error) {
	repo := &MemoryAgentRepository{agents: make(map[string]AgentRecord), now: time.Now}
	if strings.TrimSpace(dataDir) == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo.dataFile = filepath.Join(dataDir, "agents.json")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Get 返回指定智能体的记录。
func (m *MemoryAgentRepository) Get(_ context.Context, id string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &record, nil
}

// Upsert 写入记录，空的钱包字段不会覆盖已有值。
func (m *MemoryAgentRepository) Upsert(_ context.Context, record AgentRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	existing, ok := m.agents[record.ID]
	if ok {
		if record.WalletID == "" {
			record.WalletID = existing.WalletID
		}
		if record.WalletAddress == "" {
			record.WalletAddress = existing.WalletAddress
		}
		if record.Status == "" {
			record.Status = existing.Status
		}
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.agents[record.ID] = record
	return m.persistLocked()
}

// UpdateWallet 更新钱包信息，记录不存在时创建。
func (m *MemoryAgentRepository) UpdateWallet(_ context.Context, agentID, walletID, walletAddress string) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	record, ok := m.agents[agentID]
	if !ok {
		record = AgentRecord{ID: agentID, CreatedAt: now}
	}
	record.WalletID = walletID
	record.WalletAddress = walletAddress
	record.UpdatedAt = now
	m.agents[agentID] = record
	return m.persistLocked()
}

// UpdateStatus 更新最近一次阶段。
func (m *MemoryAgentRepository) UpdateStatus(_ context.Context, agentID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	record.Status = status
	record.UpdatedAt = m.now().Unix()
	m.agents[agentID] = record
	return m.persistLocked()
}

// AppendTrade 追加交易记录。
func (m *MemoryAgentRepository) AppendTrade(_ context.Context, trade TradeRecord) error {
	if trade.ID == "" || trade.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录缺少 ID 或智能体 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if trade.CreatedAt == 0 {
		trade.CreatedAt = m.now().Unix()
	}
	m.trades = append(m.trades, trade)
	if len(m.trades) > maxMemoryTrades {
		m.trades = m.trades[len(m.trades)-maxMemoryTrades:]
	}
	return m.persistLocked()
}

// ListTrades 按时间倒序返回交易记录。
func (m *MemoryAgentRepository) ListTrades(_ context.Context, agentID string, limit int) ([]TradeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []TradeRecord
	for i := len(m.trades) - 1; i >= 0; i-- {
		if m.trades[i].AgentID != agentID {
			continue
		}
		results = append(results, m.trades[i])
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results, nil
}

// Close 实现 AgentRepository 接口。
func (m *MemoryAgentRepository) Close() error { return nil }

func (m *MemoryAgentRepository) persistLocked() error {
	if m.dataFile == "" {
		return nil
	}
	snapshot := memorySnapshot{Agents: make([]AgentRecord, 0, len(m.agents)), Trades: m.trades}
	for _, record := range m.agents {
		snapshot.Agents = append(snapshot.Agents, record)
	}
	sort.Slice(snapshot.Agents, func(i, j int) bool { return snapshot.Agents[i].ID < snapshot.Agents[j].ID })

	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化智能体记录失败: %w", err)
	}
	tmp := m.dataFile + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体记录失败")
	}
	if err := os.Rename(tmp, m.dataFile); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换智能体记录文件失败")
	}
	return nil
}

func (m *MemoryAgentRepository) loadFromDisk() error {
	content, err := os.ReadFile(m.dataFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取智能体记录失败: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return nil
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(content, &snapshot); err != nil {
		return fmt.Errorf("解析智能体记录失败: %w", err)
	}
	for _, record := range snapshot.Agents {
		m.agents[record.ID] = record
	}
	m.trades = snapshot.Trades
	return nil
}
