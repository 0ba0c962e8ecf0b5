package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	xerrors "OpenAgent-Launchpad/internal/errors"
)

// SQLAgentRepository 使用 MySQL 存储智能体记录与交易历史。
type SQLAgentRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLAgentRepository 创建连接池并执行迁移。
func NewSQLAgentRepository(ctx context.Context, cfg Config) (*SQLAgentRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return newSQLAgentRepository(db), nil
}

func newSQLAgentRepository(db *sql.DB) *SQLAgentRepository {
	return &SQLAgentRepository{db: db, now: time.Now}
}

const (
	selectAgentSQL = `SELECT id, name, owner_address, wallet_id, wallet_address, strategy, service_url, status, created_at, updated_at
    FROM agents WHERE id = ?`
	upsertAgentSQL = `INSERT INTO agents
    (id, name, owner_address, wallet_id, wallet_address, strategy, service_url, status, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE
    name = VALUES(name),
    owner_address = VALUES(owner_address),
    wallet_id = COALESCE(NULLIF(VALUES(wallet_id), ''), wallet_id),
    wallet_address = COALESCE(NULLIF(VALUES(wallet_address), ''), wallet_address),
    strategy = VALUES(strategy),
    service_url = VALUES(service_url),
    status = COALESCE(NULLIF(VALUES(status), ''), status),
    updated_at = VALUES(updated_at)`
	updateWalletSQL = `INSERT INTO agents
    (id, wallet_id, wallet_address, strategy, created_at, updated_at)
    VALUES (?, ?, ?, '', ?, ?)
    ON DUPLICATE KEY UPDATE
    wallet_id = VALUES(wallet_id),
    wallet_address = VALUES(wallet_address),
    updated_at = VALUES(updated_at)`
	updateStatusSQL = `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`
	insertTradeSQL  = `INSERT INTO agent_trades (id, agent_id, type, details, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	listTradesSQL   = `SELECT id, agent_id, type, details, tx_hash, created_at
    FROM agent_trades WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
)

// Get 返回指定智能体的记录。
func (s *SQLAgentRepository) Get(ctx context.Context, id string) (*AgentRecord, error) {
	var record AgentRecord
	err := s.db.QueryRowContext(ctx, selectAgentSQL, id).Scan(
		&record.ID,
		&record.Name,
		&record.OwnerAddress,
		&record.WalletID,
		&record.WalletAddress,
		&record.Strategy,
		&record.ServiceURL,
		&record.Status,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体记录失败")
	}
	return &record, nil
}

// Upsert 写入或更新记录，空的钱包与状态字段保留原值。
func (s *SQLAgentRepository) Upsert(ctx context.Context, record AgentRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	now := s.now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if _, err := s.db.ExecContext(ctx, upsertAgentSQL,
		record.ID,
		record.Name,
		record.OwnerAddress,
		record.WalletID,
		record.WalletAddress,
		record.Strategy,
		record.ServiceURL,
		record.Status,
		record.CreatedAt,
		now,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体记录失败")
	}
	return nil
}

// UpdateWallet 更新钱包信息，记录不存在时创建。
func (s *SQLAgentRepository) UpdateWallet(ctx context.Context, agentID, walletID, walletAddress string) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx, updateWalletSQL, agentID, walletID, walletAddress, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新钱包信息失败")
	}
	return nil
}

// UpdateStatus 更新最近一次阶段。
func (s *SQLAgentRepository) UpdateStatus(ctx context.Context, agentID, status string) error {
	if _, err := s.db.ExecContext(ctx, updateStatusSQL, status, s.now().Unix(), agentID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体状态失败")
	}
	return nil
}

// AppendTrade 写入交易记录。
func (s *SQLAgentRepository) AppendTrade(ctx context.Context, trade TradeRecord) error {
	if trade.ID == "" || trade.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易记录缺少 ID 或智能体 ID")
	}
	if trade.CreatedAt == 0 {
		trade.CreatedAt = s.now().Unix()
	}
	if _, err := s.db.ExecContext(ctx, insertTradeSQL,
		trade.ID, trade.AgentID, trade.Type, trade.Details, trade.TxHash, trade.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易记录失败")
	}
	return nil
}

// ListTrades 按时间倒序返回交易记录。
func (s *SQLAgentRepository) ListTrades(ctx context.Context, agentID string, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listTradesSQL, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易记录失败")
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var trade TradeRecord
		if err := rows.Scan(&trade.ID, &trade.AgentID, &trade.Type, &trade.Details, &trade.TxHash, &trade.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易记录失败")
	}
	return trades, nil
}

// Close 关闭底层数据库连接。
func (s *SQLAgentRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open 根据驱动名称创建仓库，mysql 之外的驱动都使用本地文件仓库。
func Open(ctx context.Context, driver string, cfg Config, dataDir string) (AgentRepository, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return NewSQLAgentRepository(ctx, cfg)
	case "", "memory", "file":
		return NewMemoryAgentRepository(dataDir)
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "不支持的存储驱动: "+driver)
	}
}

var (
	_ AgentRepository = (*SQLAgentRepository)(nil)
	_ AgentRepository = (*MemoryAgentRepository)(nil)
)
