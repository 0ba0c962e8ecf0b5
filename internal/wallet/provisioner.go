// Package wallet provisions the agent's custodial wallet exactly once and keeps
// the local wallet file and the agent record store in sync.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"OpenAgent-Launchpad/internal/custodial"
	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/pkg/logger"
)

// FileName 是钱包信息在数据目录中的文件名。
const FileName = "wallet.json"

// Creator 创建托管钱包。
type Creator interface {
	CreateWallet(ctx context.Context, owner string) (custodial.Wallet, error)
}

// RecordSyncer 把钱包地址同步到智能体记录库。
type RecordSyncer interface {
	UpdateWallet(ctx context.Context, agentID, walletID, walletAddress string) error
}

type walletFile struct {
	WalletID      string `json:"walletId"`
	WalletAddress string `json:"walletAddress"`
	ChainType     string `json:"chainType,omitempty"`
	OwnerAddress  string `json:"ownerAddress,omitempty"`
}

// Provisioner 负责幂等地创建或读取钱包。
type Provisioner struct {
	agentID string
	path    string
	creator Creator
	records RecordSyncer
	log     *slog.Logger

	mu sync.Mutex
}

// NewProvisioner 创建钱包供应器。records 可以为空。
func NewProvisioner(agentID, dataDir string, creator Creator, records RecordSyncer) (*Provisioner, error) {
	if creator == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包供应器需要托管钱包客户端")
	}
	if strings.TrimSpace(dataDir) == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return &Provisioner{
		agentID: strings.TrimSpace(agentID),
		path:    filepath.Join(dataDir, FileName),
		creator: creator,
		records: records,
		log:     logger.Named("wallet"),
	}, nil
}

// Current 返回已持久化的钱包。
func (p *Provisioner) Current() (custodial.Wallet, bool) {
	stored, err := p.load()
	if err != nil || stored.WalletID == "" {
		return custodial.Wallet{}, false
	}
	return custodial.Wallet{ID: stored.WalletID, Address: stored.WalletAddress, ChainType: stored.ChainType}, true
}

// CreateWallet 返回 owner 的钱包。已存在持久化钱包时直接返回，否则调用托管服务创建。
// 每次调用都会尽力把地址同步到记录库，同步失败只记录日志。
func (p *Provisioner) CreateWallet(ctx context.Context, owner string) (custodial.Wallet, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return custodial.Wallet{}, xerrors.New(xerrors.CodeInvalidArgument, "缺少 owner 地址")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stored, err := p.load()
	if err != nil {
		return custodial.Wallet{}, xerrors.Wrap(xerrors.CodeWalletCreation, err, "读取本地钱包文件失败")
	}
	if stored.WalletID != "" {
		wallet := custodial.Wallet{ID: stored.WalletID, Address: stored.WalletAddress, ChainType: stored.ChainType}
		p.syncRecord(ctx, wallet)
		return wallet, nil
	}

	wallet, err := p.creator.CreateWallet(ctx, owner)
	if err != nil {
		return custodial.Wallet{}, xerrors.Wrap(xerrors.CodeWalletCreation, err, "")
	}

	if err := p.save(walletFile{
		WalletID:      wallet.ID,
		WalletAddress: wallet.Address,
		ChainType:     wallet.ChainType,
		OwnerAddress:  owner,
	}); err != nil {
		return custodial.Wallet{}, xerrors.Wrap(xerrors.CodeWalletCreation, err, "持久化钱包信息失败")
	}
	logger.Audit().Info("wallet_created",
		slog.String("agent_id", p.agentID),
		slog.String("owner", owner),
		slog.String("wallet_id", wallet.ID),
		slog.String("address", wallet.Address))

	p.syncRecord(ctx, wallet)
	return wallet, nil
}

func (p *Provisioner) syncRecord(ctx context.Context, wallet custodial.Wallet) {
	if p.records == nil || p.agentID == "" {
		return
	}
	if err := p.records.UpdateWallet(ctx, p.agentID, wallet.ID, wallet.Address); err != nil {
		p.log.Warn("同步钱包地址到记录库失败",
			slog.String("agent_id", p.agentID),
			slog.String("address", wallet.Address),
			slog.String("error", err.Error()))
	}
}

func (p *Provisioner) load() (walletFile, error) {
	content, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return walletFile{}, nil
	}
	if err != nil {
		return walletFile{}, err
	}
	var stored walletFile
	if len(strings.TrimSpace(string(content))) == 0 {
		return stored, nil
	}
	if err := json.Unmarshal(content, &stored); err != nil {
		return walletFile{}, fmt.Errorf("解析 %s 失败: %w", p.path, err)
	}
	return stored, nil
}

func (p *Provisioner) save(stored walletFile) error {
	encoded, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}
