// Package portfolio reads a wallet's token holdings from the external portfolio
// API and answers funding-threshold questions for the agent runtime.
package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/pkg/logger"
)

const (
	// TypeNative marks the chain's native currency.
	TypeNative = "native"
	// TypeFungible marks ERC-20 style tokens.
	TypeFungible = "fungible"

	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultTimeout   = 30 * time.Second
)

// TokenBalance 是归一化后的单个代币余额。
type TokenBalance struct {
	Chain              string  `json:"chain"`
	Address            string  `json:"address"`
	Balance            string  `json:"balance"`
	DenominatedBalance string  `json:"denominatedBalance"`
	Decimals           int32   `json:"decimals"`
	Type               string  `json:"type"`
	TokenAddress       string  `json:"tokenAddress"`
	Symbol             string  `json:"symbol"`
	Name               string  `json:"name"`
	LogoURI            string  `json:"logoURI,omitempty"`
	PriceUSD           float64 `json:"priceUSD"`
}

// BalanceCheck 是资金门槛检查的结果。
type BalanceCheck struct {
	Success    bool    `json:"success"`
	PolBalance float64 `json:"polBalance"`
	Message    string  `json:"message"`
}

// Config 描述组合查询服务的访问参数。
type Config struct {
	BaseURL      string
	APIKey       string
	Chain        string
	FundingToken string
	Timeout      time.Duration
	Attempts     int
	BaseDelay    time.Duration
}

// Option 自定义 Service。
type Option func(*Service)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithClock 替换重试退避使用的时钟。
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Service 查询并归一化钱包余额。
type Service struct {
	baseURL      string
	apiKey       string
	chain        string
	fundingToken string
	attempts     int
	baseDelay    time.Duration
	table        *tokens.Table
	httpClient   *http.Client
	clock        clockwork.Clock
	log          *slog.Logger
}

// NewService 创建余额服务。table 为空时使用内置代币表。
func NewService(cfg Config, table *tokens.Table, opts ...Option) (*Service, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, xerrors.MissingConfiguration("PORTFOLIO_BASE_URL")
	}
	if table == nil {
		table = tokens.Default()
	}
	chain := strings.ToLower(strings.TrimSpace(cfg.Chain))
	if chain == "" {
		chain = "polygon"
	}
	if _, ok := table.Chain(chain); !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("代币表中不存在链 %s", chain))
	}
	funding := strings.TrimSpace(cfg.FundingToken)
	if funding == "" {
		if native, ok := table.Native(chain); ok {
			funding = native.Symbol
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	s := &Service{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		chain:        chain,
		fundingToken: funding,
		attempts:     attempts,
		baseDelay:    baseDelay,
		table:        table,
		httpClient:   &http.Client{Timeout: timeout},
		clock:        clockwork.NewRealClock(),
		log:          logger.Named("portfolio"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// GetBalances 返回钱包在目标链上的非零余额。只有参数错误会返回 error；
// 上游失败被记录后返回空列表，调用方应将空列表视为“未知”。
func (s *Service) GetBalances(ctx context.Context, wallet string) ([]TokenBalance, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "查询余额需要提供钱包地址")
	}

	entries, err := s.fetchWithRetry(ctx, wallet)
	if err != nil {
		s.log.Warn("查询钱包余额失败，返回空结果",
			slog.String("wallet", wallet),
			slog.Any("error", xerrors.Wrap(xerrors.CodeBalanceQuery, err, "")))
		return []TokenBalance{}, nil
	}
	return s.normalize(wallet, entries), nil
}

// CheckBalance 判断钱包持有的资金代币是否达到 threshold，从不返回错误。
func (s *Service) CheckBalance(ctx context.Context, wallet string, threshold float64) BalanceCheck {
	balances, err := s.GetBalances(ctx, wallet)
	if err != nil {
		return BalanceCheck{Success: false, PolBalance: 0, Message: err.Error()}
	}
	if len(balances) == 0 {
		return BalanceCheck{Success: false, PolBalance: 0, Message: fmt.Sprintf("未查询到 %s 余额", s.fundingToken)}
	}

	limit := decimal.NewFromFloat(threshold)
	for _, balance := range balances {
		if !s.isFunding(balance) {
			continue
		}
		amount, err := decimal.NewFromString(balance.Balance)
		if err != nil {
			return BalanceCheck{Success: false, PolBalance: 0, Message: fmt.Sprintf("无法解析余额 %q", balance.Balance)}
		}
		value, _ := amount.Float64()
		if amount.GreaterThanOrEqual(limit) {
			return BalanceCheck{
				Success:    true,
				PolBalance: value,
				Message:    fmt.Sprintf("%s 余额 %s 已达到门槛 %s", balance.Symbol, amount, limit),
			}
		}
		return BalanceCheck{
			Success:    false,
			PolBalance: value,
			Message:    fmt.Sprintf("%s 余额 %s 低于门槛 %s", balance.Symbol, amount, limit),
		}
	}
	return BalanceCheck{Success: false, PolBalance: 0, Message: fmt.Sprintf("未查询到 %s 余额", s.fundingToken)}
}

func (s *Service) isFunding(balance TokenBalance) bool {
	if strings.EqualFold(balance.Symbol, s.fundingToken) {
		return true
	}
	if balance.Type != TypeNative {
		return false
	}
	native, ok := s.table.Native(s.chain)
	return ok && strings.EqualFold(native.Symbol, s.fundingToken)
}

type upstreamBalance struct {
	Chain        string  `json:"chain"`
	TokenAddress string  `json:"token_address"`
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	Decimals     int32   `json:"decimals"`
	RawBalance   string  `json:"raw_balance"`
	LogoURI      string  `json:"logo_uri"`
	PriceUSD     float64 `json:"price_usd"`
}

// errPermanent 标记不应重试的上游响应。
var errPermanent = errors.New("上游拒绝请求")

func (s *Service) fetchWithRetry(ctx context.Context, wallet string) ([]upstreamBalance, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		entries, err := s.fetch(ctx, wallet)
		if err == nil {
			return entries, nil
		}
		lastErr = err
		if errors.Is(err, errPermanent) || ctx.Err() != nil || attempt == s.attempts {
			break
		}
		delay := s.baseDelay * time.Duration(1<<(attempt-1))
		s.log.Debug("余额查询失败，准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(delay):
		}
	}
	return nil, lastErr
}

func (s *Service) fetch(ctx context.Context, wallet string) ([]upstreamBalance, error) {
	endpoint := fmt.Sprintf("%s/v1/wallets/%s/balances?chain=%s", s.baseURL, url.PathEscape(wallet), url.QueryEscape(s.chain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: 构建余额请求失败: %v", errPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求组合查询服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("组合查询服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: 状态 %d: %s", errPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Balances []upstreamBalance `json:"balances"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: 解析余额响应失败: %v", errPermanent, err)
	}
	return decoded.Balances, nil
}

func (s *Service) normalize(wallet string, entries []upstreamBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(entries))
	for _, entry := range entries {
		if !strings.EqualFold(strings.TrimSpace(entry.Chain), s.chain) {
			continue
		}
		balance := TokenBalance{
			Chain:              s.chain,
			Address:            wallet,
			DenominatedBalance: strings.TrimSpace(entry.RawBalance),
			Decimals:           entry.Decimals,
			TokenAddress:       entry.TokenAddress,
			Symbol:             entry.Symbol,
			Name:               entry.Name,
			LogoURI:            entry.LogoURI,
			PriceUSD:           entry.PriceUSD,
		}
		if tokens.IsNativeAddress(s.chain, entry.TokenAddress) {
			balance.Type = TypeNative
			if native, ok := s.table.Native(s.chain); ok {
				if balance.Symbol == "" {
					balance.Symbol = native.Symbol
				}
				if balance.Decimals == 0 {
					balance.Decimals = native.Decimals
				}
			}
		} else {
			token, ok := s.table.Lookup(s.chain, entry.TokenAddress)
			if !ok {
				continue
			}
			balance.Type = TypeFungible
			if balance.Decimals == 0 {
				balance.Decimals = token.Decimals
			}
			if balance.Symbol == "" {
				balance.Symbol = token.Symbol
			}
		}

		human, err := tokens.FromMinorUnits(balance.DenominatedBalance, balance.Decimals)
		if err != nil {
			s.log.Debug("忽略无法解析的余额", slog.String("token", entry.TokenAddress), slog.String("raw", entry.RawBalance))
			continue
		}
		if human.Sign() <= 0 {
			continue
		}
		balance.Balance = human.String()
		out = append(out, balance)
	}
	return out
}
