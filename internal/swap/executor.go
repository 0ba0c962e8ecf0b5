// Package swap requests quotes from the swap aggregator and submits the
// resulting transactions through the custodial signer.
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/tokens"
	"OpenAgent-Launchpad/internal/web3"
)

const (
	defaultBaseURL  = "https://li.quest"
	defaultSlippage = 0.005
	defaultTimeout  = 30 * time.Second
)

// Signer 通过托管钱包签名并广播交易。
type Signer interface {
	SendTransaction(ctx context.Context, walletID string, req web3.TransactionRequest) (web3.SentTransaction, error)
}

// Config 描述聚合器访问参数。
type Config struct {
	BaseURL    string
	APIKey     string
	Integrator string
	Slippage   float64
	Timeout    time.Duration
}

// Request 描述一次兑换意图，金额为人类可读单位。
type Request struct {
	FromToken   string
	ToToken     string
	FromAddress string
	FromAmount  decimal.Decimal
	FromChain   string
	ToChain     string
}

// Estimate 是报价中的预估结果。
type Estimate struct {
	FromAmount        string  `json:"fromAmount"`
	ToAmount          string  `json:"toAmount"`
	ToAmountMin       string  `json:"toAmountMin"`
	ExecutionDuration float64 `json:"executionDuration"`
}

// Quote 是聚合器返回的报价，TransactionRequest 可直接交给签名方。
type Quote struct {
	ID                 string                  `json:"id"`
	Type               string                  `json:"type"`
	Tool               string                  `json:"tool"`
	Estimate           Estimate                `json:"estimate"`
	TransactionRequest web3.TransactionRequest `json:"transactionRequest"`
	Raw                json.RawMessage         `json:"-"`
}

// Executor 负责报价与交易提交。
type Executor struct {
	baseURL    string
	apiKey     string
	integrator string
	slippage   float64
	table      *tokens.Table
	httpClient *http.Client
	signer     Signer

	mu       sync.RWMutex
	walletID string
}

// NewExecutor 创建兑换执行器。table 为空时使用内置代币表。
func NewExecutor(cfg Config, table *tokens.Table, signer Signer) (*Executor, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换执行器需要签名方")
	}
	if table == nil {
		table = tokens.Default()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	slippage := cfg.Slippage
	if slippage <= 0 {
		slippage = defaultSlippage
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		integrator: strings.TrimSpace(cfg.Integrator),
		slippage:   slippage,
		table:      table,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
	}, nil
}

// BindWallet 设置后续交易使用的托管钱包。
func (e *Executor) BindWallet(walletID string) {
	e.mu.Lock()
	e.walletID = strings.TrimSpace(walletID)
	e.mu.Unlock()
}

// WalletID 返回当前绑定的托管钱包。
func (e *Executor) WalletID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.walletID
}

// Swap 将人类可读金额换算为最小单位后向聚合器请求报价。
func (e *Executor) Swap(ctx context.Context, req Request) (*Quote, error) {
	fromChain, ok := e.table.Chain(req.FromChain)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链 %s", req.FromChain))
	}
	toChainName := req.ToChain
	if strings.TrimSpace(toChainName) == "" {
		toChainName = req.FromChain
	}
	toChain, ok := e.table.Chain(toChainName)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链 %s", toChainName))
	}
	fromToken, ok := e.table.Lookup(fromChain.Name, req.FromToken)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 上不存在代币 %s", fromChain.Name, req.FromToken))
	}
	toToken, ok := e.table.Lookup(toChain.Name, req.ToToken)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 上不存在代币 %s", toChain.Name, req.ToToken))
	}
	if strings.TrimSpace(req.FromAddress) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换需要提供发送地址")
	}
	if !req.FromAmount.IsPositive() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换金额必须大于 0")
	}
	amount, err := tokens.ToMinorUnits(req.FromAmount, fromToken.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "换算兑换金额失败")
	}
	if amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额 %s 低于 %s 的最小单位", req.FromAmount, fromToken.Symbol))
	}

	query := url.Values{}
	query.Set("fromChain", strconv.FormatInt(fromChain.ChainID, 10))
	query.Set("toChain", strconv.FormatInt(toChain.ChainID, 10))
	query.Set("fromToken", fromToken.Address)
	query.Set("toToken", toToken.Address)
	query.Set("fromAddress", strings.TrimSpace(req.FromAddress))
	query.Set("fromAmount", amount.String())
	query.Set("slippage", strconv.FormatFloat(e.slippage, 'f', -1, 64))
	if e.integrator != "" {
		query.Set("integrator", e.integrator)
	}

	raw, err := e.get(ctx, "/v1/quote", query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuote, err, "获取兑换报价失败")
	}
	var quote Quote
	if err := json.Unmarshal(raw, &quote); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQuote, err, "解析兑换报价失败")
	}
	if quote.TransactionRequest.To == "" {
		return nil, xerrors.New(xerrors.CodeQuote, "报价中缺少可执行的交易")
	}
	if quote.TransactionRequest.ChainID == 0 {
		quote.TransactionRequest.ChainID = fromChain.ChainID
	}
	quote.Raw = raw
	return &quote, nil
}

// SendTransaction 通过当前绑定的钱包提交交易，失败时不重试。
func (e *Executor) SendTransaction(ctx context.Context, tx web3.TransactionRequest) (web3.SentTransaction, error) {
	walletID := e.WalletID()
	if walletID == "" {
		return web3.SentTransaction{}, xerrors.New(xerrors.CodeSwapSubmission, "尚未绑定托管钱包")
	}
	sent, err := e.signer.SendTransaction(ctx, walletID, tx)
	if err != nil {
		return web3.SentTransaction{}, xerrors.Wrap(xerrors.CodeSwapSubmission, err, "提交交易失败")
	}
	return sent, nil
}

// TokenPrice 返回代币的美元价格。
func (e *Executor) TokenPrice(ctx context.Context, chain, token string) (decimal.Decimal, error) {
	c, ok := e.table.Chain(chain)
	if !ok {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的链 %s", chain))
	}
	resolved, ok := e.table.Lookup(c.Name, token)
	if !ok {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 上不存在代币 %s", c.Name, token))
	}

	query := url.Values{}
	query.Set("chain", strconv.FormatInt(c.ChainID, 10))
	query.Set("token", resolved.Address)
	raw, err := e.get(ctx, "/v1/token", query)
	if err != nil {
		return decimal.Zero, fmt.Errorf("获取 %s 价格失败: %w", resolved.Symbol, err)
	}
	var decoded struct {
		PriceUSD string `json:"priceUSD"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return decimal.Zero, fmt.Errorf("解析 %s 价格失败: %w", resolved.Symbol, err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(decoded.PriceUSD))
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s 价格无效: %q", resolved.Symbol, decoded.PriceUSD)
	}
	return price, nil
}

func (e *Executor) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	endpoint := e.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构建聚合器请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		req.Header.Set("x-lifi-api-key", e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求聚合器失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("读取聚合器响应失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("聚合器返回错误状态 %d: %s", resp.StatusCode, upstreamMessage(body))
	}
	return body, nil
}

func upstreamMessage(raw []byte) string {
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Message != "" {
		return decoded.Message
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
