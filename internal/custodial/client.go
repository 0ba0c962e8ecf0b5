// Package custodial talks to the third-party wallet API that holds the agent's
// keys. Wallets are created per owner and every transaction is signed and
// broadcast remotely.
package custodial

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/web3"
)

const (
	defaultBaseURL = "https://api.privy.io"
	defaultTimeout = 30 * time.Second
)

// Config 描述了访问托管钱包服务所需的信息。
type Config struct {
	BaseURL   string
	AppID     string
	AppSecret string
	ChainType string
	Timeout   time.Duration
}

// Wallet 是托管服务返回的钱包信息。
type Wallet struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	ChainType string `json:"chain_type"`
}

// Client 通过 HTTP 调用托管钱包服务。
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	chainType  string
	httpClient *http.Client
}

// NewClient 根据配置创建托管钱包客户端。
func NewClient(cfg Config) (*Client, error) {
	var missing []string
	if strings.TrimSpace(cfg.AppID) == "" {
		missing = append(missing, "PRIVY_APP_ID")
	}
	if strings.TrimSpace(cfg.AppSecret) == "" {
		missing = append(missing, "PRIVY_APP_SECRET")
	}
	if len(missing) > 0 {
		return nil, xerrors.MissingConfiguration(missing...)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	chainType := strings.TrimSpace(cfg.ChainType)
	if chainType == "" {
		chainType = "ethereum"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		appID:      strings.TrimSpace(cfg.AppID),
		appSecret:  strings.TrimSpace(cfg.AppSecret),
		chainType:  chainType,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateWallet 为 owner 创建一个新的托管钱包。同一 owner 的重复请求携带相同的幂等键。
func (c *Client) CreateWallet(ctx context.Context, owner string) (Wallet, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Wallet{}, xerrors.New(xerrors.CodeInvalidArgument, "创建钱包需要提供 owner 地址")
	}

	payload := map[string]any{
		"chain_type": c.chainType,
		"metadata":   map[string]string{"owner_address": owner},
	}
	headers := map[string]string{"privy-idempotency-key": "owner-" + strings.ToLower(owner)}

	var wallet Wallet
	if err := c.do(ctx, http.MethodPost, "/v1/wallets", payload, headers, &wallet); err != nil {
		return Wallet{}, err
	}
	if wallet.ID == "" || wallet.Address == "" {
		return Wallet{}, errors.New("托管服务返回的钱包缺少 id 或地址")
	}
	if wallet.ChainType == "" {
		wallet.ChainType = c.chainType
	}
	return wallet, nil
}

// SendTransaction 通过钱包 walletID 签名并广播交易，返回交易哈希与 CAIP-2 链标识。
func (c *Client) SendTransaction(ctx context.Context, walletID string, req web3.TransactionRequest) (web3.SentTransaction, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		return web3.SentTransaction{}, xerrors.New(xerrors.CodeInvalidArgument, "发送交易需要钱包 ID")
	}
	if strings.TrimSpace(req.To) == "" {
		return web3.SentTransaction{}, xerrors.New(xerrors.CodeInvalidArgument, "交易缺少接收地址")
	}
	if req.ChainID <= 0 {
		return web3.SentTransaction{}, xerrors.New(xerrors.CodeInvalidArgument, "交易缺少链 ID")
	}

	caip2 := fmt.Sprintf("eip155:%d", req.ChainID)
	tx := map[string]any{
		"to":       req.To,
		"chain_id": req.ChainID,
	}
	if req.Data != "" {
		tx["data"] = req.Data
	}
	if req.Value != "" {
		tx["value"] = req.Value
	}
	if req.GasLimit != "" {
		tx["gas_limit"] = req.GasLimit
	}
	if req.GasPrice != "" {
		tx["gas_price"] = req.GasPrice
	}
	payload := map[string]any{
		"method": "eth_sendTransaction",
		"caip2":  caip2,
		"params": map[string]any{"transaction": tx},
	}

	var decoded struct {
		Data struct {
			Hash  string `json:"hash"`
			CAIP2 string `json:"caip2"`
		} `json:"data"`
	}
	path := "/v1/wallets/" + url.PathEscape(walletID) + "/rpc"
	if err := c.do(ctx, http.MethodPost, path, payload, nil, &decoded); err != nil {
		return web3.SentTransaction{}, err
	}
	if decoded.Data.Hash == "" {
		return web3.SentTransaction{}, errors.New("托管服务未返回交易哈希")
	}
	if decoded.Data.CAIP2 == "" {
		decoded.Data.CAIP2 = caip2
	}
	return web3.SentTransaction{Hash: decoded.Data.Hash, CAIP2: decoded.Data.CAIP2}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, headers map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化托管钱包请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建托管钱包请求失败: %w", err)
	}
	httpReq.SetBasicAuth(c.appID, c.appSecret)
	httpReq.Header.Set("privy-app-id", c.appID)
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("请求托管钱包服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeUpstreamRejection,
			fmt.Sprintf("托管钱包服务返回错误状态 %d: %s", resp.StatusCode, upstreamMessage(raw)),
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析托管钱包响应失败: %w", err)
	}
	return nil
}

func upstreamMessage(raw []byte) string {
	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if decoded.Message != "" {
			return decoded.Message
		}
		if decoded.Error != "" {
			return decoded.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
