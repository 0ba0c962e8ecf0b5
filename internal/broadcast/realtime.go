package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RealtimePublisher 通过 Supabase Realtime 的 REST 广播接口发送消息。
type RealtimePublisher struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewRealtimePublisher 创建实时频道发布器。baseURL 为项目地址。
func NewRealtimePublisher(baseURL, apiKey string, timeout time.Duration) (*RealtimePublisher, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("realtime 地址不能为空")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RealtimePublisher{
		endpoint:   baseURL + "/realtime/v1/api/broadcast",
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回渠道名。
func (p *RealtimePublisher) Name() string { return "realtime" }

// Publish 把消息发送到智能体对应的频道。
func (p *RealtimePublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]any{
		"messages": []map[string]any{{
			"topic":   Topic(msg.Payload.AgentID),
			"event":   msg.Event,
			"type":    msg.Type,
			"payload": msg.Payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("序列化广播消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建广播请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送广播失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("realtime 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// Close 实现 Publisher 接口。
func (p *RealtimePublisher) Close() error { return nil }
