package llm

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/knowledge"
	"OpenAgent-Launchpad/internal/strategy"
	"OpenAgent-Launchpad/internal/tokens"
)

// Request 描述一次策略生成任务。
type Request struct {
	Description string
	Chain       string
	Knowledge   []KnowledgeCard
	// Feedback 是上一次输出未通过校验的原因，用于让模型修正。
	Feedback string
}

// Response 是大模型返回的结构化结果。
type Response struct {
	Thought  string
	Strategy string
}

// KnowledgeCard 是提供给大模型的参考资料，例如支持的代币列表。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Generated 是校验通过的策略。
type Generated struct {
	Strategy *strategy.Strategy `json:"strategy"`
	YAML     string             `json:"yaml"`
	Thought  string             `json:"thought,omitempty"`
}

// Generator 生成策略并在返回前完成校验，校验失败时把原因反馈给模型重试。
type Generator struct {
	client    Client
	tokens    *tokens.Table
	knowledge knowledge.Provider
	attempts  int
}

// NewGenerator 创建策略生成器，provider 为 nil 时使用代币表生成的知识。
func NewGenerator(client Client, table *tokens.Table, provider knowledge.Provider) *Generator {
	if table == nil {
		table = tokens.Default()
	}
	if provider == nil {
		provider = knowledge.FromTokens(table)
	}
	return &Generator{client: client, tokens: table, knowledge: provider, attempts: 2}
}

// Generate 根据描述生成策略文档。
func (g *Generator) Generate(ctx context.Context, description, chain string) (*Generated, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "description is required")
	}
	if g.client == nil {
		return nil, xerrors.MissingConfiguration("OPENAI_API_KEY")
	}
	chain = strings.ToLower(strings.TrimSpace(chain))
	if chain == "" {
		chain = "polygon"
	}

	req := Request{Description: description, Chain: chain}
	for _, snippet := range g.knowledge.Query(description, chain) {
		req.Knowledge = append(req.Knowledge, KnowledgeCard{Title: snippet.Title, Content: snippet.Content})
	}

	var lastErr error
	for attempt := 0; attempt < g.attempts; attempt++ {
		resp, err := g.client.Generate(ctx, req)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamRejection, err, "策略生成失败")
		}
		content := stripFence(resp.Strategy)
		strat, err := strategy.Parse([]byte(content))
		if err == nil {
			err = strat.Validate(g.tokens)
		}
		if err == nil {
			return &Generated{Strategy: strat, YAML: content, Thought: resp.Thought}, nil
		}
		lastErr = err
		req.Feedback = err.Error()
	}
	return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, lastErr,
		fmt.Sprintf("model output failed validation after %d attempts", g.attempts))
}

// stripFence 去掉模型常见的 ```yaml 代码块包裹。
func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	if idx := strings.Index(content, "\n"); idx >= 0 {
		content = content[idx+1:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content) + "\n"
}
