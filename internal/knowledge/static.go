// Package knowledge 为策略生成提供参考资料，例如每条链支持的代币与调度格式。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"OpenAgent-Launchpad/internal/tokens"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(description, chain string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	// Keywords 为空时对所有描述生效，否则描述中需包含任一关键词。
	Keywords []string `json:"keywords"`
	// Chains 为空时对所有链生效。
	Chains []string `json:"chains"`
}

// StaticProvider 基于固定条目做关键词匹配。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// FromTokens 把代币表整理成每条链一条的知识，并附带策略文档的调度格式说明。
func FromTokens(table *tokens.Table) *StaticProvider {
	items := []Snippet{{
		Title: "schedule format",
		Content: "Set exactly one of interval (Go duration such as 20m or 1h, minimum 1m) " +
			"or times (list of UTC HH:MM). execute_immediately defaults to true for interval schedules.",
	}}
	for _, name := range table.Chains() {
		chain, _ := table.Chain(name)
		symbols := make([]string, 0, len(chain.Tokens))
		for _, token := range chain.Tokens {
			symbols = append(symbols, fmt.Sprintf("%s (%d decimals)", token.Symbol, token.Decimals))
		}
		items = append(items, Snippet{
			Title:   name + " tokens",
			Content: fmt.Sprintf("chain id %d, native %s, supported: %s", chain.ChainID, chain.NativeSymbol, strings.Join(symbols, ", ")),
			Chains:  []string{name},
		})
	}
	return NewStaticProvider(items, len(items))
}

// Query 返回适用于该链且与描述匹配的条目。
func (p *StaticProvider) Query(description, chain string) []Snippet {
	if p == nil {
		return nil
	}

	description = strings.ToLower(strings.TrimSpace(description))
	chain = strings.ToLower(strings.TrimSpace(chain))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, description, chain) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, description, chain string) bool {
	if len(snippet.Chains) > 0 {
		found := false
		for _, c := range snippet.Chains {
			if strings.EqualFold(strings.TrimSpace(c), chain) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(description, normalized) {
			return true
		}
	}
	return false
}

// Merge 依次查询多个 Provider 并拼接结果。
type Merge []Provider

// Query 实现 Provider。
func (m Merge) Query(description, chain string) []Snippet {
	var out []Snippet
	for _, p := range m {
		if p != nil {
			out = append(out, p.Query(description, chain)...)
		}
	}
	return out
}

var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = Merge(nil)
)
