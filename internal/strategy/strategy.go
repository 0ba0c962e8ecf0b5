// Package strategy 定义智能体的策略文档。部署流水线在打包前校验它，
// agentd 启动时读取它，从而取代直接拼接生成代码的做法。
package strategy

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenAgent-Launchpad/internal/config"
	xerrors "OpenAgent-Launchpad/internal/errors"
	"OpenAgent-Launchpad/internal/scheduler"
	"OpenAgent-Launchpad/internal/tokens"
)

// FileName 是构建上下文中策略文件的固定名称。
const FileName = "strategy.yaml"

// MinInterval 是允许的最短交易间隔。
const MinInterval = time.Minute

// Strategy 描述一个固定的定时兑换策略。
type Strategy struct {
	Name               string   `yaml:"name" json:"name"`
	Description        string   `yaml:"description,omitempty" json:"description,omitempty"`
	Chain              string   `yaml:"chain" json:"chain"`
	FundingToken       string   `yaml:"funding_token" json:"fundingToken"`
	TargetToken        string   `yaml:"target_token" json:"targetToken"`
	TargetAmount       float64  `yaml:"target_amount" json:"targetAmount"`
	FundingThreshold   float64  `yaml:"funding_threshold" json:"fundingThreshold"`
	Interval           string   `yaml:"interval,omitempty" json:"interval,omitempty"`
	Times              []string `yaml:"times,omitempty" json:"times,omitempty"`
	ExecuteImmediately *bool    `yaml:"execute_immediately,omitempty" json:"executeImmediately,omitempty"`
}

// Parse 解码 YAML 策略文档，未知字段视为错误。
func Parse(content []byte) (*Strategy, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	var s Strategy
	if err := decoder.Decode(&s); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析策略文档失败")
	}
	s.Chain = strings.ToLower(strings.TrimSpace(s.Chain))
	s.FundingToken = strings.TrimSpace(s.FundingToken)
	s.TargetToken = strings.TrimSpace(s.TargetToken)
	s.Interval = strings.TrimSpace(s.Interval)
	return &s, nil
}

// Load 从文件读取策略文档。
func Load(path string) (*Strategy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略文件失败: %w", err)
	}
	return Parse(content)
}

// FromConfig 使用进程配置构造默认策略，在没有策略文件时使用。
func FromConfig(cfg config.AgentConfig) *Strategy {
	s := &Strategy{
		Name:             "baseline",
		Chain:            cfg.Chain,
		FundingToken:     cfg.FundingToken,
		TargetToken:      cfg.TargetToken,
		TargetAmount:     cfg.TargetAmount,
		FundingThreshold: cfg.FundingThreshold,
		Interval:         cfg.TradeInterval().String(),
	}
	if cfg.ExecuteImmediately != nil {
		immediate := *cfg.ExecuteImmediately
		s.ExecuteImmediately = &immediate
	}
	return s
}

// Validate 检查代币存在于代币表、金额为正，且 interval 与 times 恰好设置其一。
func (s *Strategy) Validate(table *tokens.Table) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "strategy is required")
	}
	if table == nil {
		table = tokens.Default()
	}
	var problems []string
	if _, ok := table.Chain(s.Chain); !ok {
		problems = append(problems, fmt.Sprintf("unsupported chain %q", s.Chain))
	} else {
		if _, ok := table.Lookup(s.Chain, s.FundingToken); !ok {
			problems = append(problems, fmt.Sprintf("unknown funding token %q", s.FundingToken))
		}
		if _, ok := table.Lookup(s.Chain, s.TargetToken); !ok {
			problems = append(problems, fmt.Sprintf("unknown target token %q", s.TargetToken))
		}
	}
	if strings.EqualFold(s.FundingToken, s.TargetToken) && s.FundingToken != "" {
		problems = append(problems, "funding and target token must differ")
	}
	if s.TargetAmount <= 0 {
		problems = append(problems, "target_amount must be positive")
	}
	if s.FundingThreshold <= 0 {
		problems = append(problems, "funding_threshold must be positive")
	}

	switch {
	case s.Interval != "" && len(s.Times) > 0:
		problems = append(problems, "set either interval or times, not both")
	case s.Interval == "" && len(s.Times) == 0:
		problems = append(problems, "one of interval or times is required")
	case s.Interval != "":
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			problems = append(problems, fmt.Sprintf("invalid interval %q", s.Interval))
		} else if d < MinInterval {
			problems = append(problems, fmt.Sprintf("interval must be at least %s", MinInterval))
		}
	default:
		for _, raw := range s.Times {
			if _, _, err := scheduler.ParseTimeOfDay(raw); err != nil {
				problems = append(problems, fmt.Sprintf("invalid time %q, expected HH:MM", raw))
			}
		}
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid strategy: "+strings.Join(problems, "; "))
	}
	return nil
}

// IntervalDuration 返回解析后的交易间隔，未设置时返回 0。
func (s *Strategy) IntervalDuration() time.Duration {
	if s == nil || s.Interval == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return 0
	}
	return d
}

// Immediate 判断注册后是否立即执行一次，默认 true。
func (s *Strategy) Immediate() bool {
	if s == nil || s.ExecuteImmediately == nil {
		return true
	}
	return *s.ExecuteImmediately
}

// Marshal 编码为 YAML。
func (s *Strategy) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(s); err != nil {
		return nil, fmt.Errorf("编码策略文档失败: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("编码策略文档失败: %w", err)
	}
	return buf.Bytes(), nil
}
