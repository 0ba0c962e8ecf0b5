// Package llm 把用户的自然语言描述交给大模型，生成并校验策略文档。
package llm
