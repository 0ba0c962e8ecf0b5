// Package api 提供智能体进程对外的 HTTP 接口：状态、日志、启动、提现、
// 停止、定时任务与健康检查。
package api
