// Package agent 实现单个交易智能体的运行时状态机：创建托管钱包，轮询余额直到
// 达到资金门槛，然后按策略定时执行兑换，并在每次迁移时更新状态与日志。
//
// 后台路径（余额轮询、定时交易）的错误只转化为 error 阶段与日志，不会终止进程；
// 用户触发的路径（启动、提现）把错误直接返回给调用方。
package agent
