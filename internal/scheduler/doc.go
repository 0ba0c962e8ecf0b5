// Package scheduler 提供固定间隔与每日定时两类触发器。
//
// 每次回调都会被包裹：返回的错误与 panic 会被记录，但不会注销所属的定时任务，
// 下一次触发照常进行。只有 StopSchedule 或 StopAll 能结束一个定时任务。
package scheduler
