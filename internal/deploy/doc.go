// Package deploy 把策略文档打包成容器镜像并发布为托管服务。
//
// 流水线依次执行：校验配置、生成构建上下文、确保镜像仓库存在、构建镜像、
// 推送镜像、创建或更新托管服务。任一步骤失败都会以 StepError 返回，
// 不会自动清理已创建的云资源；仓库与服务的创建都是幂等的，重新执行即可。
package deploy
