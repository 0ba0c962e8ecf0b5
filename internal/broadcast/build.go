package broadcast

import (
	"context"
	"log/slog"
	"time"

	"OpenAgent-Launchpad/internal/config"
	"OpenAgent-Launchpad/pkg/logger"
)

// Build 根据配置创建所有可用渠道，未配置的渠道直接跳过。
// 任一渠道初始化失败时关闭已创建的渠道并返回错误。
func Build(ctx context.Context, cfg config.BroadcastConfig, timeout time.Duration) (*Fanout, error) {
	var publishers []Publisher
	cleanup := func() {
		for _, p := range publishers {
			_ = p.Close()
		}
	}

	if cfg.Realtime.URL != "" {
		p, err := NewRealtimePublisher(cfg.Realtime.URL, cfg.Realtime.APIKey, timeout)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, p)
	}
	if cfg.Redis.Address != "" {
		p, err := NewRedisPublisher(ctx, RedisConfig{
			Address:       cfg.Redis.Address,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			ChannelPrefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		publishers = append(publishers, p)
	}
	if cfg.RabbitMQ.URL != "" {
		p, err := NewRabbitMQPublisher(RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			cleanup()
			return nil, err
		}
		publishers = append(publishers, p)
	}

	fanout := NewFanout(publishers...)
	if len(publishers) == 0 {
		logger.Named("broadcast").Info("未配置状态广播渠道，仅在本地保存状态")
	} else {
		logger.Named("broadcast").Info("状态广播渠道已就绪", slog.Any("channels", fanout.Names()))
	}
	return fanout, nil
}
