package global

import (
	"context"
	"time"

	"Meower/global/config"
	"Meower/logger"
	"Meower/service/bus"
	"Meower/service/chat"
	"Meower/service/restapi"
	"Meower/service/storage"
	redisx "Meower/service/storage/redis"
	"Meower/tools/ids"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func ConfigIds(cfg *config.AppConfig) {
	ids.SetNodeID(cfg.NodeId)
}

// ConfigRedis 初始化共享 Redis 客户端；REDIS_URL 为空时返回 nil（仅 memory/nats/kafka 总线可用）
func ConfigRedis(ctx context.Context, cfg *config.AppConfig) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		if cfg.BusDriver == config.BusRedis {
			return nil, errors.New("BUS_DRIVER=redis requires REDIS_URL")
		}
		return nil, nil
	}
	if err := redisx.InitRedis(ctx, redisx.Config{URL: cfg.RedisURL}); err != nil {
		return nil, err
	}
	return redisx.GetRedis(), nil
}

// ConfigBus 根据 BUS_DRIVER 构造总线驱动
func ConfigBus(cfg *config.AppConfig, rdb *redis.Client) (bus.Driver, error) {
	switch cfg.BusDriver {
	case config.BusRedis:
		if rdb == nil {
			return nil, errors.New("redis bus without redis client")
		}
		return bus.NewRedisDriver(rdb, cfg.BusChannel, false), nil
	case config.BusNats:
		return bus.NewNatsDriver(bus.NatsConfig{
			Servers: cfg.NatsURL,
			Name:    "meower-gateway-" + cfg.NodeName,
			Subject: cfg.BusChannel,
		})
	case config.BusKafka:
		// 每个节点独立消费组，保证所有节点都收到全部事件
		return bus.NewKafkaDriver(bus.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.BusChannel,
			GroupID: "meower-gateway-" + cfg.NodeName,
		})
	case config.BusMemory:
		logger.Warn("memory bus: events stay inside this process")
		return bus.NewMemoryHub().Driver(), nil
	}
	return nil, errors.Errorf("BUS_DRIVER %q not supported", cfg.BusDriver)
}

// ConfigBusClient 构造总线并装上恢复与日志中间件
func ConfigBusClient(cfg *config.AppConfig, rdb *redis.Client) (*bus.Bus, error) {
	drv, err := ConfigBus(cfg, rdb)
	if err != nil {
		return nil, errors.Wrap(err, "bus driver")
	}
	b := bus.New(drv, cfg.BusPublishQueue, bus.Recovering(), bus.Logging(logger.Named("bus.in")))
	logger.Info("bus configured", zap.String("driver", drv.Name()), zap.String("channel", cfg.BusChannel))
	return b, nil
}

func ConfigAPI(cfg *config.AppConfig) (*restapi.Client, error) {
	return restapi.New(restapi.Config{
		BaseURL:       cfg.APIInternalURL,
		InternalToken: cfg.InternalToken,
		Timeout:       cfg.APITimeout,
	})
}

// ConfigPresence 跨节点在线镜像；没有 Redis 时返回 nil
func ConfigPresence(cfg *config.AppConfig, rdb *redis.Client) *storage.RedisPresence {
	if rdb == nil {
		return nil
	}
	return storage.NewRedisPresence(rdb, cfg.NodeName, cfg.PresenceTTL)
}

// PresenceRefresh 续期周期：TTL 的三分之一
func PresenceRefresh(pres *storage.RedisPresence) time.Duration {
	d := pres.TTL() / 3
	if d < time.Second {
		d = time.Second
	}
	return d
}

func ChatOptions(cfg *config.AppConfig) chat.Options {
	return chat.Options{
		NodeName:        cfg.NodeName,
		SendQueue:       cfg.SendQueue,
		WriteTimeout:    cfg.WriteTimeout,
		MaxFrameBytes:   cfg.MaxFrameBytes,
		PingInterval:    cfg.PingInterval,
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		RealIPHeader:    cfg.RealIPHeader,
		DispatchWorkers: cfg.DispatchWorkers,
		V0Allowlist:     cfg.V0EventAllowlist,
		V0FilterWords:   cfg.V0FilterWords,
		APITimeout:      cfg.APITimeout,
	}
}
