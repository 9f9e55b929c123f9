package bus

import (
	"context"
	"time"

	"Meower/logger"
	"Meower/service/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisDriver uses Redis pub/sub on one channel.
type RedisDriver struct {
	rdb     *redis.Client
	channel string
	owned   bool
	log     *zap.Logger
}

// NewRedisDriver wraps rdb; when owned, Close also closes rdb.
func NewRedisDriver(rdb *redis.Client, channel string, owned bool) *RedisDriver {
	return &RedisDriver{rdb: rdb, channel: channel, owned: owned, log: logger.Named("bus.redis")}
}

func (d *RedisDriver) Name() string { return "redis" }

func (d *RedisDriver) Publish(ctx context.Context, _ string, data []byte) error {
	return errors.Wrap(d.rdb.Publish(ctx, d.channel, data).Err(), "redis publish")
}

func (d *RedisDriver) Run(ctx context.Context, fn func([]byte)) error {
	ps := d.rdb.Subscribe(ctx, d.channel)
	defer ps.Close()

	bo := newBackoff()
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil
			}
			// go-redis 下次 Receive 时自动重连并重新订阅
			wait := bo.NextBackOff()
			metrics.BusReconnects.WithLabelValues(d.Name()).Inc()
			d.log.Warn("redis subscription lost, retrying", zap.Error(err), zap.Duration("wait", wait))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		fn([]byte(msg.Payload))
	}
}

func (d *RedisDriver) Close() error {
	if d.owned {
		return d.rdb.Close()
	}
	return nil
}

// newBackoff 指数退避，上限 5s，永不放弃
func newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
