package bus

import (
	"context"

	"Meower/tools/safe"

	"go.uber.org/zap"
)

// Handler 业务处理函数
type Handler func(ctx context.Context, msg Message)

// Middleware 中间件（日志、恢复等）
type Middleware func(Handler) Handler

// Chain 组合中间件，mws[0] 在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recovering keeps a panicking handler from killing the bus reader.
func Recovering() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) {
			defer safe.Recover("bus handler " + msg.Event)
			next(ctx, msg)
		}
	}
}

func Logging(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) {
			log.Debug("bus event", zap.String("event", msg.Event), zap.String("key", msg.KeyString()))
			next(ctx, msg)
		}
	}
}
