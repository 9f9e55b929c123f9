package bus

import (
	"context"
	"strings"
	"time"

	"Meower/logger"
	"Meower/service/metrics"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// NatsConfig 客户端配置
type NatsConfig struct {
	Servers       []string
	Name          string
	Subject       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsDriver uses a core NATS subject (no persistence, every node subscribes).
type NatsDriver struct {
	cfg NatsConfig
	nc  *nats.Conn
	log *zap.Logger
}

// NewNatsDriver 连接 NATS，断线无限重连
func NewNatsDriver(cfg NatsConfig) (*NatsDriver, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.Subject == "" {
		return nil, errors.New("nats subject missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	d := &NatsDriver{cfg: cfg, log: logger.Named("bus.nats")}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			d.log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BusReconnects.WithLabelValues(d.Name()).Inc()
			d.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	d.nc = nc
	return d, nil
}

func (d *NatsDriver) Name() string { return "nats" }

func (d *NatsDriver) Publish(_ context.Context, _ string, data []byte) error {
	return errors.Wrap(d.nc.Publish(d.cfg.Subject, data), "nats publish")
}

func (d *NatsDriver) Run(ctx context.Context, fn func([]byte)) error {
	sub, err := d.nc.Subscribe(d.cfg.Subject, func(m *nats.Msg) {
		fn(append([]byte(nil), m.Data...))
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	defer func() { _ = sub.Unsubscribe() }()

	<-ctx.Done()
	return ctx.Err()
}

// Close 优雅关闭
func (d *NatsDriver) Close() error {
	if d.nc == nil {
		return nil
	}
	return d.nc.Drain()
}
