package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	BusRedis  = "redis"
	BusNats   = "nats"
	BusKafka  = "kafka"
	BusMemory = "memory"
)

type AppConfig struct {
	// 节点
	Host           string `env:"HOST" envDefault:"0.0.0.0"`
	Port           int    `env:"PORT" envDefault:"3000"`
	GrpcHealthAddr string `env:"GRPC_HEALTH_ADDR" envDefault:":50052"` // empty disables
	NodeId         int64  `env:"NODE_ID" envDefault:"1"`               // snowflake node, 0~1023
	NodeName       string `env:"NODE_NAME"`

	// 事件总线
	BusDriver       string   `env:"BUS_DRIVER" envDefault:"redis"`
	BusChannel      string   `env:"BUS_CHANNEL" envDefault:"events"`
	RedisURL        string   `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	NatsURL         []string `env:"NATS_URL" envSeparator:"," envDefault:"nats://127.0.0.1:4222"`
	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"127.0.0.1:9092"`
	BusPublishQueue int      `env:"BUS_PUBLISH_QUEUE" envDefault:"1024"`

	// REST tier
	APIInternalURL string        `env:"API_INTERNAL_URL" envDefault:"http://127.0.0.1:3001"`
	InternalToken  string        `env:"INTERNAL_TOKEN,required,notEmpty"`
	RealIPHeader   string        `env:"REAL_IP_HEADER"`
	APITimeout     time.Duration `env:"API_TIMEOUT" envDefault:"10s"`

	// websocket
	SendQueue      int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	WriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	MaxFrameBytes  int64         `env:"WS_MAX_FRAME_BYTES" envDefault:"1048576"`
	PingInterval   time.Duration `env:"WS_PING_INTERVAL" envDefault:"25s"`
	RateLimit      float64       `env:"WS_RATE_LIMIT" envDefault:"10"`
	RateBurst      int           `env:"WS_RATE_BURST" envDefault:"20"`
	AllowedOrigins []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:","`

	DispatchWorkers  int           `env:"DISPATCH_WORKERS" envDefault:"4"`
	V0EventAllowlist []string      `env:"V0_EVENT_ALLOWLIST" envSeparator:","`
	V0FilterWords    []string      `env:"V0_FILTER_WORDS" envSeparator:","`
	PresenceTTL      time.Duration `env:"PRESENCE_TTL" envDefault:"90s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
}

// ListenAddr websocket + ops http 监听地址
func (c *AppConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *AppConfig) Validate() error {
	switch c.BusDriver {
	case BusRedis, BusNats, BusKafka, BusMemory:
	default:
		return fmt.Errorf("BUS_DRIVER %q not supported", c.BusDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.NodeId < 0 || c.NodeId > 1023 {
		return fmt.Errorf("NODE_ID %d out of range 0~1023", c.NodeId)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("WS_SEND_QUEUE must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("WS_MAX_FRAME_BYTES must be positive")
	}
	if c.WriteTimeout <= 0 || c.APITimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 1
	}
	return nil
}
