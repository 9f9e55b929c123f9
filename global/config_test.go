package global

import (
	"context"
	"testing"
	"time"

	"Meower/global/config"
	"Meower/service/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		NodeName:        "node-1",
		BusDriver:       config.BusMemory,
		BusChannel:      "events",
		BusPublishQueue: 8,
		APIInternalURL:  "http://127.0.0.1:3001",
		InternalToken:   "tok",
		APITimeout:      time.Second,
		SendQueue:       16,
		WriteTimeout:    time.Second,
		MaxFrameBytes:   1024,
		PingInterval:    time.Second,
		RateLimit:       5,
		RateBurst:       10,
		DispatchWorkers: 2,
		PresenceTTL:     90 * time.Second,
	}
}

func TestConfigBusMemory(t *testing.T) {
	cfg := testConfig()
	drv, err := ConfigBus(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", drv.Name())
	assert.NoError(t, drv.Close())

	b, err := ConfigBusClient(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Driver())
	assert.NoError(t, b.Close())
}

func TestConfigBusErrors(t *testing.T) {
	cfg := testConfig()
	cfg.BusDriver = config.BusRedis
	_, err := ConfigBus(cfg, nil)
	assert.Error(t, err)

	cfg.BusDriver = "carrier-pigeon"
	_, err = ConfigBus(cfg, nil)
	assert.Error(t, err)
}

func TestConfigRedisOptional(t *testing.T) {
	cfg := testConfig()
	rdb, err := ConfigRedis(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.Nil(t, ConfigPresence(cfg, rdb))

	cfg.BusDriver = config.BusRedis
	_, err = ConfigRedis(context.Background(), cfg)
	assert.Error(t, err)
}

func TestChatOptions(t *testing.T) {
	cfg := testConfig()
	cfg.V0FilterWords = []string{"darn"}
	o := ChatOptions(cfg)
	assert.Equal(t, "node-1", o.NodeName)
	assert.Equal(t, 16, o.SendQueue)
	assert.Equal(t, int64(1024), o.MaxFrameBytes)
	assert.Equal(t, 2, o.DispatchWorkers)
	assert.Equal(t, []string{"darn"}, o.V0FilterWords)
}

func TestPresenceRefresh(t *testing.T) {
	assert.Equal(t, 30*time.Second, PresenceRefresh(storage.NewRedisPresence(nil, "n", 90*time.Second)))
	assert.Equal(t, time.Second, PresenceRefresh(storage.NewRedisPresence(nil, "n", time.Second)))
}

func TestConfigAPI(t *testing.T) {
	cfg := testConfig()
	api, err := ConfigAPI(cfg)
	require.NoError(t, err)
	assert.NotNil(t, api)

	cfg.APIInternalURL = ""
	_, err = ConfigAPI(cfg)
	assert.Error(t, err)
}
