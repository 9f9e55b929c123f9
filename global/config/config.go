package config

import (
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var Global AppConfig

// Load reads .env (optional) and the process environment into Global.
// Priority: env > .env > defaults.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse env")
	}
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "gateway"
		}
		cfg.NodeName = host
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Global = cfg
	return &cfg, nil
}
