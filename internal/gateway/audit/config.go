package audit

import (
	"log/slog"
	"time"
)

// Config 控制 Dispatcher 行为。
type Config struct {
	MaxQueue       int
	Workers        int
	RateLimit      float64
	RateBurst      int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	DeliverTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
