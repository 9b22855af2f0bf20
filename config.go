package main

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

type config struct {
	Port            int           `env:"PORT" envDefault:"5001"`
	TasksFile       string        `env:"TASKS_FILE" envDefault:"tasks.json"`
	Strict          bool          `env:"TASKS_STRICT" envDefault:"false"`
	Debug           bool          `env:"DEBUG" envDefault:"false"`
	RedisURL        string        `env:"REDIS_URL"`
	CacheTTL        time.Duration `env:"TASKS_CACHE_TTL" envDefault:"1m"`
	DeduperTTL      time.Duration `env:"DEDUPER_TTL" envDefault:"24h"`
	SessionSecret   string        `env:"SESSION_SECRET" envDefault:"dev_key"`
	SessionTTL      time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return config{}, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.TasksFile) == "" {
		return config{}, fmt.Errorf("invalid TASKS_FILE: empty")
	}
	if cfg.SessionSecret == "" {
		return config{}, fmt.Errorf("invalid SESSION_SECRET: empty")
	}
	if cfg.CacheTTL < 0 || cfg.DeduperTTL <= 0 || cfg.SessionTTL <= 0 {
		return config{}, fmt.Errorf("invalid TTL: durations must be positive")
	}
	return cfg, nil
}

func (c config) listenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by hosted Redis connection strings.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
