// Package config assembles the chat server configuration from environment
// variables, after loading an optional .env file.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/agrilink/chat-app/internal/media"
	"github.com/agrilink/chat-app/internal/messaging"
	"github.com/agrilink/chat-app/internal/ws"
)

// Config is the full chat server configuration.
type Config struct {
	Server      ws.ServerConfig
	NATS        messaging.NATSConfig
	Media       media.Config
	RedisAddr   string // empty disables connection records and rate limiting
	DatabaseURL string // empty selects the in-memory message store
	ServerName  string
	RateLimit   bool
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Server:     ws.DefaultServerConfig(),
		NATS:       messaging.DefaultNATSConfig(),
		Media:      media.DefaultConfig(),
		RedisAddr:  "localhost:6379",
		ServerName: "chat-1",
		RateLimit:  true,
	}
}

// Load reads .env (if present) and then the process environment. Malformed
// values are logged and the default is kept.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env: %v", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) Config {
	c := Default()
	if host, err := os.Hostname(); err == nil && host != "" {
		c.ServerName = host
	}

	if v := getenv("PORT"); v != "" {
		c.Server.ListenAddr = ":" + v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	intVar(getenv, "WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	intVar(getenv, "MAX_CONNECTIONS", &c.Server.MaxConnections)
	durationVar(getenv, "READ_TIMEOUT", &c.Server.ReadTimeout)
	durationVar(getenv, "WRITE_TIMEOUT", &c.Server.WriteTimeout)
	durationVar(getenv, "HEARTBEAT_INTERVAL", &c.Server.Heartbeat.Interval)
	durationVar(getenv, "HEARTBEAT_TIMEOUT", &c.Server.Heartbeat.Timeout)

	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v, ok := lookup(getenv, "REDIS_ADDR"); ok {
		c.RedisAddr = v
	}
	c.DatabaseURL = getenv("DATABASE_URL")
	if v := getenv("SERVER_NAME"); v != "" {
		c.ServerName = v
	}
	c.NATS.Name = c.ServerName

	if v := getenv("UPLOAD_DIR"); v != "" {
		c.Media.Dir = v
	}
	if v := getenv("MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Media.MaxBytes = n
		} else {
			log.Printf("[config] MAX_UPLOAD_BYTES=%q ignored", v)
		}
	}
	if v := getenv("RATE_LIMIT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.RateLimit = b
		} else {
			log.Printf("[config] RATE_LIMIT=%q ignored", v)
		}
	}
	return c
}

// lookup treats the literal value "off" as an explicit empty setting, so a
// default can be disabled from the environment.
func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	switch v {
	case "":
		return "", false
	case "off":
		return "", true
	}
	return v, true
}

func intVar(getenv func(string) string, key string, dst *int) {
	v := getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
		return
	}
	log.Printf("[config] %s=%q ignored", key, v)
}

func durationVar(getenv func(string) string, key string, dst *time.Duration) {
	v := getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	log.Printf("[config] %s=%q ignored", key, v)
}
