package db

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"nimbus-ide/internal/logging"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	URL      string // redis://host:port/db, takes precedence
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns defaults suitable for a local instance.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisConfigFromEnv builds a config from REDIS_* environment variables.
func RedisConfigFromEnv() *RedisConfig {
	config := DefaultRedisConfig()

	if url := os.Getenv("REDIS_URL"); url != "" {
		config.URL = url
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		config.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.DB = d
		}
	}

	return config
}

// RedisClient wraps the go-redis client with a periodic health check.
type RedisClient struct {
	client redis.UniversalClient
	stop   chan struct{}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(config *RedisConfig) (*RedisClient, error) {
	if config == nil {
		config = RedisConfigFromEnv()
	}

	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	if config.URL != "" {
		parsed, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		parsed.PoolSize = config.PoolSize
		parsed.MinIdleConns = config.MinIdleConns
		parsed.DialTimeout = config.DialTimeout
		parsed.ReadTimeout = config.ReadTimeout
		parsed.WriteTimeout = config.WriteTimeout
		opts = parsed
	}

	rc := &RedisClient{
		client: redis.NewClient(opts),
		stop:   make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	go rc.runHealthCheck()

	logging.L().Info("redis connected", zap.String("addr", opts.Addr))
	return rc, nil
}

func (rc *RedisClient) runHealthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := rc.client.Ping(ctx).Err(); err != nil {
				logging.L().Warn("redis health check failed", zap.Error(err))
			}
			cancel()
		case <-rc.stop:
			return
		}
	}
}

// Client returns the underlying Redis client.
func (rc *RedisClient) Client() redis.UniversalClient {
	return rc.client
}

// Ping tests the connection.
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close stops the health check and closes the connection.
func (rc *RedisClient) Close() error {
	close(rc.stop)
	return rc.client.Close()
}
