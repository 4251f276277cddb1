package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 周期锁配置
type Config struct {
	Enabled    bool
	Type       string // local, redis
	Prefix     string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewCycleLock 根据配置创建周期锁实例
// 未启用时返回 NopLock（零开销）
func NewCycleLock(config *Config) (CycleLock, error) {
	if !config.Enabled {
		return NewNopLock(), nil
	}

	switch config.Type {
	case "", "local":
		return NewLocalLock(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})
		return NewRedisLock(client, config.Prefix), nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}
