package config

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings shared by every Redis node.
// Addr is the state store node; lock nodes come from Config.LockNodes.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	TLS      bool   `env:"REDIS_TLS"`
}

// NewRedisClient builds a client for addr with the shared settings.  It
// does not connect.
func (r RedisConfig) NewRedisClient(addr string) *redis.Client {
	var tlsConf *tls.Config
	if r.TLS {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  r.Password,
		DB:        r.DB,
		TLSConfig: tlsConf,
	})
}

// LockClients builds one client per lock node.  Unreachable nodes are not
// an error here; the lock manager works as long as a quorum answers.
func (c Config) LockClients() []*redis.Client {
	clients := make([]*redis.Client, 0, len(c.LockNodes))
	for _, addr := range c.LockNodes {
		clients = append(clients, c.Redis.NewRedisClient(addr))
	}
	return clients
}

// Ping checks a client with a short timeout.
func Ping(ctx context.Context, rdb *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", rdb.Options().Addr, err)
	}
	return nil
}
