package config

import "time"

// RateLimitConfig tunes the Redis token bucket in front of game actions.
type RateLimitConfig struct {
	Enabled        bool          `env:"ENABLED" envDefault:"true"`
	Capacity       int           `env:"CAPACITY" envDefault:"60"`
	RefillTokens   int           `env:"REFILL_TOKENS" envDefault:"1"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"1s"`
	TTL            time.Duration `env:"TTL" envDefault:"10m"`
	// KeyStrategy is one of ip, user, route, user_route or ip_user_route.
	KeyStrategy string `env:"KEY_STRATEGY" envDefault:"user_route"`
	Prefix      string `env:"PREFIX" envDefault:"rl"`
}

// Normalized clamps values the bucket script cannot work with.
func (c RateLimitConfig) Normalized() RateLimitConfig {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if minTTL := 5 * c.RefillInterval; c.TTL < minTTL {
		c.TTL = minTTL
	}
	if c.TTL < time.Second {
		c.TTL = time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "rl"
	}
	return c
}
