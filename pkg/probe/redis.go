package probe

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisProber considers the target ready once it answers PING. Redis
// loaded from an explicit configuration file can refuse commands while
// loading its dataset even though the port already accepts connections.
type RedisProber struct {
	addr     string
	password string
}

// NewRedisProber creates a Redis PING probe.
func NewRedisProber(addr, password string) *RedisProber {
	return &RedisProber{addr: addr, password: password}
}

// Check opens a client and pings once.
func (p *RedisProber) Check(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     p.addr,
		Password: p.password,
	})
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", p.addr, err)
	}
	return nil
}

// Describe names the probe target.
func (p *RedisProber) Describe() string {
	return "redis " + p.addr
}
