package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const grantKeyPrefix = "ferrepos:grant:"

type RedisGrantStore struct {
	client *redis.Client
}

func NewRedisGrantStore(addr string, password string, db int) *RedisGrantStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisGrantStore{client: client}
}

func (c *RedisGrantStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisGrantStore) Close() error {
	return c.client.Close()
}

func (c *RedisGrantStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, grantKeyPrefix+key, value, ttl).Result()
}

// Take relies on GETDEL (redis >= 6.2) so concurrent redeemers cannot both
// see the value.
func (c *RedisGrantStore) Take(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.GetDel(ctx, grantKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}
