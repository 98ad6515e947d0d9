package middleware

import (
	"time"

	"github.com/go-redis/redis"
)

// RedisCacher is a Cacher backed by a redis server.
type RedisCacher struct {
	client *redis.Client
}

func NewRedisCacher(addr, password string, db int) *RedisCacher {
	return &RedisCacher{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Start checks the server is reachable.
func (r *RedisCacher) Start() error {
	_, err := r.client.Ping().Result()
	return err
}

func (r *RedisCacher) Stop() error {
	return r.client.Close()
}

func (r *RedisCacher) Get(key string) ([]byte, error) {
	res, err := r.client.Get(key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return []byte(res), nil
}

func (r *RedisCacher) SetEx(key string, value []byte, expiration time.Duration) error {
	return r.client.Set(key, value, expiration).Err()
}

func (r *RedisCacher) Del(key string) error {
	return r.client.Del(key).Err()
}
