// Package cache содержит адаптер быстрого кэша на Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/exchanger/internal/model"
)

const (
	ratesNamespace   = "rates"
	secretsNamespace = "secrets"
)

// SecretTTL задаёт верхнюю границу времени жизни короткоживущих секретов, например токена кошелька.
const SecretTTL = 600 * time.Second

// Redis хранит горячие курсы и короткоживущие секреты.
type Redis struct {
	client *redis.Client
}

// NewRedis подключается к Redis и проверяет соединение.
func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Key строит ключ вида namespace:key.
func Key(namespace, key string) string {
	return namespace + ":" + key
}

// Close закрывает соединение с Redis.
func (r *Redis) Close() error {
	return r.client.Close()
}

// GetRate возвращает закэшированный курс пары или nil, если записи нет.
func (r *Redis) GetRate(ctx context.Context, pair string) (*model.RateSnapshot, error) {
	raw, err := r.client.Get(ctx, Key(ratesNamespace, pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate %s: %w", pair, err)
	}

	var snap model.RateSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode rate %s: %w", pair, err)
	}
	return &snap, nil
}

// SetRate кладёт курс пары в кэш с указанным TTL.
func (r *Redis) SetRate(ctx context.Context, snap *model.RateSnapshot, ttl time.Duration) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode rate %s: %w", snap.Pair, err)
	}
	if err := r.client.Set(ctx, Key(ratesNamespace, snap.Pair), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set rate %s: %w", snap.Pair, err)
	}
	return nil
}

// SetSecret сохраняет короткоживущий секрет на ttl; ttl <= 0 или больше SecretTTL заменяется на SecretTTL.
func (r *Redis) SetSecret(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, Key(secretsNamespace, key), value, secretTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("set secret: %w", err)
	}
	return nil
}

func secretTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > SecretTTL {
		return SecretTTL
	}
	return ttl
}

// GetSecret возвращает секрет; второй результат false, если срок истёк или ключа нет.
func (r *Redis) GetSecret(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, Key(secretsNamespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get secret: %w", err)
	}
	return v, true, nil
}
