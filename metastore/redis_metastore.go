package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const redisConstantsKey = "kpibridge_constants"

type (
	RedisMetaStore struct {
		client *redis.Client
	}
)

func NewRedisMetaStore(ctx context.Context) (*RedisMetaStore, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Msg("connecting to redis metastore")
	rms := &RedisMetaStore{
		client: redis.NewClient(&redis.Options{
			Addr:        utils.REDIS_ADDR,
			Password:    utils.REDIS_PASSWORD,
			DB:          0,
			DialTimeout: time.Second * 3,
		}),
	}

	// Ping test first to ensure valid connection
	if utils.GetEnvOrDefault("REDIS_PING_TEST", "1") == "1" {
		logger.Debug().Msg("running redis ping test")
		s := time.Now()
		_, err := rms.client.Ping(ctx).Result()
		if err != nil {
			rms.client.Close()
			return nil, fmt.Errorf("error pinging redis: %w", err)
		}
		logger.Debug().Msgf("redis ping test successful in %s", time.Since(s))
	}

	return rms, nil
}

func (rms *RedisMetaStore) GetConstant(ctx context.Context, name string) (json.RawMessage, error) {
	raw, err := rms.client.HGet(ctx, redisConstantsKey, name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrConstantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error in redis HGET: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (rms *RedisMetaStore) SetConstant(ctx context.Context, name string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("constant %s is not valid JSON", name)
	}
	_, err := rms.client.HSet(ctx, redisConstantsKey, name, string(value)).Result()
	if err != nil {
		return fmt.Errorf("error in redis HSET: %w", err)
	}
	return nil
}

func (rms *RedisMetaStore) ListConstants(ctx context.Context) ([]string, error) {
	names, err := rms.client.HKeys(ctx, redisConstantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("error in redis HKEYS: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (rms *RedisMetaStore) Shutdown(_ context.Context) error {
	err := rms.client.Close()
	if err != nil {
		return fmt.Errorf("error closing redis client: %w", err)
	}
	return nil
}
