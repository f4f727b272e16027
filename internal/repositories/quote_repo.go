package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gacha-x402/backend/internal/models"
	"github.com/redis/go-redis/v9"
)

const quoteKeyPrefix = "x402:quote:"

// RedisQuoteStore keeps issued quotes as JSON values that expire on their own.
type RedisQuoteStore struct {
	client *redis.Client
}

func NewRedisQuoteStore(client *redis.Client) *RedisQuoteStore {
	return &RedisQuoteStore{client: client}
}

func (s *RedisQuoteStore) Put(ctx context.Context, q models.Quote, ttl time.Duration) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, quoteKeyPrefix+q.OrderID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("store quote %s: %w", q.OrderID, err)
	}
	if !ok {
		return fmt.Errorf("quote %s already exists", q.OrderID)
	}
	return nil
}

func (s *RedisQuoteStore) Get(ctx context.Context, orderID string) (*models.Quote, error) {
	data, err := s.client.Get(ctx, quoteKeyPrefix+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quote %s: %w", orderID, err)
	}
	var q models.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("decode quote %s: %w", orderID, err)
	}
	return &q, nil
}
