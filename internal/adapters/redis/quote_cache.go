package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
	"github.com/selivandex/coin-resolver/pkg/models"
)

const quoteKeyPrefix = "coin-resolver:quote:"

func quoteKey(id string) string {
	return quoteKeyPrefix + id
}

// GetQuotes loads cached quotes for ids; missing keys are simply absent.
func (c *Client) GetQuotes(ctx context.Context, ids []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = quoteKey(id)
	}

	vals, err := c.cache.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read quotes: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var q models.Quote
		if err := json.Unmarshal([]byte(s), &q); err != nil {
			logger.Warn("dropping corrupt cached quote", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		out[ids[i]] = q
	}
	return out, nil
}

// SetQuotes writes quotes in one pipeline. A non-positive ttl uses the
// configured default.
func (c *Client) SetQuotes(ctx context.Context, quotes []models.Quote, ttl time.Duration) error {
	if len(quotes) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.quoteTTL
	}

	pipe := c.cache.Pipeline()
	for _, q := range quotes {
		q.IsStale = false
		data, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("failed to encode quote %s: %w", q.ID, err)
		}
		pipe.Set(ctx, quoteKey(q.ID), data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write quotes: %w", err)
	}
	return nil
}
