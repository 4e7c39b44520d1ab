// Package cache keeps recent quotes so the reconcilers in one cycle share a
// single broker round trip per symbol.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
	"github.com/eddiefleurent/ledgerkeeper/internal/metrics"
)

// Store is a TTL key-value store.
type Store interface {
	// GetMany returns values for keys; missing keys are absent from the map.
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMany(ctx context.Context, values map[string][]byte, ttl time.Duration) error
}

// RedisStore is a Store on go-redis.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings. It returns an error if Redis is unreachable.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreFromClient wraps an existing client without pinging it.
func NewRedisStoreFromClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// GetMany implements Store with MGET.
func (s *RedisStore) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget: %w", err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = []byte(str)
		}
	}
	return out, nil
}

// SetMany implements Store with a pipelined SET EX per key.
func (s *RedisStore) SetMany(ctx context.Context, values map[string][]byte, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: pipeline set: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// MemoryStore is an in-process Store, used when Redis is not configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

// GetMany implements Store.
func (s *MemoryStore) GetMany(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		it, ok := s.items[k]
		if !ok {
			continue
		}
		if !now.Before(it.expires) {
			delete(s.items, k)
			continue
		}
		out[k] = it.value
	}
	return out, nil
}

// SetMany implements Store.
func (s *MemoryStore) SetMany(_ context.Context, values map[string][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp := s.now().Add(ttl)
	for k, v := range values {
		s.items[k] = memoryItem{value: v, expires: exp}
	}
	return nil
}

// QuoteCache is a broker.QuoteSource that serves recent quotes from a Store
// and fetches misses from the wrapped source. Cache failures fall through
// to the source.
type QuoteCache struct {
	source broker.QuoteSource
	store  Store
	ttl    time.Duration
	logger logrus.FieldLogger
}

var _ broker.QuoteSource = (*QuoteCache)(nil)

// NewQuoteCache wraps source.
func NewQuoteCache(source broker.QuoteSource, store Store, ttl time.Duration, logger logrus.FieldLogger) *QuoteCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QuoteCache{source: source, store: store, ttl: ttl, logger: logger}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// GetQuoteCtx implements broker.QuoteSource.
func (c *QuoteCache) GetQuoteCtx(ctx context.Context, symbol string) (*broker.Quote, error) {
	quotes, err := c.GetQuotesBatchCtx(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	return q, nil
}

// GetQuotesBatchCtx implements broker.QuoteSource.
func (c *QuoteCache) GetQuotesBatchCtx(ctx context.Context, symbols []string) (map[string]*broker.Quote, error) {
	wanted := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		wanted = append(wanted, s)
	}

	out := make(map[string]*broker.Quote, len(wanted))
	if len(wanted) == 0 {
		return out, nil
	}

	keys := make([]string, len(wanted))
	for i, s := range wanted {
		keys[i] = quoteKey(s)
	}
	cached, err := c.store.GetMany(ctx, keys)
	if err != nil {
		metrics.QuoteCacheTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("quote cache read failed, fetching from source")
		cached = nil
	}

	var misses []string
	for _, s := range wanted {
		raw, ok := cached[quoteKey(s)]
		if !ok {
			misses = append(misses, s)
			continue
		}
		var q broker.Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			misses = append(misses, s)
			continue
		}
		out[s] = &q
	}
	metrics.QuoteCacheTotal.WithLabelValues("hit").Add(float64(len(out)))
	metrics.QuoteCacheTotal.WithLabelValues("miss").Add(float64(len(misses)))

	if len(misses) == 0 {
		return out, nil
	}

	fresh, err := c.source.GetQuotesBatchCtx(ctx, misses)
	if err != nil {
		if len(out) > 0 {
			c.logger.WithError(err).WithField("missing", len(misses)).Warn("quote fetch failed, returning cached subset")
			return out, nil
		}
		return nil, err
	}

	toStore := make(map[string][]byte, len(fresh))
	for sym, q := range fresh {
		if q == nil {
			continue
		}
		sym = strings.ToUpper(sym)
		out[sym] = q
		if raw, err := json.Marshal(q); err == nil {
			toStore[quoteKey(sym)] = raw
		}
	}
	if err := c.store.SetMany(ctx, toStore, c.ttl); err != nil {
		metrics.QuoteCacheTotal.WithLabelValues("error").Inc()
		c.logger.WithError(err).Warn("quote cache write failed")
	}
	return out, nil
}
