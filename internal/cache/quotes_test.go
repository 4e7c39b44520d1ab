package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/ledgerkeeper/internal/broker"
)

type countingSource struct {
	prices  map[string]float64
	batches [][]string
	err     error
}

func (s *countingSource) GetQuoteCtx(ctx context.Context, symbol string) (*broker.Quote, error) {
	m, err := s.GetQuotesBatchCtx(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	return m[symbol], nil
}

func (s *countingSource) GetQuotesBatchCtx(_ context.Context, symbols []string) (map[string]*broker.Quote, error) {
	s.batches = append(s.batches, append([]string(nil), symbols...))
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]*broker.Quote)
	for _, sym := range symbols {
		if p, ok := s.prices[strings.ToUpper(sym)]; ok {
			last := p
			out[strings.ToUpper(sym)] = &broker.Quote{Symbol: sym, Last: &last}
		}
	}
	return out, nil
}

func TestQuoteCache_ServesHitsAndFetchesMisses(t *testing.T) {
	src := &countingSource{prices: map[string]float64{"NVDA": 150, "AMD": 120}}
	c := NewQuoteCache(src, NewMemoryStore(), time.Minute, nil)
	ctx := context.Background()

	first, err := c.GetQuotesBatchCtx(ctx, []string{"nvda", "AMD", "NVDA", "MISSING"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Len(t, src.batches, 1)
	assert.ElementsMatch(t, []string{"NVDA", "AMD", "MISSING"}, src.batches[0])

	second, err := c.GetQuotesBatchCtx(ctx, []string{"NVDA", "AMD"})
	require.NoError(t, err)
	assert.Len(t, src.batches, 1, "second call is served from cache")
	last, ok := second["NVDA"].LastPrice()
	require.True(t, ok)
	assert.Equal(t, 150.0, last)

	q, err := c.GetQuoteCtx(ctx, "amd")
	require.NoError(t, err)
	last, _ = q.LastPrice()
	assert.Equal(t, 120.0, last)

	_, err = c.GetQuoteCtx(ctx, "MISSING")
	assert.Error(t, err)
}

func TestQuoteCache_Expiry(t *testing.T) {
	src := &countingSource{prices: map[string]float64{"NVDA": 150}}
	store := NewMemoryStore()
	now := time.Date(2026, 10, 14, 14, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	c := NewQuoteCache(src, store, 30*time.Second, nil)

	_, err := c.GetQuotesBatchCtx(context.Background(), []string{"NVDA"})
	require.NoError(t, err)
	now = now.Add(31 * time.Second)
	_, err = c.GetQuotesBatchCtx(context.Background(), []string{"NVDA"})
	require.NoError(t, err)
	assert.Len(t, src.batches, 2)
}

func TestQuoteCache_SourceFailure(t *testing.T) {
	src := &countingSource{prices: map[string]float64{"NVDA": 150}}
	c := NewQuoteCache(src, NewMemoryStore(), time.Minute, nil)
	ctx := context.Background()
	_, err := c.GetQuotesBatchCtx(ctx, []string{"NVDA"})
	require.NoError(t, err)

	src.err = errors.New("upstream down")
	partial, err := c.GetQuotesBatchCtx(ctx, []string{"NVDA", "AMD"})
	require.NoError(t, err, "cached subset is returned when the source fails")
	assert.Len(t, partial, 1)

	_, err = c.GetQuotesBatchCtx(ctx, []string{"AMD"})
	assert.Error(t, err)
}

func TestQuoteCache_UnreachableRedisFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	logger, hook := test.NewNullLogger()
	src := &countingSource{prices: map[string]float64{"NVDA": 150}}
	c := NewQuoteCache(src, NewRedisStoreFromClient(rdb), time.Minute, logger)

	quotes, err := c.GetQuotesBatchCtx(context.Background(), []string{"NVDA"})
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
	assert.NotEmpty(t, hook.AllEntries())
}
