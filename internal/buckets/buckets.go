// Package buckets batches per-session usage records and flushes them to the
// accounting store.
package buckets

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"relay-api/internal/database"
	"relay-api/internal/metrics"
	"relay-api/internal/shared"

	"go.uber.org/zap"
)

// SaveFunc persists one batch of records keyed by request id.
type SaveFunc func(ctx context.Context, qim map[string]*shared.ProcessedQueryInfo) error

type UsageCache struct {
	buckets       map[string]*bucket
	killedBuckets map[string]*bucket
	mu            sync.Mutex
	wg            sync.WaitGroup
	log           *zap.SugaredLogger
	save          SaveFunc

	flushInterval time.Duration
	retryDelay    time.Duration
	maxRecords    int
}

type bucket struct {
	provider string
	qim      map[string]*shared.ProcessedQueryInfo
	timer    *time.Timer
}

func NewUsageCache(log *zap.SugaredLogger, db *sql.DB) *UsageCache {
	return NewUsageCacheWithSaver(log, func(ctx context.Context, qim map[string]*shared.ProcessedQueryInfo) error {
		return database.ExecuteTransaction(ctx, db, []func(*sql.Tx) error{
			func(tx *sql.Tx) error {
				return database.SaveRequests(ctx, tx, qim)
			},
		})
	})
}

func NewUsageCacheWithSaver(log *zap.SugaredLogger, save SaveFunc) *UsageCache {
	return &UsageCache{
		log:           log,
		save:          save,
		buckets:       map[string]*bucket{},
		killedBuckets: map[string]*bucket{},
		flushInterval: shared.BucketFlushInterval,
		retryDelay:    shared.BucketRetryDelay,
		maxRecords:    shared.BucketMaxRecords,
	}
}

// Add queues a finished session. The provider's bucket flushes after the
// flush interval or as soon as it holds maxRecords entries.
func (c *UsageCache) Add(pqi *shared.ProcessedQueryInfo) {
	if pqi == nil || pqi.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.getBucket(pqi.Provider)
	b.qim[pqi.ID] = pqi

	if b.timer == nil {
		c.log.Debugw("Registering flush for bucket", "provider", b.provider)
		provider := b.provider
		b.timer = time.AfterFunc(c.flushInterval, func() {
			c.flushWithRetry(provider)
		})
	}

	if len(b.qim) < c.maxRecords {
		return
	}
	if !b.timer.Stop() {
		// timer already fired and owns this bucket's flush
		return
	}
	c.log.Infow("Executing flush from full bucket", "provider", b.provider, "records", len(b.qim))
	provider := b.provider
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.flushWithRetry(provider)
	}()
}

func (c *UsageCache) getBucket(provider string) *bucket {
	b, ok := c.buckets[provider]
	if !ok {
		b = &bucket{qim: map[string]*shared.ProcessedQueryInfo{}, provider: provider}
		c.buckets[provider] = b
	}
	return b
}

func (c *UsageCache) flushWithRetry(provider string) {
	retry := c.Flush(provider)
	for retry != 0 {
		c.log.Warnw("Flush requested retry, waiting...", "provider", provider)
		time.Sleep(retry)
		retry = c.Flush(provider)
	}
}

// Flush saves and clears the provider's bucket. A non-zero return asks the
// caller to try again after that delay because another flush is running.
func (c *UsageCache) Flush(provider string) time.Duration {
	c.mu.Lock()
	b, ok := c.buckets[provider]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	if _, ok := c.killedBuckets[provider]; ok {
		c.mu.Unlock()
		return c.retryDelay
	}
	c.killedBuckets[provider] = b
	delete(c.buckets, provider)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.killedBuckets, provider)
		c.mu.Unlock()
	}()

	if len(b.qim) == 0 {
		return 0
	}

	var err error
	for attempt := range shared.MaxFlushRetries {
		err = c.save(context.Background(), b.qim)
		if err == nil {
			break
		}
		c.log.Errorw("Failed to save usage batch", "provider", provider, "attempt", attempt+1, "error", err)
		if attempt < shared.MaxFlushRetries-1 {
			time.Sleep(c.retryDelay)
		}
	}
	if err != nil {
		c.log.Errorw("Dropping usage batch after retries", "provider", provider, "records", len(b.qim), "error", err)
		metrics.ErrorCount.WithLabelValues(provider, "save_requests").Inc()
		return 0
	}
	c.log.Infow("Flushed usage bucket", "provider", provider, "requests", len(b.qim))
	return 0
}

// Shutdown stops pending timers and flushes every bucket.
func (c *UsageCache) Shutdown() {
	c.log.Info("Shutting down usage cache")
	c.mu.Lock()
	providers := make([]string, 0, len(c.buckets))
	for provider, b := range c.buckets {
		if b.timer != nil {
			b.timer.Stop()
		}
		providers = append(providers, provider)
	}
	c.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, provider := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.flushWithRetry(provider)
		}()
	}
	wg.Wait()
	c.wg.Wait()
}
