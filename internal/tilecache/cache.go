// Package tilecache caches rendered tiles in Redis. The cache is a pure
// latency optimization: every failure path degrades to a miss and the
// request renders from source. Stores run on a background worker pool so
// the response never waits on Redis writes.
package tilecache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/planetgeo/mars-tiler/internal/model"
	"github.com/planetgeo/mars-tiler/internal/observability"
)

// Lookup outcomes, surfaced verbatim in the X-Tile-Cache header.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeBypass = "bypass"
)

const (
	defaultTTL         = time.Hour
	defaultOpTimeout   = 500 * time.Millisecond
	defaultFillWorkers = 4
	defaultFillQueue   = 256
)

// Store is the backing key-value store. Satisfied by *redisstore.Client.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

type storeJob struct {
	key   string
	entry Entry
}

// Cache is the rendered-tile cache. Close drains the fill queue.
type Cache struct {
	store     Store
	ttl       time.Duration
	opTimeout time.Duration
	logger    *slog.Logger

	jobs      chan storeJob
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithOpTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.opTimeout = d
		}
	}
}

func WithFillQueue(depth int) Option {
	return func(c *Cache) {
		if depth > 0 {
			c.jobs = make(chan storeJob, depth)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// New starts the cache with workers background-store goroutines.
func New(store Store, workers int, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		ttl:       defaultTTL,
		opTimeout: defaultOpTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.jobs == nil {
		c.jobs = make(chan storeJob, defaultFillQueue)
	}
	if workers <= 0 {
		workers = defaultFillWorkers
	}

	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.fillWorker()
	}
	return c
}

// Lookup fetches and decodes a cached record. Backend failures and corrupt
// entries degrade to a miss; the caller renders from source either way.
// The returned entry is nil on miss; a non-nil entry may still be a marker
// without bytes (see Entry).
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, string) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	raw, found, err := c.store.Get(opCtx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, rendering from source", "key", key, "error", err)
		observability.IncTileCache(OutcomeMiss)
		return nil, OutcomeMiss
	}
	if !found {
		observability.IncTileCache(OutcomeMiss)
		return nil, OutcomeMiss
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		observability.IncTileCache(OutcomeMiss)
		return nil, OutcomeMiss
	}
	observability.IncTileCache(OutcomeHit)
	return &entry, OutcomeHit
}

// Store queues a rendered tile for a background write. The response has
// already been sent when the write runs; a full queue drops the write
// rather than applying backpressure to renders.
func (c *Cache) Store(key string, tile *model.RenderedTile) {
	c.enqueue(key, Entry{Tile: tile, ShouldGenerate: true})
}

// StoreNegative records that the tile has no assets, so future requests
// can 404 without touching the spatial index.
func (c *Cache) StoreNegative(key string) {
	c.enqueue(key, Entry{ShouldGenerate: false})
}

func (c *Cache) enqueue(key string, entry Entry) {
	select {
	case c.jobs <- storeJob{key: key, entry: entry}:
	default:
		c.logger.Warn("cache fill queue full, dropping store", "key", key)
	}
}

func (c *Cache) fillWorker() {
	defer c.wg.Done()
	for job := range c.jobs {
		raw, err := encodeEntry(job.entry)
		if err != nil {
			c.logger.Error("encode cache entry", "key", job.key, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opTimeout)
		if err := c.store.Set(ctx, job.key, raw, c.ttl); err != nil {
			c.logger.Warn("cache store failed", "key", job.key, "error", err)
		}
		cancel()
	}
}

// Close stops accepting stores and waits for queued writes to finish.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.jobs)
	})
	c.wg.Wait()
}
