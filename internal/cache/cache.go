// Package cache keeps a bounded, least-recently-used subset of a remote
// backend's objects in a local store.
//
// Entries younger than Config.MinAge are never evicted. When only young
// entries are left the cache stays over its limits until they age.
package cache

import (
	"context"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
	"github.com/aweris/cabs/internal/metrics"
	"github.com/aweris/cabs/internal/store"
)

// Config bounds the cache. Zero values mean unbounded or unprotected.
type Config struct {
	MaxBytes int64
	MaxCount int
	MinAge   time.Duration
	Clock    func() time.Time
}

// Fetcher is the source of objects missing from the cache.
type Fetcher interface {
	Fetch(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error)
}

// Stats describes cache occupancy.
type Stats struct {
	Entries  int
	Bytes    int64
	MaxBytes int64
	MaxCount int
}

type entry struct {
	size  int64
	added time.Time
}

type Cache struct {
	local   *store.LocalStore
	src     Fetcher
	cfg     Config
	metrics *metrics.Metrics

	mu     sync.Mutex
	lru    *simplelru.LRU[digest.Digest, entry]
	bytes  int64
	fills  map[digest.Digest]*pendingFill
	flight singleflight.Group
}

// pendingFill is a fetch in progress. Invalidate marks it so the fetched
// copy is discarded instead of installed.
type pendingFill struct {
	invalidated bool
}

// New builds a cache over local and indexes what is already on disk,
// oldest modification time first.
func New(ctx context.Context, local *store.LocalStore, src Fetcher, cfg Config, m *metrics.Metrics) (*Cache, error) {
	if cfg.MaxBytes < 0 || cfg.MaxCount < 0 || cfg.MinAge < 0 {
		return nil, errkind.New(errkind.Configuration, "cache limits must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	// Eviction is driven by trim, never by the LRU's own capacity.
	lru, err := simplelru.NewLRU[digest.Digest, entry](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		local:   local,
		src:     src,
		cfg:     cfg,
		metrics: m,
		lru:     lru,
		fills:   make(map[digest.Digest]*pendingFill),
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.Trim()
	return c, nil
}

func (c *Cache) load(ctx context.Context) error {
	var objs []store.Object
	err := c.local.Walk(ctx, func(o store.Object) error {
		objs = append(objs, o)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].ModTime.Before(objs[j].ModTime) })

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range objs {
		c.add(o.Digest, o.Size, o.ModTime)
	}
	log.Debug().Int("entries", c.lru.Len()).Int64("bytes", c.bytes).Msg("Cache index loaded")
	return nil
}

// Get returns the object, fetching it from the source on a miss.
// Concurrent misses for the same digest share one fetch. The fetch is not
// bound to any single caller: a caller whose ctx ends stops waiting while
// the others keep theirs.
func (c *Cache) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error) {
	if err := d.Validate(); err != nil {
		return nil, 0, errkind.Wrap(errkind.NotFound, err, "cache")
	}
	if rc, size, ok := c.open(d); ok {
		c.metrics.RecordCacheLookup(true)
		return rc, size, nil
	}
	c.metrics.RecordCacheLookup(false)

	ch := c.flight.DoChan(d.String(), func() (any, error) {
		return nil, c.fill(context.WithoutCancel(ctx), d)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, 0, res.Err
		}
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	// Open before trimming so an object larger than the budget is still
	// served once.
	rc, size, ok := c.open(d)
	c.Trim()
	if !ok {
		return nil, 0, errkind.New(errkind.NotFound, "cache: %s removed while fetching", d)
	}
	return rc, size, nil
}

// Contains reports whether d is cached.
func (c *Cache) Contains(d digest.Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(d)
}

func (c *Cache) open(d digest.Digest) (io.ReadCloser, int64, bool) {
	f, obj, err := c.local.Open(d)
	if err != nil {
		return nil, 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Get(d); !ok {
		// Untracked: restored behind our back, or invalidated after the open.
		if !c.local.Has(d) {
			f.Close()
			return nil, 0, false
		}
		c.add(d, obj.Size, c.cfg.Clock())
	}
	return f, obj.Size, true
}

func (c *Cache) fill(ctx context.Context, d digest.Digest) error {
	if c.local.Has(d) {
		return nil
	}
	p := &pendingFill{}
	c.mu.Lock()
	c.fills[d] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.fills[d] == p {
			delete(c.fills, d)
		}
		c.mu.Unlock()
	}()

	rc, size, err := c.src.Fetch(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()

	sp, err := c.local.Spool(ctx, rc, store.Expect{Digest: d, Size: size})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p.invalidated {
		sp.Discard()
		return errkind.New(errkind.NotFound, "cache: %s removed while fetching", d)
	}
	if _, err := sp.Commit(); err != nil {
		return err
	}
	if _, ok := c.lru.Get(d); !ok {
		c.add(d, sp.Size(), c.cfg.Clock())
	}
	return nil
}

// Install commits a spool produced by the write path and tracks it.
// created is false when the object was already cached.
func (c *Cache) Install(sp *store.Spool) (created bool, err error) {
	c.mu.Lock()
	created, err = sp.Commit()
	if err != nil {
		c.mu.Unlock()
		return false, err
	}
	if _, ok := c.lru.Get(sp.Digest()); !ok {
		c.add(sp.Digest(), sp.Size(), c.cfg.Clock())
	}
	c.mu.Unlock()
	c.Trim()
	return created, nil
}

// Admit tracks an object that reappeared in the local store, for example
// after a rolled back removal.
func (c *Cache) Admit(d digest.Digest) error {
	obj, err := c.local.Stat(d)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.lru.Get(d); !ok {
		c.add(d, obj.Size, c.cfg.Clock())
	}
	c.mu.Unlock()
	c.Trim()
	return nil
}

// Forget stops tracking d without touching the disk.
func (c *Cache) Forget(d digest.Digest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(d)
}

// Invalidate stops tracking d and deletes the local copy. A fetch of d
// already in progress is discarded when it completes.
func (c *Cache) Invalidate(d digest.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.fills[d]; ok {
		p.invalidated = true
	}
	c.drop(d)
	return c.local.Delete(d)
}

// Trim evicts least recently used entries that are old enough until the
// cache is within its limits.
func (c *Cache) Trim() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.over() {
		return
	}

	now := c.cfg.Clock()
	evicted := 0
	for _, d := range c.lru.Keys() {
		if !c.over() {
			break
		}
		e, _ := c.lru.Peek(d)
		if c.cfg.MinAge > 0 && now.Sub(e.added) < c.cfg.MinAge {
			continue
		}
		if err := c.local.Delete(d); err != nil {
			log.Warn().Err(err).Str("digest", d.String()).Msg("Failed to evict cache entry")
			continue
		}
		c.drop(d)
		evicted++
	}
	c.metrics.RecordEviction(evicted)
	if c.over() {
		log.Debug().
			Int("entries", c.lru.Len()).
			Int64("bytes", c.bytes).
			Msg("Cache over limits, remaining entries are too young to evict")
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.lru.Len(), Bytes: c.bytes, MaxBytes: c.cfg.MaxBytes, MaxCount: c.cfg.MaxCount}
}

func (c *Cache) add(d digest.Digest, size int64, added time.Time) {
	if old, ok := c.lru.Peek(d); ok {
		c.bytes -= old.size
	}
	c.lru.Add(d, entry{size: size, added: added})
	c.bytes += size
	c.metrics.UpdateCache(c.lru.Len(), c.bytes)
}

func (c *Cache) drop(d digest.Digest) {
	if e, ok := c.lru.Peek(d); ok {
		c.lru.Remove(d)
		c.bytes -= e.size
		c.metrics.UpdateCache(c.lru.Len(), c.bytes)
	}
}

func (c *Cache) over() bool {
	return (c.cfg.MaxBytes > 0 && c.bytes > c.cfg.MaxBytes) ||
		(c.cfg.MaxCount > 0 && c.lru.Len() > c.cfg.MaxCount)
}
