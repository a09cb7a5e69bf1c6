// Package gc reclaims unreferenced objects with a start/mark/stop
// mark-sweep cycle.
//
//	IDLE --Start--> RUNNING --Mark*--> RUNNING --Stop--> IDLE
//
// Callers mark every digest that is still referenced between Start and
// Stop. Start while running and Stop while idle fail with errkind.GCState;
// Reset forces IDLE after a crashed caller.
//
// Runs are best effort. A failed listing aborts the run. Failed deletions
// are counted and left for the next run.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
	"github.com/aweris/cabs/internal/metrics"
)

// DefaultConcurrency bounds parallel deletions.
const DefaultConcurrency = 8

// Entry is one object of the collected store.
type Entry struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Target is the store a collector sweeps.
type Target interface {
	// List reports every stored object exactly once.
	List(ctx context.Context, fn func(Entry) error) error
	Delete(ctx context.Context, d digest.Digest) error
}

// Status describes the current or the last finished run.
type Status struct {
	Running   bool          `cbor:"running"`
	Strategy  string        `cbor:"strategy"`
	StartedAt time.Time     `cbor:"started_at"`
	Duration  time.Duration `cbor:"duration"`

	Kept         int   `cbor:"kept"`
	Unreferenced int   `cbor:"unreferenced"`
	Removed      int   `cbor:"removed"`
	Failed       int   `cbor:"failed"`
	Skipped      int   `cbor:"skipped"`
	BytesRemoved int64 `cbor:"bytes_removed"`

	Error string `cbor:"error,omitempty"`
}

// StatusStore persists the status of finished runs.
type StatusStore interface {
	SaveStatus(Status) error
}

// Config configures a Collector.
type Config struct {
	Strategy    Strategy
	Concurrency int
	StatusStore StatusStore
	// LastStatus seeds Status until the first run finishes.
	LastStatus Status
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

type phase int

const (
	idle phase = iota
	starting
	running
	sweeping
)

// Collector runs garbage collection against one target. Mark is safe for
// concurrent use.
type Collector struct {
	target      Target
	strategy    Strategy
	concurrency int
	statusStore StatusStore
	metrics     *metrics.Metrics
	now         func() time.Time

	mu      sync.RWMutex
	phase   phase
	gen     uint64
	set     workingSet
	started time.Time
	last    Status
}

func New(target Target, cfg Config) (*Collector, error) {
	if target == nil {
		return nil, errkind.New(errkind.Configuration, "gc: target is required")
	}
	if !cfg.Strategy.Valid() {
		return nil, errkind.New(errkind.Configuration, "gc: exactly one of additive or subtractive must be chosen")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	last := cfg.LastStatus
	last.Running = false
	return &Collector{
		target:      target,
		strategy:    cfg.Strategy,
		concurrency: cfg.Concurrency,
		statusStore: cfg.StatusStore,
		metrics:     cfg.Metrics,
		now:         cfg.Clock,
		last:        last,
	}, nil
}

func (c *Collector) Strategy() Strategy { return c.strategy }

// Start begins a run. The subtractive strategy lists the target here.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != idle {
		c.mu.Unlock()
		return errkind.New(errkind.GCState, "gc: a run is already in progress")
	}
	c.phase = starting
	c.gen++
	gen := c.gen
	started := c.now()
	c.started = started
	c.mu.Unlock()

	set, skipped, err := newWorkingSet(ctx, c.strategy, c.target)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return errkind.New(errkind.GCState, "gc: run was reset while starting")
	}
	if err != nil {
		c.phase = idle
		c.last = Status{
			Strategy:  c.strategy.String(),
			StartedAt: started,
			Duration:  c.now().Sub(started),
			Skipped:   skipped,
			Error:     err.Error(),
		}
		c.metrics.RecordGC(c.strategy.String(), err, 0, 0, c.last.Duration)
		log.Error().Err(err).Str("strategy", c.strategy.String()).Msg("GC aborted: listing failed")
		return fmt.Errorf("gc: start: %w", err)
	}
	c.set = set
	c.phase = running
	log.Info().Str("strategy", c.strategy.String()).Msg("GC started")
	return nil
}

// Mark records that d is still referenced.
func (c *Collector) Mark(d digest.Digest) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.phase != running {
		return errkind.New(errkind.GCState, "gc: mark while no run is in progress")
	}
	c.set.mark(d)
	return nil
}

// Stop ends the run and computes the unreferenced objects. With
// deleteObjects set they are removed from the target; otherwise they are
// only counted.
func (c *Collector) Stop(ctx context.Context, deleteObjects bool) (Status, error) {
	c.mu.Lock()
	if c.phase != running {
		c.mu.Unlock()
		return Status{}, errkind.New(errkind.GCState, "gc: stop while no run is in progress")
	}
	c.phase = sweeping
	set, started, gen := c.set, c.started, c.gen
	c.set = nil
	c.mu.Unlock()

	st := Status{Strategy: c.strategy.String(), StartedAt: started}
	res, err := set.unreferenced(ctx, c.target, started)
	st.Kept, st.Skipped = res.kept, res.skipped
	if err != nil {
		st.Error = err.Error()
		log.Error().Err(err).Str("strategy", st.Strategy).Msg("GC aborted: listing failed")
		err = fmt.Errorf("gc: stop: %w", err)
	} else {
		st.Unreferenced = len(res.victims)
		if deleteObjects {
			c.sweep(ctx, res.victims, &st)
		}
	}
	st.Duration = c.now().Sub(started)

	c.finish(gen, st, err)
	return st, err
}

func (c *Collector) sweep(ctx context.Context, victims []victim, st *Status) {
	var removed, failed, bytes atomic.Int64
	p := pool.New().WithMaxGoroutines(c.concurrency)
	for _, v := range victims {
		p.Go(func() {
			if err := ctx.Err(); err != nil {
				failed.Add(1)
				return
			}
			if err := c.target.Delete(ctx, v.digest); err != nil {
				log.Warn().Err(err).Str("digest", v.digest.String()).Msg("GC failed to remove object")
				failed.Add(1)
				return
			}
			removed.Add(1)
			bytes.Add(v.size)
		})
	}
	p.Wait()

	st.Removed = int(removed.Load())
	st.Failed = int(failed.Load())
	st.BytesRemoved = bytes.Load()
}

func (c *Collector) finish(gen uint64, st Status, err error) {
	c.mu.Lock()
	if c.gen == gen {
		c.phase = idle
		c.last = st
	}
	c.mu.Unlock()

	c.metrics.RecordGC(st.Strategy, err, st.Removed, st.BytesRemoved, st.Duration)
	log.Info().
		Str("strategy", st.Strategy).
		Int("kept", st.Kept).
		Int("unreferenced", st.Unreferenced).
		Int("removed", st.Removed).
		Int("failed", st.Failed).
		Int("skipped", st.Skipped).
		Int64("bytes_removed", st.BytesRemoved).
		Dur("duration", st.Duration).
		Msg("GC finished")

	if c.statusStore != nil {
		if err := c.statusStore.SaveStatus(st); err != nil {
			log.Warn().Err(err).Msg("Failed to persist GC status")
		}
	}
}

// Reset forces the collector back to IDLE. A run that is still sweeping
// finishes its deletions but its result is discarded.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != idle {
		log.Warn().Str("strategy", c.strategy.String()).Msg("GC reset while a run was in progress")
	}
	c.gen++
	c.phase = idle
	c.set = nil
}

// Status reports the run in progress, or the last finished one.
func (c *Collector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.phase == idle {
		return c.last
	}
	return Status{
		Running:   true,
		Strategy:  c.strategy.String(),
		StartedAt: c.started,
		Duration:  c.now().Sub(c.started),
	}
}
