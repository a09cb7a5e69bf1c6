package cabs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aweris/cabs/internal/cache"
	"github.com/aweris/cabs/internal/codec"
	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
	"github.com/aweris/cabs/internal/gc"
	"github.com/aweris/cabs/internal/meta"
	"github.com/aweris/cabs/internal/metrics"
	"github.com/aweris/cabs/internal/remote"
	"github.com/aweris/cabs/internal/store"
	"github.com/aweris/cabs/internal/txn"
)

const (
	metaDir      = "meta"
	gcStatusPath = "gc/status.cbor"
)

// Store is a content-addressable blob store. Without a backend the local
// directory is authoritative; with one it is a bounded cache in front of
// the backend. Store is safe for concurrent use.
type Store struct {
	opts      *Options
	local     *store.LocalStore
	backend   remote.Backend    // nil in local mode
	cache     *cache.Cache      // nil in local mode
	lengths   *meta.LengthIndex // nil in local mode
	collector *gc.Collector
	txns      *txn.Coordinator
	metrics   *metrics.Metrics

	// locks serializes writes and removals per digest shard.
	locks [256]sync.Mutex

	mu       sync.Mutex
	removals map[digest.Digest][]*removal
}

// removal is a pending, uncommitted Remove. A Put of the same digest
// supersedes it, so committing it must not delete the new object.
type removal struct {
	superseded bool
}

// Open creates or opens a store.
func Open(opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	root := expandPath(options.CacheDir)
	if root == "" {
		return nil, errkind.New(errkind.Configuration, "cache directory is required")
	}
	if !options.Algorithm.Available() {
		return nil, errkind.New(errkind.Configuration, "unsupported digest algorithm %q", options.Algorithm)
	}
	if options.CacheMaxBytes < 0 || options.CacheMaxCount < 0 || options.CacheMinAge < 0 {
		return nil, errkind.New(errkind.Configuration, "cache limits must not be negative")
	}

	backend, err := newBackend(options)
	if err != nil {
		return nil, err
	}

	local, err := store.NewLocalStore(root, store.Options{
		Algorithm:        options.Algorithm,
		TouchOnDuplicate: options.TouchOnDuplicate,
	})
	if err != nil {
		return nil, err
	}

	m := metrics.New(options.Registerer)
	s := &Store{
		opts:     options,
		local:    local,
		backend:  backend,
		txns:     txn.NewCoordinator(options.TxTimeout),
		metrics:  m,
		removals: make(map[digest.Digest][]*removal),
	}
	s.txns.Observe(func(_ txn.XID, st txn.State) { m.RecordTransaction(st.String()) })

	var target gc.Target = localTarget{s}
	if backend != nil {
		if s.lengths, err = meta.OpenLengthIndex(filepath.Join(root, metaDir)); err != nil {
			return nil, err
		}
		s.cache, err = cache.New(context.Background(), local, backendFetcher{s}, cache.Config{
			MaxBytes: options.CacheMaxBytes,
			MaxCount: options.CacheMaxCount,
			MinAge:   options.CacheMinAge,
		}, m)
		if err != nil {
			_ = s.lengths.Close()
			return nil, err
		}
		target = backendTarget{s}
	}

	status := statusFile(filepath.Join(root, gcStatusPath))
	last, err := status.load()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable GC status")
	}
	s.collector, err = gc.New(target, gc.Config{
		Strategy:    options.GCStrategy,
		Concurrency: options.Concurrency,
		StatusStore: status,
		LastStatus:  last,
		Metrics:     m,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	log.Debug().
		Str("root", root).
		Str("backend", s.backendName()).
		Str("gc_strategy", options.GCStrategy.String()).
		Msg("Store opened")
	return s, nil
}

func newBackend(o *Options) (remote.Backend, error) {
	set := 0
	file := o.fileBackend || o.BackendDir != ""
	registry := o.registryBackend || o.RegistryRef != ""
	for _, ok := range []bool{o.Backend != nil, file, registry} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return nil, errkind.New(errkind.Configuration, "at most one backend may be configured")
	}

	switch {
	case o.Backend != nil:
		return o.Backend, nil
	case file:
		if o.BackendDir == "" {
			return nil, errkind.New(errkind.Configuration, "file backend requires a directory")
		}
		b, err := remote.NewFileBackend(expandPath(o.BackendDir), remote.FileOptions{
			CompressionLevel: o.CompressionLevel,
			TouchOnDuplicate: o.TouchOnDuplicate,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case registry:
		if o.RegistryRef == "" {
			return nil, errkind.New(errkind.Configuration, "registry backend requires a repository reference")
		}
		if o.Algorithm != digest.SHA256 {
			return nil, errkind.New(errkind.Configuration, "registry backends address blobs by sha256, not %s", o.Algorithm)
		}
		b, err := remote.NewOCIBackend(o.RegistryRef, remote.OCIOptions{
			Auth:             o.Auth,
			Concurrency:      o.Concurrency,
			TouchOnDuplicate: o.TouchOnDuplicate,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, nil
}

// Put stores the content of r and returns its digest. size is the
// expected length, or negative when unknown. Writing content that is
// already stored succeeds and returns the same digest.
func (s *Store) Put(ctx context.Context, r io.Reader, size int64) (Digest, error) {
	xid, inTx := txn.FromContext(ctx)
	if inTx && s.txns.State(xid) != txn.Active {
		return "", errkind.New(errkind.Protocol, "put: transaction %s is not active", xid)
	}

	sp, err := s.local.Spool(ctx, r, store.Expect{})
	if err != nil {
		return "", err
	}
	defer sp.Discard()

	d := sp.Digest()
	if size >= 0 && sp.Size() != size {
		return "", errkind.New(errkind.Integrity, "put: read %d bytes, expected %d", sp.Size(), size)
	}

	created, err := s.install(ctx, sp)
	if err != nil {
		return "", err
	}
	s.metrics.RecordPut(sp.Size(), created)

	if inTx {
		// Objects are immutable; the put itself is already durable.
		if err := s.txns.Enlist(xid, putOp{}); err != nil {
			return "", err
		}
	}
	log.Debug().Str("digest", d.String()).Int64("size", sp.Size()).Bool("created", created).Msg("Object stored")
	return d, nil
}

func (s *Store) install(ctx context.Context, sp *store.Spool) (bool, error) {
	d := sp.Digest()
	mu := s.lock(d)
	mu.Lock()
	defer mu.Unlock()

	s.supersedeRemovals(d)
	if s.backend == nil {
		return sp.Commit()
	}

	rc, err := sp.Open()
	if err != nil {
		return false, err
	}
	start := time.Now()
	err = s.backend.Store(ctx, d, rc, sp.Size())
	_ = rc.Close()
	s.metrics.RecordBackend("store", err, time.Since(start))
	if err != nil {
		return false, err
	}

	created, err := s.cache.Install(sp)
	if err != nil {
		return false, err
	}
	if err := s.lengths.Put(d, sp.Size()); err != nil {
		log.Warn().Err(err).Str("digest", d.String()).Msg("Failed to index object length")
	}
	return created, nil
}

// Get opens an object for reading and returns its length. In remote mode
// a missing object is fetched from the backend and cached.
func (s *Store) Get(ctx context.Context, d Digest) (io.ReadCloser, int64, error) {
	if err := d.Validate(); err != nil {
		return nil, 0, errkind.Wrap(errkind.NotFound, err, "get")
	}
	if s.removalPending(d) {
		return nil, 0, errkind.New(errkind.NotFound, "object %s is being removed", d)
	}

	var (
		rc   io.ReadCloser
		size int64
		err  error
	)
	if s.cache != nil {
		rc, size, err = s.cache.Get(ctx, d)
	} else {
		var f *os.File
		var obj store.Object
		f, obj, err = s.local.Open(d)
		rc, size = f, obj.Size
	}
	if err != nil {
		return nil, 0, err
	}
	s.metrics.RecordRead(size)
	return rc, size, nil
}

// Length returns the size of an object without reading it.
func (s *Store) Length(ctx context.Context, d Digest) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, errkind.Wrap(errkind.NotFound, err, "length")
	}
	if s.removalPending(d) {
		return 0, errkind.New(errkind.NotFound, "object %s is being removed", d)
	}

	obj, err := s.local.Stat(d)
	if err == nil || s.backend == nil {
		return obj.Size, err
	}

	if n, ok, err := s.lengths.Get(d); err != nil {
		log.Warn().Err(err).Str("digest", d.String()).Msg("Length index lookup failed")
	} else if ok {
		return n, nil
	}

	start := time.Now()
	n, err := s.backend.Stat(ctx, d)
	s.metrics.RecordBackend("stat", err, time.Since(start))
	if err != nil {
		return 0, err
	}
	if err := s.lengths.Put(d, n); err != nil {
		log.Warn().Err(err).Str("digest", d.String()).Msg("Failed to index object length")
	}
	return n, nil
}

// Remove deletes an object. With a transaction on ctx the removal stays
// pending until the transaction commits, and a rollback brings the object
// back. Removing an absent object is not an error.
func (s *Store) Remove(ctx context.Context, d Digest) error {
	if d.Validate() != nil {
		return nil
	}
	xid, inTx := txn.FromContext(ctx)
	if inTx && s.txns.State(xid) != txn.Active {
		return errkind.New(errkind.Protocol, "remove: transaction %s is not active", xid)
	}

	op, err := s.beginRemove(d)
	if err != nil || op == nil {
		return err
	}
	if !inTx {
		return op.Commit(ctx)
	}
	if err := s.txns.Enlist(xid, op); err != nil {
		if rbErr := op.Rollback(ctx); rbErr != nil {
			log.Warn().Err(rbErr).Str("digest", d.String()).Msg("Failed to undo removal")
		}
		return err
	}
	return nil
}

func (s *Store) beginRemove(d Digest) (*removeOp, error) {
	mu := s.lock(d)
	mu.Lock()
	defer mu.Unlock()

	tomb, err := s.local.Trash(d)
	hadLocal := err == nil
	if err != nil && !errors.Is(err, errkind.NotFound) {
		return nil, err
	}
	if !hadLocal && s.backend == nil {
		return nil, nil
	}
	if hadLocal && s.cache != nil {
		s.cache.Forget(d)
	}
	return &removeOp{s: s, digest: d, tomb: tomb, hadLocal: hadLocal, r: s.trackRemoval(d)}, nil
}

// DirectURL returns a URL the object can be downloaded from without going
// through the store. It needs WithDirectDownload and a backend that can
// link objects.
func (s *Store) DirectURL(ctx context.Context, d Digest) (string, error) {
	if !s.opts.DirectDownload {
		return "", errkind.New(errkind.Unsupported, "direct download is disabled")
	}
	linker, ok := s.backend.(remote.DirectLinker)
	if !ok {
		return "", errkind.New(errkind.Unsupported, "backend %s cannot link objects", s.backendName())
	}
	if err := d.Validate(); err != nil {
		return "", errkind.Wrap(errkind.NotFound, err, "direct url")
	}
	if s.removalPending(d) {
		return "", errkind.New(errkind.NotFound, "object %s is being removed", d)
	}
	return linker.DirectURL(ctx, d, s.opts.DirectDownloadExpiry)
}

// GC returns the store's garbage collector.
func (s *Store) GC() *gc.Collector { return s.collector }

func (s *Store) StartGC(ctx context.Context) error { return s.collector.Start(ctx) }
func (s *Store) Mark(d Digest) error               { return s.collector.Mark(d) }
func (s *Store) GCStatus() GCStatus                { return s.collector.Status() }
func (s *Store) ResetGC()                          { s.collector.Reset() }

// StopGC ends the collection run. With delete unset the unreferenced
// objects are only counted.
func (s *Store) StopGC(ctx context.Context, delete bool) (GCStatus, error) {
	return s.collector.Stop(ctx, delete)
}

// Transactions returns the coordinator that Remove enlists with.
func (s *Store) Transactions() *txn.Coordinator { return s.txns }

// WithTransaction returns a context whose store operations join xid.
func (s *Store) WithTransaction(ctx context.Context, xid XID) context.Context {
	return txn.NewContext(ctx, xid)
}

// Close releases the store. Pending transactions are not committed.
func (s *Store) Close() error {
	if ids := s.txns.Abandoned(); len(ids) > 0 {
		log.Warn().Int("count", len(ids)).Msg("Closing with abandoned transactions")
	}
	if s.lengths != nil {
		return s.lengths.Close()
	}
	return nil
}

func (s *Store) backendName() string {
	if s.backend == nil {
		return "none"
	}
	if str, ok := s.backend.(interface{ String() string }); ok {
		return str.String()
	}
	return "custom"
}

func (s *Store) lock(d Digest) *sync.Mutex {
	hex := d.Hex()
	var b byte
	if len(hex) >= 2 {
		b = unhex(hex[0])<<4 | unhex(hex[1])
	}
	return &s.locks[b]
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}

func (s *Store) trackRemoval(d Digest) *removal {
	r := &removal{}
	s.mu.Lock()
	s.removals[d] = append(s.removals[d], r)
	s.mu.Unlock()
	return r
}

func (s *Store) untrackRemoval(d Digest, r *removal) (superseded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := slices.DeleteFunc(s.removals[d], func(x *removal) bool { return x == r })
	if len(rs) == 0 {
		delete(s.removals, d)
	} else {
		s.removals[d] = rs
	}
	return r.superseded
}

func (s *Store) supersedeRemovals(d Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.removals[d] {
		r.superseded = true
	}
}

func (s *Store) removalPending(d Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.removals[d] {
		if !r.superseded {
			return true
		}
	}
	return false
}

// removeOp is a removal waiting for its transaction. The local copy, if
// any, sits in trash until then.
type removeOp struct {
	s        *Store
	digest   Digest
	tomb     store.Tombstone
	hadLocal bool
	r        *removal
}

func (op *removeOp) Commit(ctx context.Context) error {
	s := op.s
	mu := s.lock(op.digest)
	mu.Lock()
	defer mu.Unlock()

	superseded := s.untrackRemoval(op.digest, op.r)
	var errs []error
	if op.hadLocal {
		if err := s.local.Purge(op.tomb); err != nil {
			errs = append(errs, err)
		}
	}
	if s.backend != nil && !superseded {
		start := time.Now()
		err := s.backend.Remove(ctx, op.digest)
		s.metrics.RecordBackend("remove", err, time.Since(start))
		if err != nil {
			errs = append(errs, err)
		}
		if err := s.lengths.Delete(op.digest); err != nil {
			errs = append(errs, err)
		}
		// After the backend delete, so a fetch that raced it is discarded.
		if err := s.cache.Invalidate(op.digest); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		log.Debug().Str("digest", op.digest.String()).Bool("superseded", superseded).Msg("Object removed")
	}
	return errors.Join(errs...)
}

func (op *removeOp) Rollback(context.Context) error {
	s := op.s
	mu := s.lock(op.digest)
	mu.Lock()
	defer mu.Unlock()

	s.untrackRemoval(op.digest, op.r)
	if !op.hadLocal {
		return nil
	}
	restored, err := s.local.Restore(op.tomb)
	if err != nil {
		return err
	}
	if restored && s.cache != nil {
		return s.cache.Admit(op.digest)
	}
	return nil
}

type putOp struct{}

func (putOp) Commit(context.Context) error   { return nil }
func (putOp) Rollback(context.Context) error { return nil }

// backendFetcher feeds cache misses from the backend.
type backendFetcher struct{ s *Store }

func (f backendFetcher) Fetch(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error) {
	start := time.Now()
	rc, size, err := f.s.backend.Fetch(ctx, d)
	f.s.metrics.RecordBackend("fetch", err, time.Since(start))
	return rc, size, err
}

// localTarget collects the local store directly.
type localTarget struct{ s *Store }

func (t localTarget) List(ctx context.Context, fn func(gc.Entry) error) error {
	return t.s.local.Walk(ctx, func(o store.Object) error {
		return fn(gc.Entry{Key: o.Digest.String(), Size: o.Size, ModTime: o.ModTime})
	})
}

func (t localTarget) Delete(_ context.Context, d digest.Digest) error {
	mu := t.s.lock(d)
	mu.Lock()
	defer mu.Unlock()
	return t.s.local.Delete(d)
}

// backendTarget collects the backend and keeps the cache and length index
// consistent with it.
type backendTarget struct{ s *Store }

func (t backendTarget) List(ctx context.Context, fn func(gc.Entry) error) error {
	start := time.Now()
	err := t.s.backend.List(ctx, func(e remote.Entry) error {
		return fn(gc.Entry(e))
	})
	t.s.metrics.RecordBackend("list", err, time.Since(start))
	return err
}

func (t backendTarget) Delete(ctx context.Context, d digest.Digest) error {
	s := t.s
	mu := s.lock(d)
	mu.Lock()
	defer mu.Unlock()

	if s.removalPending(d) {
		return errkind.New(errkind.GCState, "object %s has a pending removal", d)
	}
	start := time.Now()
	err := s.backend.Remove(ctx, d)
	s.metrics.RecordBackend("remove", err, time.Since(start))
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(d); err != nil {
		return err
	}
	return s.lengths.Delete(d)
}

// statusFile persists the last GC status as CBOR.
type statusFile string

func (p statusFile) SaveStatus(st gc.Status) error {
	return codec.WriteFile(string(p), st)
}

func (p statusFile) load() (gc.Status, error) {
	var st gc.Status
	_, err := codec.ReadFile(string(p), &st)
	return st, err
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
