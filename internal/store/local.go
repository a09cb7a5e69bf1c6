package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
)

// staleSpoolAge is how old a file in tmp/ must be before NewLocalStore
// treats it as the leftover of a crashed put.
const staleSpoolAge = time.Hour

// Options configures a LocalStore.
type Options struct {
	// Algorithm is used for puts without an expected digest.
	// Defaults to digest.Canonical.
	Algorithm digest.Algorithm

	// TouchOnDuplicate updates the modification time of an existing
	// object when a put finds it already installed. A garbage collector
	// that spares objects modified after its run started will then spare
	// objects re-written during the run.
	TouchOnDuplicate bool
}

// LocalStore is a content-addressed store on the local filesystem.
// It is safe for concurrent use.
type LocalStore struct {
	root       string
	objectsDir string
	tmpDir     string
	trashDir   string

	alg   digest.Algorithm
	touch bool

	// slots serializes install, trash and restore per digest.
	slots [256]sync.Mutex
}

// NewLocalStore opens (creating if needed) a store rooted at root.
func NewLocalStore(root string, opts Options) (*LocalStore, error) {
	if root == "" {
		return nil, errkind.New(errkind.Configuration, "store root is required")
	}
	alg := opts.Algorithm
	if alg == "" {
		alg = digest.Canonical
	}
	if !alg.Available() {
		return nil, errkind.New(errkind.Configuration, "unsupported digest algorithm %q", alg)
	}

	s := &LocalStore{
		root:       root,
		objectsDir: filepath.Join(root, "objects"),
		tmpDir:     filepath.Join(root, "tmp"),
		trashDir:   filepath.Join(root, "trash"),
		alg:        alg,
		touch:      opts.TouchOnDuplicate,
	}

	for _, dir := range []string{s.objectsDir, s.tmpDir, s.trashDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errkind.Wrap(errkind.StorageIO, err, "create directory %s", dir)
		}
	}

	s.removeStaleSpools()
	s.reportTrash()
	return s, nil
}

// Root returns the store root directory.
func (s *LocalStore) Root() string { return s.root }

// Algorithm returns the algorithm used for unconstrained puts.
func (s *LocalStore) Algorithm() digest.Algorithm { return s.alg }

// Path returns the filesystem path of an object. The path is a pure
// function of the digest.
func (s *LocalStore) Path(d digest.Digest) string {
	hex := d.Hex()
	if len(hex) < 2 {
		return filepath.Join(s.objectsDir, string(d.Algorithm()), hex)
	}
	return filepath.Join(s.objectsDir, string(d.Algorithm()), hex[:2], hex)
}

func (s *LocalStore) slot(d digest.Digest) *sync.Mutex {
	hex := d.Hex()
	var b byte
	if len(hex) >= 2 {
		b = unhex(hex[0])<<4 | unhex(hex[1])
	}
	return &s.slots[b]
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

// Spool streams r into a private temp file while hashing it. Nothing is
// visible under the digest path until Commit.
func (s *LocalStore) Spool(ctx context.Context, r io.Reader, want Expect) (sp *Spool, err error) {
	alg := s.alg
	if want.Digest != "" {
		if err := want.Digest.Validate(); err != nil {
			return nil, errkind.Wrap(errkind.Configuration, err, "expected digest")
		}
		alg = want.Digest.Algorithm()
	}

	f, err := os.CreateTemp(s.tmpDir, "spool-*")
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageIO, err, "create spool file")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	fw := &trackingWriter{w: f}
	c := digest.NewComputer(alg)
	n, err := io.Copy(io.MultiWriter(fw, c), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		if fw.err != nil {
			return nil, errkind.Wrap(errkind.StorageIO, err, "write spool file")
		}
		return nil, fmt.Errorf("read object content: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		return nil, errkind.Wrap(errkind.StorageIO, err, "chmod spool file")
	}
	if err := f.Sync(); err != nil {
		return nil, errkind.Wrap(errkind.StorageIO, err, "sync spool file")
	}
	if err := f.Close(); err != nil {
		return nil, errkind.Wrap(errkind.StorageIO, err, "close spool file")
	}

	got := c.Digest()
	if want.Digest != "" && got != want.Digest {
		return nil, errkind.New(errkind.Integrity, "content digest %s does not match expected %s", got, want.Digest)
	}
	if want.Size > 0 && n != want.Size {
		return nil, errkind.New(errkind.Integrity, "content length %d does not match expected %d", n, want.Size)
	}

	return &Spool{store: s, path: f.Name(), digest: got, size: n}, nil
}

// Put spools r and installs it. created is false when the object was
// already present, which is not an error.
func (s *LocalStore) Put(ctx context.Context, r io.Reader, want Expect) (Object, bool, error) {
	sp, err := s.Spool(ctx, r, want)
	if err != nil {
		return Object{}, false, err
	}
	created, err := sp.Commit()
	if err != nil {
		return Object{}, false, err
	}
	obj, err := s.Stat(sp.Digest())
	if err != nil {
		return Object{}, false, err
	}
	return obj, created, nil
}

func (s *LocalStore) install(tmp string, d digest.Digest) (bool, error) {
	final := s.Path(d)

	mu := s.slot(d)
	mu.Lock()
	defer mu.Unlock()

	_, err := os.Stat(final)
	switch {
	case err == nil:
		_ = os.Remove(tmp)
		if s.touch {
			now := time.Now()
			if err := os.Chtimes(final, now, now); err != nil {
				log.Debug().Err(err).Str("digest", d.String()).Msg("Failed to touch duplicate object")
			}
		}
		return false, nil
	case !os.IsNotExist(err):
		_ = os.Remove(tmp)
		return false, errkind.Wrap(errkind.StorageIO, err, "stat %s", d)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.Remove(tmp)
		return false, errkind.Wrap(errkind.StorageIO, err, "create shard directory")
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return false, errkind.Wrap(errkind.StorageIO, err, "install %s", d)
	}
	return true, nil
}

// Open opens an installed object for reading.
func (s *LocalStore) Open(d digest.Digest) (*os.File, Object, error) {
	if err := d.Validate(); err != nil {
		return nil, Object{}, errkind.Wrap(errkind.NotFound, err, "open")
	}
	f, err := os.Open(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Object{}, errkind.New(errkind.NotFound, "object %s", d)
		}
		return nil, Object{}, errkind.Wrap(errkind.StorageIO, err, "open %s", d)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Object{}, errkind.Wrap(errkind.StorageIO, err, "stat %s", d)
	}
	return f, Object{Digest: d, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Stat returns object metadata.
func (s *LocalStore) Stat(d digest.Digest) (Object, error) {
	if err := d.Validate(); err != nil {
		return Object{}, errkind.Wrap(errkind.NotFound, err, "stat")
	}
	info, err := os.Stat(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, errkind.New(errkind.NotFound, "object %s", d)
		}
		return Object{}, errkind.Wrap(errkind.StorageIO, err, "stat %s", d)
	}
	return Object{Digest: d, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Has reports whether the object is installed.
func (s *LocalStore) Has(d digest.Digest) bool {
	_, err := s.Stat(d)
	return err == nil
}

// Delete removes an object immediately. Removing a missing object is not
// an error.
func (s *LocalStore) Delete(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return nil
	}
	mu := s.slot(d)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(s.Path(d)); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.StorageIO, err, "delete %s", d)
	}
	return nil
}

// Trash renames an object to a uniquely named file in trash/. The rename
// is the commit point of the removal: once it returns, the object is no
// longer visible, and Restore can still bring it back.
func (s *LocalStore) Trash(d digest.Digest) (Tombstone, error) {
	if err := d.Validate(); err != nil {
		return Tombstone{}, errkind.Wrap(errkind.NotFound, err, "trash")
	}
	mu := s.slot(d)
	mu.Lock()
	defer mu.Unlock()

	dest := filepath.Join(s.trashDir, string(d.Algorithm())+"-"+d.Hex()+"."+uuid.NewString())
	if err := os.Rename(s.Path(d), dest); err != nil {
		if os.IsNotExist(err) {
			return Tombstone{}, errkind.New(errkind.NotFound, "object %s", d)
		}
		return Tombstone{}, errkind.Wrap(errkind.StorageIO, err, "trash %s", d)
	}
	return Tombstone{Digest: d, Path: dest}, nil
}

// Restore undoes Trash. If another writer re-installed the object in the
// meantime the trash file is deleted instead and restored is false.
func (s *LocalStore) Restore(t Tombstone) (restored bool, err error) {
	mu := s.slot(t.Digest)
	mu.Lock()
	defer mu.Unlock()

	final := s.Path(t.Digest)
	if _, err := os.Stat(final); err == nil {
		if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
			return false, errkind.Wrap(errkind.StorageIO, err, "discard trash for %s", t.Digest)
		}
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return false, errkind.Wrap(errkind.StorageIO, err, "create shard directory")
	}
	if err := os.Rename(t.Path, final); err != nil {
		return false, errkind.Wrap(errkind.StorageIO, err, "restore %s", t.Digest)
	}
	return true, nil
}

// Purge deletes the trash file of a committed removal.
func (s *LocalStore) Purge(t Tombstone) error {
	if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.StorageIO, err, "purge trash for %s", t.Digest)
	}
	return nil
}

// Walk calls fn for every installed object. Files whose names are not
// digests of a known algorithm are skipped.
func (s *LocalStore) Walk(ctx context.Context, fn func(Object) error) error {
	algs, err := os.ReadDir(s.objectsDir)
	if err != nil {
		return errkind.Wrap(errkind.StorageIO, err, "read objects directory")
	}
	for _, algDir := range algs {
		if !algDir.IsDir() || !digest.Algorithm(algDir.Name()).Available() {
			continue
		}
		shards, err := os.ReadDir(filepath.Join(s.objectsDir, algDir.Name()))
		if err != nil {
			return errkind.Wrap(errkind.StorageIO, err, "read algorithm directory")
		}
		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}
			entries, err := os.ReadDir(filepath.Join(s.objectsDir, algDir.Name(), shard.Name()))
			if err != nil {
				return errkind.Wrap(errkind.StorageIO, err, "read shard %s", shard.Name())
			}
			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				d := digest.Digest(algDir.Name() + ":" + e.Name())
				if e.IsDir() || d.Validate() != nil {
					continue
				}
				info, err := e.Info()
				if err != nil {
					if errors.Is(err, os.ErrNotExist) {
						continue
					}
					return errkind.Wrap(errkind.StorageIO, err, "stat %s", d)
				}
				if err := fn(Object{Digest: d, Size: info.Size(), ModTime: info.ModTime()}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// TrashCount returns the number of pending trash files.
func (s *LocalStore) TrashCount() int {
	entries, err := os.ReadDir(s.trashDir)
	if err != nil {
		return 0
	}
	return len(entries)
}

func (s *LocalStore) removeStaleSpools() {
	entries, err := os.ReadDir(s.tmpDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleSpoolAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpDir, e.Name())); err == nil {
			log.Debug().Str("file", e.Name()).Msg("Removed stale spool file")
		}
	}
}

func (s *LocalStore) reportTrash() {
	if n := s.TrashCount(); n > 0 {
		log.Warn().Int("count", n).Str("dir", s.trashDir).
			Msg("Found trash files from unfinished removals; in-doubt recovery is not supported, leaving them in place")
	}
}

// Spool is a fully written, hashed temp file waiting to be installed.
// Exactly one of Commit or Discard takes effect.
type Spool struct {
	store  *LocalStore
	path   string
	digest digest.Digest
	size   int64

	mu   sync.Mutex
	done bool
}

// Digest is the digest of the spooled content.
func (sp *Spool) Digest() digest.Digest { return sp.digest }

// Size is the number of spooled bytes.
func (sp *Spool) Size() int64 { return sp.size }

// Open re-reads the spooled content, e.g. to replicate it before Commit.
func (sp *Spool) Open() (io.ReadCloser, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.done {
		return nil, fmt.Errorf("spool for %s already resolved", sp.digest)
	}
	f, err := os.Open(sp.path)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageIO, err, "open spool file")
	}
	return f, nil
}

// Commit installs the spooled file under its digest path. created is
// false when the object was already present; the temp file is discarded
// in that case.
func (sp *Spool) Commit() (created bool, err error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.done {
		return false, fmt.Errorf("spool for %s already resolved", sp.digest)
	}
	sp.done = true
	return sp.store.install(sp.path, sp.digest)
}

// Discard deletes the temp file. It is a no-op after Commit.
func (sp *Spool) Discard() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.done {
		return nil
	}
	sp.done = true
	if err := os.Remove(sp.path); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.StorageIO, err, "discard spool file")
	}
	return nil
}

type trackingWriter struct {
	w   io.Writer
	err error
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
