package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aweris/cabs/internal/compression"
	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
)

// FileOptions configures a FileBackend.
type FileOptions struct {
	// CompressionLevel is 1 (fastest) to 4 (best); anything else means default.
	CompressionLevel   int
	DisableCompression bool
	// TouchOnDuplicate refreshes the modification time when an object that
	// already exists is stored again.
	TouchOnDuplicate bool
}

// FileBackend stores objects under dir as <alg>/<hex[:2]>/<hex>[.zst].
type FileBackend struct {
	dir   string
	comp  *compression.Compressor
	touch bool
}

var _ Backend = (*FileBackend)(nil)

func NewFileBackend(dir string, opts FileOptions) (*FileBackend, error) {
	if dir == "" {
		return nil, errkind.New(errkind.Configuration, "file backend: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.BackendUnavailable, err, "file backend: create %s", dir)
	}
	return &FileBackend{
		dir:   dir,
		comp:  compression.NewCompressor(opts.CompressionLevel, !opts.DisableCompression),
		touch: opts.TouchOnDuplicate,
	}, nil
}

func (b *FileBackend) String() string { return "file://" + b.dir }

func (b *FileBackend) path(d digest.Digest) string {
	h := d.Hex()
	return filepath.Join(b.dir, string(d.Algorithm()), h[:2], h+b.comp.Extension())
}

// Store writes r to a temporary file, checks the stored copy decodes back
// to d, then renames it into place.
func (b *FileBackend) Store(ctx context.Context, d digest.Digest, r io.Reader, size int64) (err error) {
	if err := d.Validate(); err != nil {
		return errkind.Wrap(errkind.Configuration, err, "file backend: store")
	}
	p := b.path(d)
	if _, err := os.Stat(p); err == nil {
		if b.touch {
			now := time.Now()
			if err := os.Chtimes(p, now, now); err != nil {
				log.Warn().Err(err).Str("digest", d.String()).Msg("Failed to touch existing object")
			}
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: create shard")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: create temp file")
	}
	tmpPath := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				log.Warn().Err(rmErr).Str("path", tmpPath).Msg("Failed to clean up partial upload")
			}
		}
	}()

	zw, err := b.comp.Writer(tmp)
	if err != nil {
		return errkind.Wrap(errkind.StorageIO, err, "file backend: init compressor")
	}
	v := digest.NewVerifier(d)
	n, err := io.Copy(io.MultiWriter(zw, v), &ctxReader{ctx: ctx, r: r})
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: write %s", d)
	}
	if err := zw.Close(); err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: flush %s", d)
	}
	if !v.Verified() {
		return errkind.New(errkind.Integrity, "file backend: content does not hash to %s", d)
	}
	if size >= 0 && n != size {
		return errkind.New(errkind.Integrity, "file backend: %s is %d bytes, expected %d", d, n, size)
	}
	if err := tmp.Sync(); err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: sync %s", d)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: close %s", d)
	}
	if err := b.verify(tmpPath, d, n); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, p); err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: publish %s", d)
	}
	published = true
	return nil
}

// verify re-reads a written file and checks it decodes to d.
func (b *FileBackend) verify(path string, d digest.Digest, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: reopen %s", d)
	}
	defer f.Close()

	zr, err := b.comp.Reader(f)
	if err != nil {
		return errkind.Wrap(errkind.Integrity, err, "file backend: decode %s", d)
	}
	defer zr.Close()

	v := digest.NewVerifier(d)
	if _, err := io.Copy(v, zr); err != nil {
		return errkind.Wrap(errkind.Integrity, err, "file backend: decode %s", d)
	}
	if !v.Verified() || v.Size() != size {
		return errkind.New(errkind.Integrity, "file backend: stored copy of %s does not verify", d)
	}
	return nil
}

func (b *FileBackend) Fetch(_ context.Context, d digest.Digest) (io.ReadCloser, int64, error) {
	if err := d.Validate(); err != nil {
		return nil, 0, errkind.Wrap(errkind.NotFound, err, "file backend: fetch")
	}
	f, err := os.Open(b.path(d))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, errkind.New(errkind.NotFound, "file backend: %s", d)
	}
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.BackendUnavailable, err, "file backend: open %s", d)
	}

	size := int64(-1)
	if !b.comp.Enabled() {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, errkind.Wrap(errkind.BackendUnavailable, err, "file backend: stat %s", d)
		}
		size = info.Size()
	}

	zr, err := b.comp.Reader(f)
	if err != nil {
		f.Close()
		return nil, 0, errkind.Wrap(errkind.Integrity, err, "file backend: decode %s", d)
	}
	return &stackedReadCloser{Reader: zr, closers: []io.Closer{zr, f}}, size, nil
}

func (b *FileBackend) Remove(_ context.Context, d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return errkind.Wrap(errkind.Configuration, err, "file backend: remove")
	}
	if err := os.Remove(b.path(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: remove %s", d)
	}
	return nil
}

// Stat decodes the whole object when compression is on, since the
// uncompressed length is not recorded anywhere else.
func (b *FileBackend) Stat(ctx context.Context, d digest.Digest) (int64, error) {
	rc, size, err := b.Fetch(ctx, d)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	if size >= 0 {
		return size, nil
	}
	n, err := io.Copy(io.Discard, &ctxReader{ctx: ctx, r: rc})
	if err != nil {
		return 0, errkind.Wrap(errkind.Integrity, err, "file backend: decode %s", d)
	}
	return n, nil
}

// List reports every regular file below dir. Keys for files outside the
// <alg>/<shard>/ layout are their relative paths.
func (b *FileBackend) List(ctx context.Context, fn func(Entry) error) error {
	err := filepath.WalkDir(b.dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.dir, path)
		if err != nil {
			return err
		}
		return fn(Entry{Key: b.keyFor(rel), Size: info.Size(), ModTime: info.ModTime()})
	})
	if err != nil && ctx.Err() == nil {
		var walkErr *fs.PathError
		if errors.As(err, &walkErr) {
			return errkind.Wrap(errkind.BackendUnavailable, err, "file backend: list")
		}
	}
	return err
}

func (b *FileBackend) keyFor(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return filepath.ToSlash(rel)
	}
	name := strings.TrimSuffix(parts[2], b.comp.Extension())
	return fmt.Sprintf("%s:%s", parts[0], name)
}

type stackedReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReadCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
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
