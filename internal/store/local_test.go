package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), Options{TouchOnDuplicate: true})
	require.NoError(t, err)
	return s
}

func readAll(t *testing.T, s *LocalStore, d digest.Digest) []byte {
	t.Helper()
	f, _, err := s.Open(d)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func tmpFiles(t *testing.T, s *LocalStore) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), "tmp"))
	require.NoError(t, err)
	return entries
}

func TestLocalStore_PutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("same bytes twice")

	first, created, err := s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)
	assert.False(t, created, "second put should report already present")
	assert.Equal(t, first.Digest, second.Digest)
	assert.Empty(t, tmpFiles(t, s), "duplicate put must not leave its spool file behind")
}

func TestLocalStore_DigestMatchesContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, data := range [][]byte{{}, []byte("a"), bytes.Repeat([]byte("xyz"), 100_000)} {
		obj, _, err := s.Put(ctx, bytes.NewReader(data), Expect{})
		require.NoError(t, err)
		assert.Equal(t, digest.FromBytes(digest.SHA256, data), obj.Digest)
		assert.Equal(t, int64(len(data)), obj.Size)
		assert.Equal(t, data, readAll(t, s, obj.Digest))
	}
}

func TestLocalStore_PathIsShardedByDigest(t *testing.T) {
	s := newTestStore(t)
	d := digest.FromBytes(digest.SHA256, []byte("path"))

	want := filepath.Join(s.Root(), "objects", "sha256", d.Hex()[:2], d.Hex())
	assert.Equal(t, want, s.Path(d))
}

func TestLocalStore_BLAKE3(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), Options{Algorithm: digest.BLAKE3})
	require.NoError(t, err)

	data := []byte("blake3 content")
	obj, _, err := s.Put(context.Background(), bytes.NewReader(data), Expect{})
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(digest.BLAKE3, data), obj.Digest)
}

func TestLocalStore_ExpectMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wrong := digest.FromBytes(digest.SHA256, []byte("other"))

	_, _, err := s.Put(ctx, bytes.NewReader([]byte("actual")), Expect{Digest: wrong})
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.Integrity)
	assert.False(t, s.Has(wrong))
	assert.Empty(t, tmpFiles(t, s))

	_, _, err = s.Put(ctx, bytes.NewReader([]byte("actual")), Expect{Size: 99})
	assert.ErrorIs(t, err, errkind.Integrity)
	assert.Empty(t, tmpFiles(t, s))
}

type failingReader struct {
	n int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, errors.New("connection reset")
	}
	n := min(len(p), r.n)
	for i := range n {
		p[i] = 'x'
	}
	r.n -= n
	return n, nil
}

func TestLocalStore_FailedSpoolLeavesNothing(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Put(context.Background(), &failingReader{n: 4096}, Expect{})
	require.Error(t, err)
	assert.Empty(t, tmpFiles(t, s))

	count := 0
	require.NoError(t, s.Walk(context.Background(), func(Object) error { count++; return nil }))
	assert.Zero(t, count)
}

func TestLocalStore_CancelledSpool(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Spool(ctx, bytes.NewReader([]byte("never")), Expect{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, tmpFiles(t, s))
}

func TestLocalStore_ConcurrentPutSameContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("identical content for all goroutines")

	const goroutines = 20
	var wg sync.WaitGroup
	created := make([]bool, goroutines)
	errs := make([]error, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			_, c, err := s.Put(ctx, bytes.NewReader(data), Expect{})
			created[idx] = c
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	installs := 0
	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i], "goroutine %d failed", i)
		if created[i] {
			installs++
		}
	}
	assert.Equal(t, 1, installs, "exactly one put should install the object")
	assert.Empty(t, tmpFiles(t, s))
	assert.Equal(t, data, readAll(t, s, digest.FromBytes(digest.SHA256, data)))
}

func TestLocalStore_SpoolOpenBeforeCommit(t *testing.T) {
	s := newTestStore(t)
	data := []byte("replicate me first")

	sp, err := s.Spool(context.Background(), bytes.NewReader(data), Expect{})
	require.NoError(t, err)
	assert.False(t, s.Has(sp.Digest()), "spooled content must not be visible before commit")

	rc, err := sp.Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)

	created, err := sp.Commit()
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, s.Has(sp.Digest()))

	_, err = sp.Commit()
	assert.Error(t, err, "second commit must fail")
	assert.NoError(t, sp.Discard(), "discard after commit is a no-op")
	assert.True(t, s.Has(sp.Digest()))
}

func TestLocalStore_SpoolDiscard(t *testing.T) {
	s := newTestStore(t)
	sp, err := s.Spool(context.Background(), bytes.NewReader([]byte("discard me")), Expect{})
	require.NoError(t, err)

	require.NoError(t, sp.Discard())
	require.NoError(t, sp.Discard())
	assert.Empty(t, tmpFiles(t, s))
	assert.False(t, s.Has(sp.Digest()))
}

func TestLocalStore_TrashRestore(t *testing.T) {
	s := newTestStore(t)
	data := []byte("crash safe removal")
	obj, _, err := s.Put(context.Background(), bytes.NewReader(data), Expect{})
	require.NoError(t, err)

	tomb, err := s.Trash(obj.Digest)
	require.NoError(t, err)
	assert.False(t, s.Has(obj.Digest))
	assert.Equal(t, 1, s.TrashCount())

	restored, err := s.Restore(tomb)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.Equal(t, data, readAll(t, s, obj.Digest))
	assert.Zero(t, s.TrashCount())
}

func TestLocalStore_TrashPurge(t *testing.T) {
	s := newTestStore(t)
	obj, _, err := s.Put(context.Background(), bytes.NewReader([]byte("gone")), Expect{})
	require.NoError(t, err)

	tomb, err := s.Trash(obj.Digest)
	require.NoError(t, err)
	require.NoError(t, s.Purge(tomb))
	require.NoError(t, s.Purge(tomb), "purge is idempotent")

	assert.False(t, s.Has(obj.Digest))
	assert.Zero(t, s.TrashCount())
}

func TestLocalStore_RestoreAfterRecreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("recreated while trashed")
	obj, _, err := s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)

	tomb, err := s.Trash(obj.Digest)
	require.NoError(t, err)

	_, created, err := s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)
	assert.True(t, created)

	restored, err := s.Restore(tomb)
	require.NoError(t, err)
	assert.False(t, restored, "slot was re-filled, trash file should be dropped")
	assert.Zero(t, s.TrashCount())
	assert.Equal(t, data, readAll(t, s, obj.Digest))
}

func TestLocalStore_TrashMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Trash(digest.FromBytes(digest.SHA256, []byte("absent")))
	assert.ErrorIs(t, err, errkind.NotFound)
}

func TestLocalStore_OpenMissing(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Open(digest.FromBytes(digest.SHA256, []byte("absent")))
	assert.ErrorIs(t, err, errkind.NotFound)

	_, _, err = s.Open("not-a-digest")
	assert.ErrorIs(t, err, errkind.NotFound)
}

func TestLocalStore_DeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	obj, _, err := s.Put(context.Background(), bytes.NewReader([]byte("delete")), Expect{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(obj.Digest))
	require.NoError(t, s.Delete(obj.Digest))
	assert.False(t, s.Has(obj.Digest))
}

func TestLocalStore_TouchOnDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("touch me")
	obj, _, err := s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(s.Path(obj.Digest), old, old))

	_, _, err = s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)

	info, err := s.Stat(obj.Digest)
	require.NoError(t, err)
	assert.True(t, info.ModTime.After(old.Add(time.Hour)), "duplicate put should refresh modification time")
}

func TestLocalStore_NoTouchWhenDisabled(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), Options{})
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte("leave my mtime alone")
	obj, _, err := s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(s.Path(obj.Digest), old, old))

	_, _, err = s.Put(ctx, bytes.NewReader(data), Expect{})
	require.NoError(t, err)

	info, err := s.Stat(obj.Digest)
	require.NoError(t, err)
	assert.True(t, info.ModTime.Equal(old))
}

func TestLocalStore_Walk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := map[digest.Digest]bool{}
	for _, v := range []string{"one", "two", "three"} {
		obj, _, err := s.Put(ctx, bytes.NewReader([]byte(v)), Expect{})
		require.NoError(t, err)
		want[obj.Digest] = true
	}
	// stray file in a shard directory is ignored
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "objects", "sha256", "README"), []byte("x"), 0o644))

	got := map[digest.Digest]bool{}
	require.NoError(t, s.Walk(ctx, func(o Object) error {
		got[o.Digest] = true
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestLocalStore_RemovesStaleSpools(t *testing.T) {
	root := t.TempDir()
	_, err := NewLocalStore(root, Options{})
	require.NoError(t, err)

	stale := filepath.Join(root, "tmp", "spool-stale")
	fresh := filepath.Join(root, "tmp", "spool-fresh")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o600))
	old := time.Now().Add(-2 * staleSpoolAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	_, err = NewLocalStore(root, Options{})
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestNewLocalStore_Config(t *testing.T) {
	_, err := NewLocalStore("", Options{})
	assert.ErrorIs(t, err, errkind.Configuration)

	_, err = NewLocalStore(t.TempDir(), Options{Algorithm: "md5"})
	assert.ErrorIs(t, err, errkind.Configuration)
}
