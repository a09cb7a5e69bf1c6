package cabs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/remote"
	"github.com/aweris/cabs/internal/store"
)

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(append([]Option{WithCacheDir(t.TempDir())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s *Store, content string) Digest {
	t.Helper()
	d, err := s.Put(context.Background(), strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	return d
}

func get(t *testing.T, s *Store, d Digest) string {
	t.Helper()
	rc, size, err := s.Get(context.Background(), d)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, size, int64(len(data)))
	return string(data)
}

func localCount(t *testing.T, s *Store) int {
	t.Helper()
	n := 0
	require.NoError(t, s.local.Walk(context.Background(), func(store.Object) error {
		n++
		return nil
	}))
	return n
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestStore_PutGet(t *testing.T) {
	s := openStore(t)

	d := put(t, s, "hello")
	assert.Equal(t, digest.FromBytes(digest.SHA256, []byte("hello")), d)
	assert.Equal(t, "hello", get(t, s, d))

	n, err := s.Length(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestStore_PutIsIdempotent(t *testing.T) {
	s := openStore(t)

	d1 := put(t, s, "same bytes")
	d2 := put(t, s, "same bytes")
	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, localCount(t, s))
	assert.Equal(t, float64(1), counterValue(t, s.metrics.ObjectsWritten))
}

func TestStore_PutUnknownSize(t *testing.T) {
	s := openStore(t)

	d, err := s.Put(context.Background(), strings.NewReader("streamed"), -1)
	require.NoError(t, err)
	assert.Equal(t, "streamed", get(t, s, d))
}

func TestStore_PutSizeMismatch(t *testing.T) {
	s := openStore(t)

	_, err := s.Put(context.Background(), strings.NewReader("four"), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.True(t, errdefs.IsDataLoss(err))
	assert.Equal(t, KindIntegrity, KindOf(err))
	assert.Zero(t, localCount(t, s))
}

func TestStore_ConcurrentPutSameContent(t *testing.T) {
	s := openStore(t)
	data := bytes.Repeat([]byte("concurrent"), 4096)

	var wg sync.WaitGroup
	digests := make([]Digest, 8)
	for i := range digests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := s.Put(context.Background(), bytes.NewReader(data), int64(len(data)))
			assert.NoError(t, err)
			digests[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range digests {
		assert.Equal(t, digests[0], d)
	}
	assert.Equal(t, 1, localCount(t, s))
}

func TestStore_BLAKE3(t *testing.T) {
	s := openStore(t, WithDigestAlgorithm(BLAKE3))

	d := put(t, s, "hashed with blake3")
	assert.Equal(t, BLAKE3, d.Algorithm())
	assert.Equal(t, "hashed with blake3", get(t, s, d))
}

func TestStore_GetMissing(t *testing.T) {
	s := openStore(t)

	_, _, err := s.Get(context.Background(), digest.FromBytes(digest.SHA256, []byte("absent")))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))

	_, _, err = s.Get(context.Background(), Digest("not-a-digest"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Length(context.Background(), Digest("sha256:short"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Remove(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	d := put(t, s, "doomed")

	require.NoError(t, s.Remove(ctx, d))
	_, _, err := s.Get(ctx, d)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.local.TrashCount())

	require.NoError(t, s.Remove(ctx, d), "removing an absent object is a no-op")
	require.NoError(t, s.Remove(ctx, Digest("garbage")))
}

func TestStore_RemoveRollbackRestores(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	d := put(t, s, "survivor")

	tx := s.Transactions()
	require.NoError(t, tx.Start("x1"))
	require.NoError(t, s.Remove(s.WithTransaction(ctx, "x1"), d))

	_, _, err := s.Get(ctx, d)
	assert.ErrorIs(t, err, ErrNotFound, "removal is visible before commit")

	require.NoError(t, tx.End("x1"))
	require.NoError(t, tx.Rollback(ctx, "x1"))

	assert.Equal(t, "survivor", get(t, s, d))
	assert.Zero(t, s.local.TrashCount())
	assert.Equal(t, float64(1), counterValue(t, s.metrics.Transactions.WithLabelValues("rolled-back")))
}

func TestStore_RemoveCommitPurges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	d := put(t, s, "gone")

	tx := s.Transactions()
	require.NoError(t, tx.Start("x1"))
	require.NoError(t, s.Remove(s.WithTransaction(ctx, "x1"), d))
	assert.Equal(t, 1, s.local.TrashCount())

	require.NoError(t, tx.End("x1"))
	require.NoError(t, tx.Prepare("x1"))
	require.NoError(t, tx.Commit(ctx, "x1", false))

	_, _, err := s.Get(ctx, d)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.local.TrashCount())
	assert.Equal(t, float64(1), counterValue(t, s.metrics.Transactions.WithLabelValues("committed")))
}

func TestStore_RemoveRequiresActiveTransaction(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	d := put(t, s, "guarded")

	err := s.Remove(s.WithTransaction(ctx, "unknown"), d)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, "guarded", get(t, s, d))

	tx := s.Transactions()
	require.NoError(t, tx.Start("x1"))
	require.NoError(t, tx.End("x1"))
	_, err = s.Put(s.WithTransaction(ctx, "x1"), strings.NewReader("late"), 4)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStore_PutSupersedesPendingRemoval(t *testing.T) {
	for name, withBackend := range map[string]bool{"local": false, "remote": true} {
		t.Run(name, func(t *testing.T) {
			var opts []Option
			if withBackend {
				opts = append(opts, WithFileBackend(t.TempDir()))
			}
			s := openStore(t, opts...)
			ctx := context.Background()
			d := put(t, s, "contested")

			tx := s.Transactions()
			require.NoError(t, tx.Start("x1"))
			require.NoError(t, s.Remove(s.WithTransaction(ctx, "x1"), d))

			assert.Equal(t, d, put(t, s, "contested"))
			assert.Equal(t, "contested", get(t, s, d), "the new put is visible")

			require.NoError(t, tx.End("x1"))
			require.NoError(t, tx.Commit(ctx, "x1", true))

			assert.Equal(t, "contested", get(t, s, d), "committing the old removal keeps the new object")
			if s.backend != nil {
				n, err := s.backend.Stat(ctx, d)
				require.NoError(t, err)
				assert.Equal(t, int64(len("contested")), n)
			}
		})
	}
}

func TestStore_RemoteCacheEviction(t *testing.T) {
	backendDir := t.TempDir()
	s := openStore(t, WithFileBackend(backendDir), WithCacheLimits(0, 2, 0))
	ctx := context.Background()

	var ds []Digest
	for i := 0; i < 5; i++ {
		ds = append(ds, put(t, s, fmt.Sprintf("object %d", i)))
	}
	assert.LessOrEqual(t, localCount(t, s), 2)

	for i, d := range ds {
		assert.Equal(t, fmt.Sprintf("object %d", i), get(t, s, d), "evicted objects are fetched back")
		n, err := s.Length(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, int64(len(fmt.Sprintf("object %d", i))), n)
	}
	assert.LessOrEqual(t, localCount(t, s), 2)
}

func TestStore_RemoteSharedBackend(t *testing.T) {
	backendDir := t.TempDir()
	writer := openStore(t, WithFileBackend(backendDir))
	reader := openStore(t, WithFileBackend(backendDir))
	ctx := context.Background()

	d := put(t, writer, "shared")

	n, err := reader.Length(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, "shared", get(t, reader, d))
	assert.True(t, reader.cache.Contains(d))

	require.NoError(t, writer.Remove(ctx, d))
	_, err = writer.backend.Stat(ctx, d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoteRemoveRollback(t *testing.T) {
	s := openStore(t, WithFileBackend(t.TempDir()))
	ctx := context.Background()
	d := put(t, s, "remote survivor")

	tx := s.Transactions()
	require.NoError(t, tx.Start("x1"))
	require.NoError(t, s.Remove(s.WithTransaction(ctx, "x1"), d))
	assert.False(t, s.cache.Contains(d))

	require.NoError(t, tx.End("x1"))
	require.NoError(t, tx.Rollback(ctx, "x1"))

	assert.True(t, s.cache.Contains(d))
	assert.Equal(t, "remote survivor", get(t, s, d))
}

// gatedBackend holds every fetch after the backend has opened the object.
type gatedBackend struct {
	Backend
	once    sync.Once
	fetched chan struct{}
	gate    chan struct{}
}

func (g *gatedBackend) Fetch(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error) {
	rc, size, err := g.Backend.Fetch(ctx, d)
	g.once.Do(func() { close(g.fetched) })
	<-g.gate
	return rc, size, err
}

func TestStore_RemoveDuringRemoteFetch(t *testing.T) {
	ctx := context.Background()
	backendDir := t.TempDir()
	writer := openStore(t, WithFileBackend(backendDir))
	d := put(t, writer, "fetched while removed")

	fb, err := remote.NewFileBackend(backendDir, remote.FileOptions{})
	require.NoError(t, err)
	gated := &gatedBackend{Backend: fb, fetched: make(chan struct{}), gate: make(chan struct{})}
	reader := openStore(t, WithBackend(gated))

	done := make(chan error, 1)
	go func() {
		rc, _, err := reader.Get(ctx, d)
		if err == nil {
			rc.Close()
		}
		done <- err
	}()
	<-gated.fetched

	require.NoError(t, reader.Remove(ctx, d))
	close(gated.gate)

	assert.ErrorIs(t, <-done, ErrNotFound)
	assert.False(t, reader.cache.Contains(d))
	assert.False(t, reader.local.Has(d))
	_, _, err = reader.Get(ctx, d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RemoveCommitInvalidatesCachedCopy(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, WithFileBackend(t.TempDir()))
	d := put(t, s, "cached behind a removal")

	tx := s.Transactions()
	require.NoError(t, tx.Start("x1"))
	require.NoError(t, s.Remove(s.WithTransaction(ctx, "x1"), d))

	// A fill that raced the removal lands a copy in the cache.
	sp, err := s.local.Spool(ctx, strings.NewReader("cached behind a removal"), store.Expect{Digest: d})
	require.NoError(t, err)
	_, err = s.cache.Install(sp)
	require.NoError(t, err)
	require.True(t, s.cache.Contains(d))

	require.NoError(t, tx.End("x1"))
	require.NoError(t, tx.Commit(ctx, "x1", true))

	assert.False(t, s.cache.Contains(d))
	assert.False(t, s.local.Has(d))
	_, _, err = s.Get(ctx, d)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GC(t *testing.T) {
	for _, strategy := range []GCStrategy{Additive, Subtractive} {
		t.Run(strategy.String(), func(t *testing.T) {
			s := openStore(t, WithGCStrategy(strategy))
			ctx := context.Background()
			a := put(t, s, "a")
			b := put(t, s, "b")
			c := put(t, s, "c")

			require.NoError(t, s.StartGC(ctx))
			require.NoError(t, s.Mark(a))
			st, err := s.StopGC(ctx, true)
			require.NoError(t, err)

			assert.Equal(t, 2, st.Removed)
			assert.Equal(t, "a", get(t, s, a))
			for _, d := range []Digest{b, c} {
				_, _, err := s.Get(ctx, d)
				assert.ErrorIs(t, err, ErrNotFound)
			}
		})
	}
}

func TestStore_GCStateErrors(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	err := s.Mark(digest.FromBytes(digest.SHA256, []byte("x")))
	assert.ErrorIs(t, err, ErrGCState)
	_, err = s.StopGC(ctx, true)
	assert.Equal(t, KindGCState, KindOf(err))

	require.NoError(t, s.StartGC(ctx))
	assert.ErrorIs(t, s.StartGC(ctx), ErrGCState)

	s.ResetGC()
	assert.False(t, s.GCStatus().Running)
	require.NoError(t, s.StartGC(ctx))
}

func TestStore_RemoteGCInvalidatesCache(t *testing.T) {
	backendDir := t.TempDir()
	s := openStore(t, WithFileBackend(backendDir), WithGCStrategy(Subtractive))
	ctx := context.Background()
	keep := put(t, s, "keep")
	drop := put(t, s, "drop")

	require.NoError(t, s.StartGC(ctx))
	require.NoError(t, s.Mark(keep))
	st, err := s.StopGC(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Removed)

	assert.False(t, s.cache.Contains(drop))
	_, _, err = s.Get(ctx, drop)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh := openStore(t, WithFileBackend(backendDir))
	assert.Equal(t, "keep", get(t, fresh, keep))
	_, err = fresh.Length(ctx, drop)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GCStatusSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(WithCacheDir(dir))
	require.NoError(t, err)
	put(t, s, "unreferenced")
	require.NoError(t, s.StartGC(ctx))
	_, err = s.StopGC(ctx, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(WithCacheDir(dir))
	require.NoError(t, err)
	defer s.Close()

	st := s.GCStatus()
	assert.False(t, st.Running)
	assert.Equal(t, "additive", st.Strategy)
	assert.Equal(t, 1, st.Unreferenced)
	assert.Zero(t, st.Removed, "a dry run removes nothing")
	assert.Equal(t, 1, localCount(t, s))
}

func TestStore_DirectURLUnsupported(t *testing.T) {
	ctx := context.Background()
	d := digest.FromBytes(digest.SHA256, []byte("x"))

	_, err := openStore(t).DirectURL(ctx, d)
	assert.ErrorIs(t, err, ErrUnsupported)

	s := openStore(t, WithFileBackend(t.TempDir()), WithDirectDownload(true, 0))
	_, err = s.DirectURL(ctx, d)
	assert.ErrorIs(t, err, ErrUnsupported, "file backends cannot link objects")
	assert.Equal(t, KindUnsupported, KindOf(err))
}

func TestOpen_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"empty cache dir", []Option{WithCacheDir("")}},
		{"two backends", []Option{WithFileBackend("/tmp/a"), WithRegistryBackend("localhost:5000/a")}},
		{"registry with blake3", []Option{WithDigestAlgorithm(BLAKE3), WithRegistryBackend("localhost:5000/a")}},
		{"unknown algorithm", []Option{WithDigestAlgorithm("md5")}},
		{"negative cache limit", []Option{WithCacheLimits(-1, 0, 0)}},
		{"no gc strategy", []Option{WithGCStrategy(0)}},
		{"file backend without dir", []Option{WithFileBackend("")}},
		{"registry backend without ref", []Option{WithRegistryBackend("")}},
		{"empty file backend next to registry", []Option{WithFileBackend(""), WithRegistryBackend("localhost:5000/a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithCacheDir(t.TempDir())}, tt.opts...)
			_, err := Open(opts...)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}

func TestParseDigest(t *testing.T) {
	d := digest.FromBytes(digest.SHA256, []byte("x"))
	got, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = ParseDigest("sha256:xyz")
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(io.EOF))
	assert.Equal(t, KindBackendUnavailable, KindOf(fmt.Errorf("wrapped: %w", ErrBackendUnavailable)))
	assert.Equal(t, "storage-io", KindStorageIO.String())
}

func TestStore_ConcurrentRemoveAndPutInTransactions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tx := s.Transactions()

	for i := 0; i < 20; i++ {
		content := fmt.Sprintf("contended %d", i)
		d := put(t, s, content)
		rmID, putID := XID(fmt.Sprintf("rm-%d", i)), XID(fmt.Sprintf("put-%d", i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, tx.Start(rmID))
			assert.NoError(t, s.Remove(s.WithTransaction(ctx, rmID), d))
			assert.NoError(t, tx.End(rmID))
			assert.NoError(t, tx.Commit(ctx, rmID, true))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, tx.Start(putID))
			_, err := s.Put(s.WithTransaction(ctx, putID), strings.NewReader(content), int64(len(content)))
			assert.NoError(t, err)
			assert.NoError(t, tx.End(putID))
			assert.NoError(t, tx.Commit(ctx, putID, true))
		}()
		wg.Wait()

		rc, _, err := s.Get(ctx, d)
		if err != nil {
			assert.ErrorIs(t, err, ErrNotFound)
			continue
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, content, string(data), "a surviving object is intact")
	}
	assert.Zero(t, s.local.TrashCount())
	assert.Empty(t, s.removals)
}
