package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/rs/zerolog/log"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
)

const (
	// DefaultCatalogTag names the image that lists every stored object.
	DefaultCatalogTag = "cabs-catalog"

	annotationStored = "dev.cabs.stored"

	maxAttempts = 3
)

// OCIOptions configures an OCIBackend.
type OCIOptions struct {
	Auth        Authenticator
	CatalogTag  string
	Concurrency int
	// TouchOnDuplicate rewrites the catalog with a fresh store time when
	// an object already in it is stored again.
	TouchOnDuplicate bool
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

type catalogEntry struct {
	size   int64
	stored time.Time
}

// OCIBackend stores every object as an uncompressed layer blob, so the
// registry's blob digest is the object's sha256 digest. A catalog image
// at a tag references all layers and is the source for List.
//
// The backend suits modest object counts:
//   - Store reads the whole object into memory before uploading it.
//   - Every Store and Remove rewrites the catalog manifest, which costs
//     O(N) in the number of stored objects.
//   - Registries cap manifest size, typically at a few MiB, which limits
//     the catalog to tens of thousands of objects.
type OCIBackend struct {
	repo        name.Repository
	catalog     name.Tag
	auth        Authenticator
	concurrency int
	transport   http.RoundTripper
	touch       bool

	mu      sync.Mutex
	entries map[digest.Digest]catalogEntry // nil until loaded
}

var (
	_ Backend      = (*OCIBackend)(nil)
	_ DirectLinker = (*OCIBackend)(nil)
)

// NewOCIBackend creates a backend for a repository ref such as
// "ghcr.io/acme/blobs". Any tag or digest in ref is ignored.
func NewOCIBackend(repoRef string, opts OCIOptions) (*OCIBackend, error) {
	ref, err := name.ParseReference(repoRef)
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err, "invalid repository ref %q", repoRef)
	}
	tag := opts.CatalogTag
	if tag == "" {
		tag = DefaultCatalogTag
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	repo := ref.Context()
	return &OCIBackend{
		repo:        repo,
		catalog:     repo.Tag(tag),
		auth:        opts.Auth,
		concurrency: concurrency,
		transport:   opts.Transport,
		touch:       opts.TouchOnDuplicate,
	}, nil
}

func (b *OCIBackend) String() string   { return b.repo.String() }
func (b *OCIBackend) Registry() string { return b.repo.RegistryStr() }

// objectLayer implements v1.Layer for one stored object. Layers are
// uncompressed, so digest and diff id are the same. data is set for
// fresh uploads; otherwise the blob is fetched lazily from the registry.
type objectLayer struct {
	hash v1.Hash
	size int64
	data []byte
	open func() (io.ReadCloser, error)
}

func (l *objectLayer) Digest() (v1.Hash, error)             { return l.hash, nil }
func (l *objectLayer) DiffID() (v1.Hash, error)             { return l.hash, nil }
func (l *objectLayer) Size() (int64, error)                 { return l.size, nil }
func (l *objectLayer) MediaType() (types.MediaType, error)  { return types.OCIUncompressedLayer, nil }
func (l *objectLayer) Uncompressed() (io.ReadCloser, error) { return l.Compressed() }
func (l *objectLayer) Compressed() (io.ReadCloser, error) {
	if l.data != nil {
		return io.NopCloser(bytes.NewReader(l.data)), nil
	}
	return l.open()
}

func (b *OCIBackend) layerFor(ctx context.Context, d digest.Digest, size int64) (*objectLayer, error) {
	h, err := v1.NewHash(d.String())
	if err != nil {
		return nil, errkind.Wrap(errkind.Configuration, err, "oci: %s", d)
	}
	return &objectLayer{hash: h, size: size, open: func() (io.ReadCloser, error) {
		l, err := remote.Layer(b.repo.Digest(d.String()), b.remoteOptions(ctx)...)
		if err != nil {
			return nil, err
		}
		return l.Compressed()
	}}, nil
}

func checkAlgorithm(d digest.Digest) error {
	if err := d.Validate(); err != nil {
		return errkind.Wrap(errkind.Configuration, err, "oci")
	}
	if d.Algorithm() != digest.SHA256 {
		return errkind.New(errkind.Configuration, "oci: registries address blobs by sha256, got %s", d.Algorithm())
	}
	return nil
}

// Store uploads the object as a layer blob, checks the registry reports
// it with the right size, and adds it to the catalog.
func (b *OCIBackend) Store(ctx context.Context, d digest.Digest, r io.Reader, size int64) error {
	if err := checkAlgorithm(d); err != nil {
		return err
	}
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return fmt.Errorf("oci: read object content: %w", err)
	}
	if got := digest.FromBytes(digest.SHA256, data); got != d {
		return errkind.New(errkind.Integrity, "oci: content hashes to %s, expected %s", got, d)
	}
	if size >= 0 && int64(len(data)) != size {
		return errkind.New(errkind.Integrity, "oci: %s is %d bytes, expected %d", d, len(data), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.load(ctx, false); err != nil {
		return err
	}
	if e, ok := b.entries[d]; ok {
		if !b.touch {
			return nil
		}
		b.entries[d] = catalogEntry{size: e.size, stored: time.Now().UTC()}
		if err := b.writeCatalog(ctx); err != nil {
			b.entries[d] = e
			return err
		}
		return nil
	}

	layer, err := b.layerFor(ctx, d, int64(len(data)))
	if err != nil {
		return err
	}
	layer.data = data
	_, err = retry(ctx, maxAttempts, func() (struct{}, error) {
		return struct{}{}, remote.WriteLayer(b.repo, layer, b.remoteOptions(ctx)...)
	})
	if err != nil {
		return classify(err, "oci: upload %s", d)
	}
	if err := b.verify(ctx, d, int64(len(data))); err != nil {
		log.Warn().Err(err).Str("digest", d.String()).Msg("Uploaded blob failed verification")
		if derr := b.deleteBlob(ctx, d); derr != nil {
			// Unreferenced by the catalog, so registry-side GC reclaims it.
			log.Debug().Err(derr).Str("digest", d.String()).Msg("Could not delete unverified blob")
		}
		return err
	}

	b.entries[d] = catalogEntry{size: int64(len(data)), stored: time.Now().UTC()}
	if err := b.writeCatalog(ctx); err != nil {
		delete(b.entries, d)
		return err
	}
	return nil
}

func (b *OCIBackend) verify(ctx context.Context, d digest.Digest, size int64) error {
	l, err := remote.Layer(b.repo.Digest(d.String()), b.remoteOptions(ctx)...)
	if err != nil {
		return classify(err, "oci: verify %s", d)
	}
	got, err := l.Size()
	if err != nil {
		return classify(err, "oci: verify %s", d)
	}
	if got != size {
		return errkind.New(errkind.Integrity, "oci: registry reports %d bytes for %s, expected %d", got, d, size)
	}
	return nil
}

// deleteBlob asks the registry to drop a blob. Many registries refuse
// blob deletes, so failures are for logging only.
func (b *OCIBackend) deleteBlob(ctx context.Context, d digest.Digest) error {
	reg := b.repo.Registry
	auth, err := authenticator(b.auth, reg)
	if err != nil {
		return err
	}
	base := b.transport
	if base == nil {
		base = remote.DefaultTransport
	}
	rt, err := transport.NewWithContext(ctx, reg, auth, base, []string{b.repo.Scope(transport.DeleteScope)})
	if err != nil {
		return classify(err, "oci: delete %s", d)
	}
	u := url.URL{
		Scheme: reg.Scheme(),
		Host:   reg.RegistryStr(),
		Path:   fmt.Sprintf("/v2/%s/blobs/%s", b.repo.RepositoryStr(), d),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Transport: rt}).Do(req)
	if err != nil {
		return classify(err, "oci: delete %s", d)
	}
	defer resp.Body.Close()
	if err := transport.CheckError(resp, http.StatusOK, http.StatusAccepted, http.StatusNotFound); err != nil {
		return classify(err, "oci: delete %s", d)
	}
	return nil
}

func (b *OCIBackend) Fetch(ctx context.Context, d digest.Digest) (io.ReadCloser, int64, error) {
	if err := checkAlgorithm(d); err != nil {
		return nil, 0, errkind.Wrap(errkind.NotFound, err, "oci: fetch")
	}
	e, err := b.lookup(ctx, d)
	if err != nil {
		return nil, 0, err
	}
	l, err := remote.Layer(b.repo.Digest(d.String()), b.remoteOptions(ctx)...)
	if err != nil {
		return nil, 0, classify(err, "oci: fetch %s", d)
	}
	rc, err := retry(ctx, maxAttempts, l.Compressed)
	if err != nil {
		return nil, 0, classify(err, "oci: fetch %s", d)
	}
	return rc, e.size, nil
}

// lookup finds d in the catalog, reloading it once on a miss since
// another process may have stored the object.
func (b *OCIBackend) lookup(ctx context.Context, d digest.Digest) (catalogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.load(ctx, false); err != nil {
		return catalogEntry{}, err
	}
	if e, ok := b.entries[d]; ok {
		return e, nil
	}
	if err := b.load(ctx, true); err != nil {
		return catalogEntry{}, err
	}
	if e, ok := b.entries[d]; ok {
		return e, nil
	}
	return catalogEntry{}, errkind.New(errkind.NotFound, "oci: %s", d)
}

func (b *OCIBackend) Stat(ctx context.Context, d digest.Digest) (int64, error) {
	if err := checkAlgorithm(d); err != nil {
		return 0, errkind.Wrap(errkind.NotFound, err, "oci: stat")
	}
	e, err := b.lookup(ctx, d)
	if err != nil {
		return 0, err
	}
	return e.size, nil
}

// Remove drops d from the catalog. The blob itself becomes unreferenced
// and is reclaimed by the registry.
func (b *OCIBackend) Remove(ctx context.Context, d digest.Digest) error {
	if err := checkAlgorithm(d); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.load(ctx, true); err != nil {
		return err
	}
	e, ok := b.entries[d]
	if !ok {
		return nil
	}
	delete(b.entries, d)
	if err := b.writeCatalog(ctx); err != nil {
		b.entries[d] = e
		return err
	}
	return nil
}

func (b *OCIBackend) List(ctx context.Context, fn func(Entry) error) error {
	b.mu.Lock()
	if err := b.load(ctx, true); err != nil {
		b.mu.Unlock()
		return err
	}
	entries := make([]Entry, 0, len(b.entries))
	for d, e := range b.entries {
		entries = append(entries, Entry{Key: d.String(), Size: e.size, ModTime: e.stored})
	}
	b.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// DirectURL returns the registry blob URL. Registry URLs do not expire,
// so expiry is ignored. Clients still need registry credentials.
func (b *OCIBackend) DirectURL(ctx context.Context, d digest.Digest, _ time.Duration) (string, error) {
	if err := checkAlgorithm(d); err != nil {
		return "", err
	}
	if _, err := b.lookup(ctx, d); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s",
		b.repo.Registry.Scheme(), b.repo.RegistryStr(), b.repo.RepositoryStr(), d), nil
}

// load reads the catalog manifest. Callers hold b.mu.
func (b *OCIBackend) load(ctx context.Context, force bool) error {
	if b.entries != nil && !force {
		return nil
	}
	img, err := retry(ctx, maxAttempts, func() (v1.Image, error) {
		return remote.Image(b.catalog, b.remoteOptions(ctx)...)
	})
	if isNotFound(err) {
		b.entries = make(map[digest.Digest]catalogEntry)
		return nil
	}
	if err != nil {
		return classify(err, "oci: read catalog %s", b.catalog)
	}
	m, err := img.Manifest()
	if err != nil {
		return classify(err, "oci: read catalog manifest")
	}

	entries := make(map[digest.Digest]catalogEntry, len(m.Layers))
	for _, desc := range m.Layers {
		d := digest.Digest(desc.Digest.String())
		if err := d.Validate(); err != nil {
			log.Warn().Str("layer", desc.Digest.String()).Msg("Skipping foreign layer in catalog")
			continue
		}
		stored, err := time.Parse(time.RFC3339Nano, desc.Annotations[annotationStored])
		if err != nil {
			stored = time.Time{}
		}
		entries[d] = catalogEntry{size: desc.Size, stored: stored}
	}
	b.entries = entries
	return nil
}

// writeCatalog pushes a new catalog image referencing every entry.
// Callers hold b.mu.
func (b *OCIBackend) writeCatalog(ctx context.Context) error {
	digests := make([]digest.Digest, 0, len(b.entries))
	for d := range b.entries {
		digests = append(digests, d)
	}
	sort.Slice(digests, func(i, j int) bool { return digests[i] < digests[j] })

	adds := make([]mutate.Addendum, 0, len(digests))
	for _, d := range digests {
		e := b.entries[d]
		layer, err := b.layerFor(ctx, d, e.size)
		if err != nil {
			return err
		}
		adds = append(adds, mutate.Addendum{
			Layer:       layer,
			MediaType:   types.OCIUncompressedLayer,
			Annotations: map[string]string{annotationStored: e.stored.Format(time.RFC3339Nano)},
		})
	}

	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)
	img, err := mutate.Append(img, adds...)
	if err != nil {
		return fmt.Errorf("oci: build catalog: %w", err)
	}

	options := append(b.remoteOptions(ctx), remote.WithJobs(b.concurrency))
	_, err = retry(ctx, maxAttempts, func() (struct{}, error) {
		return struct{}{}, remote.Write(b.catalog, img, options...)
	})
	if err != nil {
		return classify(err, "oci: push catalog %s", b.catalog)
	}
	return nil
}

func (b *OCIBackend) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{
		remote.WithContext(ctx),
		authOption(b.auth, b.Registry()),
	}
	if b.transport != nil {
		options = append(options, remote.WithTransport(b.transport))
	}
	return options
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}

func classify(err error, format string, args ...any) error {
	if isNotFound(err) {
		return errkind.Wrap(errkind.NotFound, err, format, args...)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
	return errkind.Wrap(errkind.BackendUnavailable, err, format, args...)
}
