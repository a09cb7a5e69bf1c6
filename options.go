package cabs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/gc"
	"github.com/aweris/cabs/internal/remote"
)

const (
	DefaultTxTimeout            = 10 * time.Minute
	DefaultDirectDownloadExpiry = time.Hour
	DefaultCompressionLevel     = 2
)

// Options configures a Store.
type Options struct {
	CacheDir  string
	Algorithm Algorithm
	// TouchOnDuplicate refreshes an existing object's modification time
	// when it is written again, which keeps it out of a running additive
	// GC sweep.
	TouchOnDuplicate bool

	// At most one of Backend, BackendDir and RegistryRef may be set.
	// With none the local store is authoritative.
	Backend          Backend
	BackendDir       string
	RegistryRef      string
	Auth             Authenticator
	CompressionLevel int

	// set by WithFileBackend and WithRegistryBackend so an empty location
	// is rejected instead of falling back to local mode.
	fileBackend     bool
	registryBackend bool

	CacheMaxBytes int64
	CacheMaxCount int
	CacheMinAge   time.Duration

	GCStrategy  GCStrategy
	Concurrency int

	TxTimeout time.Duration

	DirectDownload       bool
	DirectDownloadExpiry time.Duration

	Registerer prometheus.Registerer
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		CacheDir:             defaultCacheDir(),
		Algorithm:            digest.Canonical,
		TouchOnDuplicate:     true,
		CompressionLevel:     DefaultCompressionLevel,
		GCStrategy:           gc.Additive,
		Concurrency:          remote.DefaultConcurrency,
		TxTimeout:            DefaultTxTimeout,
		DirectDownloadExpiry: DefaultDirectDownloadExpiry,
	}
}

// WithCacheDir sets the local store directory.
func WithCacheDir(dir string) Option {
	return func(o *Options) { o.CacheDir = dir }
}

// WithDigestAlgorithm selects the hash used for new objects.
func WithDigestAlgorithm(alg Algorithm) Option {
	return func(o *Options) { o.Algorithm = alg }
}

// WithTouchOnDuplicate sets the duplicate-write touch policy.
func WithTouchOnDuplicate(touch bool) Option {
	return func(o *Options) { o.TouchOnDuplicate = touch }
}

// WithBackend makes b the authoritative store and the local directory a
// cache in front of it.
func WithBackend(b Backend) Option {
	return func(o *Options) { o.Backend = b }
}

// WithFileBackend uses a directory, typically a shared mount, as backend.
func WithFileBackend(dir string) Option {
	return func(o *Options) {
		o.BackendDir = dir
		o.fileBackend = true
	}
}

// WithRegistryBackend uses an OCI registry repository as backend.
func WithRegistryBackend(ref string) Option {
	return func(o *Options) {
		o.RegistryRef = ref
		o.registryBackend = true
	}
}

// WithAuth sets custom registry authentication.
func WithAuth(auth Authenticator) Option {
	return func(o *Options) { o.Auth = auth }
}

// WithCompressionLevel sets the file backend's zstd level, 1 to 4.
func WithCompressionLevel(level int) Option {
	return func(o *Options) { o.CompressionLevel = level }
}

// WithCacheLimits bounds the local cache in remote mode. Zero values are
// unbounded; entries younger than minAge are never evicted.
func WithCacheLimits(maxBytes int64, maxCount int, minAge time.Duration) Option {
	return func(o *Options) {
		o.CacheMaxBytes = maxBytes
		o.CacheMaxCount = maxCount
		o.CacheMinAge = minAge
	}
}

// WithGCStrategy selects the garbage collection strategy.
func WithGCStrategy(s GCStrategy) Option {
	return func(o *Options) { o.GCStrategy = s }
}

// WithConcurrency sets the number of parallel registry transfers and GC
// deletions.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithTxTimeout sets after how long a transaction counts as abandoned.
// Zero disables the timeout.
func WithTxTimeout(d time.Duration) Option {
	return func(o *Options) { o.TxTimeout = d }
}

// WithDirectDownload enables DirectURL for backends that support it.
func WithDirectDownload(enabled bool, expiry time.Duration) Option {
	return func(o *Options) {
		o.DirectDownload = enabled
		if expiry > 0 {
			o.DirectDownloadExpiry = expiry
		}
	}
}

// WithMetrics registers the store's Prometheus metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) { o.Registerer = reg }
}

func defaultCacheDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "cabs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "cabs")
	}
	return ".cabs"
}
