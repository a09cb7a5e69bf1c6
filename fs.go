package cabs

import (
	"context"
	"io"
)

// BlobStore reads and writes immutable objects by digest.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader, size int64) (Digest, error) // size < 0: unknown
	Get(ctx context.Context, d Digest) (io.ReadCloser, int64, error)
	Length(ctx context.Context, d Digest) (int64, error)
	Remove(ctx context.Context, d Digest) error // joins the transaction on ctx, if any
	DirectURL(ctx context.Context, d Digest) (string, error)
}

// GarbageCollector controls mark-sweep collection of unreferenced objects.
type GarbageCollector interface {
	StartGC(ctx context.Context) error
	Mark(d Digest) error
	StopGC(ctx context.Context, delete bool) (GCStatus, error)
	GCStatus() GCStatus
	ResetGC()
}

var (
	_ BlobStore        = (*Store)(nil)
	_ GarbageCollector = (*Store)(nil)
)
