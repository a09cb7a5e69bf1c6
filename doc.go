// Package cabs provides a content-addressable blob store with a local disk
// cache, transactional removal and mark-sweep garbage collection.
//
// Objects are immutable and keyed by a digest of their bytes. Writes spool
// to a temporary file while hashing and are installed with a rename, so a
// reader never sees a partial object.
//
// Basic usage (local only):
//
//	s, _ := cabs.Open(cabs.WithCacheDir("/var/lib/cabs"))
//	defer s.Close()
//
//	d, _ := s.Put(ctx, strings.NewReader("hello"), 5)
//	rc, size, _ := s.Get(ctx, d)
//
// With a backend the local directory becomes a bounded cache and the
// backend is authoritative:
//
//	s, _ := cabs.Open(
//	    cabs.WithRegistryBackend("ghcr.io/acme/blobs"),
//	    cabs.WithCacheLimits(10<<30, 0, time.Hour),
//	)
//
// Removal joins the transaction carried by the context, if any:
//
//	tx := s.Transactions()
//	_ = tx.Start("x1")
//	_ = s.Remove(s.WithTransaction(ctx, "x1"), d)
//	_ = tx.End("x1")
//	_ = tx.Rollback(ctx, "x1") // d is back
//
// Garbage collection is driven by the caller, which knows what is still
// referenced:
//
//	_ = s.StartGC(ctx)
//	for _, d := range live {
//	    _ = s.Mark(d)
//	}
//	status, _ := s.StopGC(ctx, true)
//
// The temporary, trash and object directories must be on one filesystem
// volume; renames between them are the commit points.
package cabs
