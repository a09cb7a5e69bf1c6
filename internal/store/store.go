// Package store implements the local content-addressed object store.
//
// Layout under the store root:
//
//	root/
//	  objects/
//	    sha256/
//	      ab/ab12cd... (content files, sharded by the first hex byte)
//	  tmp/             (private spool files for in-flight puts)
//	  trash/           (objects renamed away by in-flight removals)
//
// All three directories must be on the same filesystem: installing a
// spool file and trashing an object are single renames, and a rename is
// only atomic within one volume.
//
// Content is immutable once installed. An object is created exactly once
// and may later be removed; it is never rewritten.
package store

import (
	"time"

	"github.com/aweris/cabs/internal/digest"
)

// Object describes an installed object.
type Object struct {
	Digest  digest.Digest
	Size    int64
	ModTime time.Time
}

// Expect constrains the content of a spool. Zero fields are not checked.
type Expect struct {
	Digest digest.Digest
	Size   int64 // checked when positive
}

// Tombstone records an object moved to trash by Trash.
type Tombstone struct {
	Digest digest.Digest
	Path   string
}
