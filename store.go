package cabs

import (
	"github.com/aweris/cabs/internal/digest"
	"github.com/aweris/cabs/internal/errkind"
	"github.com/aweris/cabs/internal/gc"
	"github.com/aweris/cabs/internal/remote"
	"github.com/aweris/cabs/internal/txn"
)

// Digest identifies content as "<algorithm>:<hex>".
type Digest = digest.Digest

// Algorithm names a content hash.
type Algorithm = digest.Algorithm

const (
	SHA256 = digest.SHA256
	BLAKE3 = digest.BLAKE3
)

// ParseDigest validates s as a digest.
func ParseDigest(s string) (Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", errkind.Wrap(errkind.Configuration, err, "parse digest")
	}
	return d, nil
}

// Backend is an authoritative object store behind the local cache.
// Re-exported from internal/remote so callers can supply their own.
type Backend = remote.Backend

// BackendEntry is one object reported by Backend.List.
type BackendEntry = remote.Entry

// DirectLinker is implemented by backends that hand out download URLs.
type DirectLinker = remote.DirectLinker

// Authenticator provides credentials for remote registries.
type Authenticator = remote.Authenticator

// StaticAuthenticator returns fixed registry credentials.
type StaticAuthenticator = remote.StaticAuthenticator

// GCStrategy selects how garbage collection finds unreferenced objects.
type GCStrategy = gc.Strategy

const (
	Additive    = gc.Additive
	Subtractive = gc.Subtractive
)

// ParseGCStrategy accepts "additive" or "subtractive".
func ParseGCStrategy(s string) (GCStrategy, error) { return gc.ParseStrategy(s) }

// GCStatus describes a garbage collection run.
type GCStatus = gc.Status

// XID is a transaction id.
type XID = txn.XID
