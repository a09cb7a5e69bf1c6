package cabs

import (
	"errors"

	"github.com/aweris/cabs/internal/errkind"
)

// Sentinel errors, one per Kind. Match them with errors.Is. Each also
// matches the corresponding github.com/containerd/errdefs class.
var (
	ErrConfiguration      = errkind.Configuration
	ErrStorageIO          = errkind.StorageIO
	ErrBackendUnavailable = errkind.BackendUnavailable
	ErrIntegrity          = errkind.Integrity
	ErrProtocol           = errkind.Protocol
	ErrGCState            = errkind.GCState
	ErrNotFound           = errkind.NotFound
	ErrUnsupported        = errkind.Unsupported
)

// Kind classifies errors returned by a Store.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindStorageIO
	KindBackendUnavailable
	KindIntegrity
	KindProtocol
	KindGCState
	KindNotFound
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindStorageIO:
		return "storage-io"
	case KindBackendUnavailable:
		return "backend-unavailable"
	case KindIntegrity:
		return "integrity"
	case KindProtocol:
		return "protocol"
	case KindGCState:
		return "gc-state"
	case KindNotFound:
		return "not-found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// kindOrder lists the most specific kinds first, for errors that carry
// more than one class.
var kindOrder = []struct {
	kind Kind
	err  error
}{
	{KindIntegrity, ErrIntegrity},
	{KindNotFound, ErrNotFound},
	{KindProtocol, ErrProtocol},
	{KindGCState, ErrGCState},
	{KindConfiguration, ErrConfiguration},
	{KindUnsupported, ErrUnsupported},
	{KindBackendUnavailable, ErrBackendUnavailable},
	{KindStorageIO, ErrStorageIO},
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, k := range kindOrder {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}
