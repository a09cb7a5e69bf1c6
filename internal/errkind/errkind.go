// Package errkind defines the closed set of error classes shared by the
// storage packages. Each class wraps the matching containerd/errdefs
// error, so callers can test with either errors.Is(err, errkind.Integrity)
// or errdefs.IsDataLoss(err).
package errkind

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	Configuration      = fmt.Errorf("cabs: configuration error: %w", errdefs.ErrInvalidArgument)
	StorageIO          = fmt.Errorf("cabs: storage i/o error: %w", errdefs.ErrInternal)
	BackendUnavailable = fmt.Errorf("cabs: backend unavailable: %w", errdefs.ErrUnavailable)
	Integrity          = fmt.Errorf("cabs: integrity check failed: %w", errdefs.ErrDataLoss)
	Protocol           = fmt.Errorf("cabs: transaction protocol error: %w", errdefs.ErrFailedPrecondition)
	GCState            = fmt.Errorf("cabs: gc state error: %w", errdefs.ErrConflict)
	NotFound           = fmt.Errorf("cabs: not found: %w", errdefs.ErrNotFound)
	Unsupported        = fmt.Errorf("cabs: unsupported: %w", errdefs.ErrNotImplemented)
)

// Wrap annotates err with a class, keeping err in the chain.
// A nil err yields nil.
func Wrap(class error, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w: %w", msg, class, err)
}

// New returns an error of the given class with a message.
func New(class error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), class)
}

// Is reports whether err belongs to class.
func Is(err, class error) bool {
	return errors.Is(err, class)
}
