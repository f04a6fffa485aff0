// Package blob stores snapshot state behind an opaque reference.
//
// The journal never holds aggregate state directly; snapshot rows point at a
// blob ref and the bytes live in one of these backends. Losing a blob is
// recoverable: loaders fall back to a full replay.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the referenced blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store reads and writes opaque blobs by reference.
type Store interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// TransientError marks a backend failure worth retrying, such as a network
// timeout against an object store.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("blob: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the error is retryable.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func validateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("blob ref is required")
	}
	if strings.Contains(ref, "..") {
		return fmt.Errorf("blob ref must not contain path traversal")
	}
	return nil
}
