package volume

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/storage"
)

var (
	// ErrNotFound is returned when no data exists at an address.
	ErrNotFound = errors.New("chunk not found")

	// ErrTransientIO marks network/storage faults and deadline expiry. Retryable.
	ErrTransientIO = errors.New("transient io error")

	// ErrCorruptData is returned when a chunk cannot be decoded. Not retryable.
	ErrCorruptData = errors.New("corrupt chunk data")

	// ErrPayloadShapeMismatch is returned when a payload disagrees with the
	// destination geometry. It indicates a configuration bug and recurs for
	// every chunk.
	ErrPayloadShapeMismatch = errors.New("payload shape mismatch")

	// ErrWrongPayload is returned when an accessor receives a payload of the
	// other variant (mesh into an image volume or vice versa).
	ErrWrongPayload = fmt.Errorf("%w: wrong payload kind", ErrPayloadShapeMismatch)
)

// translate maps storage errors onto the volume taxonomy.
func translate(parent context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		// Per-call deadline, not the caller's context.
		return fmt.Errorf("%w: %w", ErrTransientIO, err)
	case errors.Is(err, storage.ErrTransient):
		return fmt.Errorf("%w: %w", ErrTransientIO, err)
	default:
		return err
	}
}
