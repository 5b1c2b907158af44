package liteq

import (
	"errors"
	"fmt"

	"github.com/nuetzliches/liteq/internal/store"
)

var (
	// ErrInvalidArgument reports a nil payload or a batch over the
	// 50-item cap.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConflict reports that id generation kept colliding until the
	// retry budget ran out. Nothing was stored.
	ErrConflict = errors.New("id conflict")

	// ErrContention reports that the store's busy timeout elapsed while
	// waiting for the writer reservation. The caller may retry.
	ErrContention = errors.New("store contention")

	// ErrStoreCorruption reports schema or row damage in the database
	// file. It is surfaced, never recovered.
	ErrStoreCorruption = errors.New("store corruption")

	// ErrCancelled reports that a wait loop was interrupted by the
	// caller's context.
	ErrCancelled = errors.New("cancelled")
)

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrBusy):
		return fmt.Errorf("%w: %v", ErrContention, err)
	case errors.Is(err, store.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrStoreCorruption, err)
	default:
		return err
	}
}
