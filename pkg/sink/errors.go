package sink

import (
	"errors"
	"fmt"

	"github.com/treeverse/claimload/pkg/store"
)

var (
	ErrDeleteNotSupported = errors.New("DELETE changes are not supported")
	ErrErrorLimitExceeded = errors.New("unresolved error limit exceeded")
	ErrSinkClosed         = errors.New("sink closed")
	ErrShutdownTimeout    = errors.New("timed out waiting for in-flight batches")
)

// ProcessingError reports a batch that could not be written. ProcessedCount is the number of
// claims committed before the failure, always zero for an atomic batch.
type ProcessingError struct {
	ProcessedCount int
	Err            error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed (processed %d): %s", e.ProcessedCount, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsFatal reports whether err must stop the run instead of being retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeleteNotSupported) ||
		errors.Is(err, ErrErrorLimitExceeded) ||
		errors.Is(err, store.ErrSequenceOverflow)
}
