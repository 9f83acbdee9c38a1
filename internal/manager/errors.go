package manager

import (
	"errors"

	"aicpusched/internal/model"
	"aicpusched/internal/queue"
)

// ErrClosed is returned once Close has started.
var ErrClosed = errors.New("scheduler closed")

// tooBusyError signals a full queue or pool for 429 mapping.
type tooBusyError struct{ what string }

func (e tooBusyError) Error() string { return "too busy: " + e.what }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb) || errors.Is(err, queue.ErrFull)
}

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool { return model.IsModelNotFound(err) }

// IsClosed reports whether the manager is shutting down.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }
