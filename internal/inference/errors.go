package inference

import (
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrModelCorrupt       = errors.New("model corrupt")
)

// BackendRuntimeError is a failure raised while a backend executed a window.
type BackendRuntimeError struct {
	Backend string
	Err     error
}

func (e *BackendRuntimeError) Error() string {
	return fmt.Sprintf("backend %s runtime error: %v", e.Backend, e.Err)
}

func (e *BackendRuntimeError) Unwrap() error { return e.Err }

// CorruptModelError reports a model that failed integrity validation.
type CorruptModelError struct {
	Path   string
	Reason string
}

func (e *CorruptModelError) Error() string {
	return fmt.Sprintf("model %s failed validation: %s", e.Path, e.Reason)
}

func (e *CorruptModelError) Is(target error) bool { return target == ErrModelCorrupt }

// FatalError ends the session: the CPU tier failed or the model broke.
type FatalError struct {
	State BackendState
	Seq   uint64
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("inference failed on %s backend (window %d): %v", e.State.Backend, e.Seq, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
