package analysis

import (
	"errors"
	"fmt"
)

// ErrAnalysisUnavailable marks an LLM call or parse failure. It routes the
// engine to the fallback report and is never returned to callers.
var ErrAnalysisUnavailable = errors.New("analysis unavailable")

// PersistenceError reports that a record could not be stored. Callers must
// not acknowledge the alert so that it is redelivered.
type PersistenceError struct {
	AlertID string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist alert %s: %v", e.AlertID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
