package session

import (
	"errors"
	"fmt"
)

var (
	ErrGenerationFailed = errors.New("generation failed")
	ErrEvaluationFailed = errors.New("evaluation failed")
	ErrRefinementFailed = errors.New("refinement failed")
	ErrInvalidState     = errors.New("invalid state")
	ErrSessionNotFound  = errors.New("session not found")
	ErrCancelled        = errors.New("operation cancelled")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// PipelineError is returned by every registry operation that fails after
// the session was found. Kind is one of the sentinels above, so callers
// can branch with errors.Is.
type PipelineError struct {
	Kind      error
	SessionID string
	Step      Step
	Cause     error
}

func (e *PipelineError) Error() string {
	msg := e.Kind.Error()
	if e.Step != "" {
		msg = fmt.Sprintf("%s step: %s", e.Step, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return fmt.Sprintf("session %s: %s", e.SessionID, msg)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func (e *PipelineError) Is(target error) bool {
	return target == e.Kind
}

func invalidState(sessionID, format string, args ...any) error {
	return &PipelineError{
		Kind:      ErrInvalidState,
		SessionID: sessionID,
		Cause:     fmt.Errorf(format, args...),
	}
}

func notFound(sessionID string) error {
	return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
}

func invalidArgument(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
}
