package session

import (
	"context"
	"time"

	"github.com/manash/archrefine/pkg/models"
)

// Observer is notified after each committed transition. Calls happen
// synchronously on the goroutine that made the change, after the session
// lock is released, so an observer may call back into the registry.
type Observer interface {
	OnSessionCreated(s *Session)
	// OnSessionUpdated fires for status, prompt, settings and auto-refine changes.
	OnSessionUpdated(s *Session)
	OnIterationAppended(sessionID string, it *models.Iteration)
	// OnIterationUpdated fires when a refine annotates the iteration it
	// refined away from.
	OnIterationUpdated(sessionID string, it *models.Iteration)
	OnAutoRefineStopped(sessionID string, reason StopReason)
	OnSessionClosed(s *Session, accepted bool)
}

// BaseObserver implements Observer with no-ops for embedding.
type BaseObserver struct{}

func (BaseObserver) OnSessionCreated(*Session) {}
func (BaseObserver) OnSessionUpdated(*Session) {}
func (BaseObserver) OnIterationAppended(string, *models.Iteration) {}
func (BaseObserver) OnIterationUpdated(string, *models.Iteration) {}
func (BaseObserver) OnAutoRefineStopped(string, StopReason) {}
func (BaseObserver) OnSessionClosed(*Session, bool) {}

type StopReason string

const (
	StopTargetReached StopReason = "target_reached"
	StopMaxIterations StopReason = "max_iterations"
	StopUnscored      StopReason = "unscored"
	StopDisabled      StopReason = "disabled"
	StopError         StopReason = "error"
	StopCancelled     StopReason = "cancelled"
)

type Step string

const (
	StepGenerate Step = "generate"
	StepEvaluate Step = "evaluate"
	StepRefine   Step = "refine"
)

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// StepRecorder receives the duration and outcome of every collaborator call.
type StepRecorder interface {
	RecordStep(ctx context.Context, sessionID string, step Step, outcome Outcome, elapsed time.Duration)
}

// ImageDiscarder removes stored images that no iteration references.
type ImageDiscarder interface {
	Discard(refs []models.ImageRef) error
}

type noopRecorder struct{}

func (noopRecorder) RecordStep(context.Context, string, Step, Outcome, time.Duration) {}
