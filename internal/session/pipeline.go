package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/pkg/models"
)

var errAutoSkipped = errors.New("auto-refine cycle no longer applicable")

type RefineRequest struct {
	// Feedback may be empty, in which case the rewriter works from the
	// judge's improvements.
	Feedback string
	// ScoreOverride is recorded on the refined iteration as the user's
	// score. Convergence always uses the judge's score.
	ScoreOverride *int
	Settings      *models.GenerationSettings
}

// operation is one pipeline run that owns its session from begin until
// commit, fail or abort.
type operation struct {
	st       *state
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	prompt   string
	settings models.GenerationSettings
	persona  models.Persona
	log      zerolog.Logger
}

func (op *operation) end() {
	op.cancel()
	op.span.End()
}

// RunGenerateEvaluate generates images for the current prompt and has them
// judged. An iteration is appended even when judging fails.
func (r *Registry) RunGenerateEvaluate(ctx context.Context, id string, override *models.GenerationSettings) (*models.Iteration, error) {
	st, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	op, err := r.begin(ctx, st, "generate", StatusGenerating, func() error {
		settings := st.settings.Merge(override)
		if err := settings.Validate(); err != nil {
			return invalidArgument(err)
		}
		st.settings = settings
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer op.end()

	return r.cycle(op)
}

// Refine rewrites the current prompt from the latest iteration and the
// given feedback, then generates and evaluates the result.
func (r *Registry) Refine(ctx context.Context, id string, req RefineRequest) (*models.Iteration, error) {
	return r.refine(ctx, id, req, 0)
}

// refine is shared by user and auto-refine calls. A non-zero expect marks
// an auto-refine cycle decided against iteration number expect.
func (r *Registry) refine(ctx context.Context, id string, req RefineRequest, expect int) (*models.Iteration, error) {
	if req.ScoreOverride != nil {
		if v := *req.ScoreOverride; v < models.MinScore || v > models.MaxScore {
			return nil, invalidArgument(fmt.Errorf("score override %d outside [%d, %d]", v, models.MinScore, models.MaxScore))
		}
	}
	st, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	var (
		prior    *models.Iteration
		priorIdx int
	)
	op, err := r.begin(ctx, st, "refine", StatusRefining, func() error {
		latest := st.latest()
		if latest == nil {
			return invalidState(st.id, "no iteration to refine")
		}
		if expect > 0 && (!st.autoRefine || latest.Number != expect) {
			return errAutoSkipped
		}
		settings := latest.Settings.Merge(req.Settings)
		if err := settings.Validate(); err != nil {
			return invalidArgument(err)
		}
		st.settings = settings
		prior = latest.Clone()
		priorIdx = len(st.iterations) - 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer op.end()

	feedback := strings.TrimSpace(req.Feedback)
	if feedback != "" {
		prior.UserFeedback = &feedback
	}
	if req.ScoreOverride != nil {
		v := *req.ScoreOverride
		prior.UserScore = &v
	}

	rw, err := runStep(r, op, StepRefine, r.timeouts.Refine, nil, func(ctx context.Context) (*models.Rewrite, error) {
		return r.providers.Rewriter.Rewrite(ctx, &provider.RewriteRequest{
			PriorPrompt:    op.prompt,
			PriorIteration: prior,
			Feedback:       feedback,
		})
	})
	if err == nil && (rw == nil || strings.TrimSpace(rw.Prompt) == "") {
		err = errors.New("rewriter returned an empty prompt")
	}
	if err != nil {
		return nil, r.fail(op, ErrRefinementFailed, StepRefine, err)
	}

	st.mu.Lock()
	if op.cancelledLocked() {
		st.mu.Unlock()
		return nil, r.abort(op)
	}
	newPrompt := strings.TrimSpace(rw.Prompt)
	st.currentPrompt = newPrompt
	st.pendingReasoning = strings.TrimSpace(rw.Reasoning)

	annotated := st.iterations[priorIdx].Clone()
	annotated.UserFeedback = prior.UserFeedback
	annotated.UserScore = prior.UserScore
	st.iterations[priorIdx] = annotated

	st.status = StatusGenerating
	st.updatedAt = r.now()
	updatedIt := annotated.Clone()
	updated := st.snapshot()
	st.mu.Unlock()

	op.prompt = newPrompt
	op.log.Debug().Int("refined_from", updatedIt.Number).Msg("prompt rewritten")
	r.notify(func(o Observer) { o.OnIterationUpdated(st.id, updatedIt) })
	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })

	return r.cycle(op)
}

// begin claims st for a new operation. prepare runs under the session lock
// and may reject the operation without changing any state.
func (r *Registry) begin(ctx context.Context, st *state, name string, status Status, prepare func() error) (*operation, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, notFound(st.id)
	}
	if st.busy {
		current := st.status
		st.mu.Unlock()
		return nil, invalidState(st.id, "%s requested while %s", name, current)
	}
	if err := prepare(); err != nil {
		st.mu.Unlock()
		return nil, err
	}

	opCtx, cancel := context.WithCancel(ctx)
	opCtx, span := r.tracer.Start(opCtx, "session."+name, trace.WithAttributes(
		attribute.String("session.id", st.id),
		attribute.Int("session.iterations", len(st.iterations)),
	))

	st.busy = true
	st.cancelled = false
	st.cancel = cancel
	st.status = status
	st.lastErr = ""
	st.updatedAt = r.now()

	op := &operation{
		st:       st,
		ctx:      opCtx,
		cancel:   cancel,
		span:     span,
		prompt:   st.currentPrompt,
		settings: st.settings,
		persona:  st.persona,
		log:      r.log.With().Str("session_id", st.id).Str("op", name).Logger(),
	}
	updated := st.snapshot()
	st.mu.Unlock()

	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	return op, nil
}

func (r *Registry) cycle(op *operation) (*models.Iteration, error) {
	refs, err := r.generate(op)
	if err != nil {
		return nil, r.fail(op, ErrGenerationFailed, StepGenerate, err)
	}
	if !r.advance(op, StatusEvaluating) {
		r.discard(op)(refs)
		return nil, r.abort(op)
	}
	eval, evalErr := r.evaluate(op, refs)
	return r.commit(op, refs, eval, evalErr)
}

func (r *Registry) generate(op *operation) ([]models.ImageRef, error) {
	refs, err := runStep(r, op, StepGenerate, r.timeouts.Generate, r.discard(op), func(ctx context.Context) ([]models.ImageRef, error) {
		return r.providers.Generator.Generate(ctx, &provider.GenerateRequest{
			SessionID: op.st.id,
			Prompt:    op.prompt,
			Settings:  op.settings,
		})
	})
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, errors.New("generator returned no images")
	}
	if len(refs) != op.settings.NumVariants {
		r.discard(op)(refs)
		return nil, fmt.Errorf("generator returned %d images, want %d", len(refs), op.settings.NumVariants)
	}
	return refs, nil
}

func (r *Registry) evaluate(op *operation, refs []models.ImageRef) (*models.Evaluation, error) {
	eval, err := runStep(r, op, StepEvaluate, r.timeouts.Evaluate, nil, func(ctx context.Context) (*models.Evaluation, error) {
		return r.providers.Evaluator.Evaluate(ctx, &provider.EvaluateRequest{
			Prompt:    op.prompt,
			ImageRefs: slices.Clone(refs),
			Persona:   op.persona,
		})
	})
	if err == nil && eval == nil {
		err = errors.New("evaluator returned no result")
	}
	return eval, err
}

// discard returns a cleanup for generated images that will not be appended.
func (r *Registry) discard(op *operation) func([]models.ImageRef) {
	return func(refs []models.ImageRef) {
		if r.images == nil || len(refs) == 0 {
			return
		}
		if err := r.images.Discard(refs); err != nil {
			op.log.Warn().Err(err).Int("images", len(refs)).Msg("failed to discard images")
			return
		}
		op.log.Debug().Int("images", len(refs)).Msg("discarded images")
	}
}

// runStep calls fn under the step timeout. The result is abandoned as soon
// as the deadline passes or the operation is cancelled, even if fn ignores
// its context. A late successful result is handed to abandon, if set.
func runStep[T any](r *Registry, op *operation, step Step, timeout time.Duration, abandon func(T), fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(op.ctx, timeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "session.step."+string(step))
	defer span.End()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
		if abandon != nil {
			go func() {
				if late := <-ch; late.err == nil {
					abandon(late.v)
				}
			}()
		}
	}
	elapsed := time.Since(start)

	outcome := OutcomeOK
	switch {
	case res.err == nil:
	case errors.Is(op.ctx.Err(), context.Canceled):
		outcome = OutcomeCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		res.err = fmt.Errorf("timed out after %s: %w", timeout, res.err)
	default:
		outcome = OutcomeFailed
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}

	r.steps.RecordStep(op.ctx, op.st.id, step, outcome, elapsed)
	op.log.Debug().
		Str("step", string(step)).
		Str("outcome", string(outcome)).
		Dur("elapsed", elapsed).
		Msg("step finished")
	return res.v, res.err
}

// cancelledLocked reports whether Cancel or the caller's context ended the
// operation. st.mu must be held.
func (op *operation) cancelledLocked() bool {
	return op.st.cancelled || errors.Is(op.ctx.Err(), context.Canceled)
}

func (r *Registry) advance(op *operation, status Status) bool {
	st := op.st
	st.mu.Lock()
	if op.cancelledLocked() {
		st.mu.Unlock()
		return false
	}
	st.status = status
	st.updatedAt = r.now()
	updated := st.snapshot()
	st.mu.Unlock()

	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	return true
}

func (r *Registry) release(st *state) {
	st.busy = false
	st.cancel = nil
	st.cancelled = false
	st.updatedAt = r.now()
}

// abort ends a cancelled operation: nothing is appended, the session
// returns to idle and auto-refine is switched off. Cancel has already
// reported the stop when it was the trigger.
func (r *Registry) abort(op *operation) error {
	st := op.st
	st.mu.Lock()
	st.status = StatusIdle
	st.lastErr = ""
	stopped := st.autoRefine
	st.autoRefine = false
	r.release(st)
	updated := st.snapshot()
	st.mu.Unlock()

	op.span.SetStatus(codes.Error, "cancelled")
	op.log.Info().Msg("operation cancelled")
	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	if stopped {
		r.notify(func(o Observer) { o.OnAutoRefineStopped(st.id, StopCancelled) })
	}
	return &PipelineError{Kind: ErrCancelled, SessionID: st.id, Cause: context.Canceled}
}

// fail records a collaborator failure. The session keeps its prompt and
// history and moves to error; auto-refine stops.
func (r *Registry) fail(op *operation, kind error, step Step, cause error) error {
	st := op.st
	st.mu.Lock()
	if op.cancelledLocked() {
		st.mu.Unlock()
		return r.abort(op)
	}
	perr := &PipelineError{Kind: kind, SessionID: st.id, Step: step, Cause: cause}
	st.status = StatusError
	st.lastErr = perr.Error()
	stopped := st.autoRefine
	st.autoRefine = false
	r.release(st)
	updated := st.snapshot()
	st.mu.Unlock()

	op.span.RecordError(perr)
	op.span.SetStatus(codes.Error, perr.Error())
	op.log.Warn().Err(cause).Str("step", string(step)).Msg("pipeline step failed")
	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	if stopped {
		r.notify(func(o Observer) { o.OnAutoRefineStopped(st.id, StopError) })
	}
	return perr
}

// commit appends the iteration for a finished generate+evaluate cycle. A
// failed evaluation still appends, without scores.
func (r *Registry) commit(op *operation, refs []models.ImageRef, eval *models.Evaluation, evalErr error) (*models.Iteration, error) {
	st := op.st
	st.mu.Lock()
	if op.cancelledLocked() {
		st.mu.Unlock()
		r.discard(op)(refs)
		return nil, r.abort(op)
	}

	it := &models.Iteration{
		ID:                  r.newID(),
		Number:              len(st.iterations) + 1,
		PromptUsed:          op.prompt,
		ImageRefs:           slices.Clone(refs),
		RefinementReasoning: st.pendingReasoning,
		Settings:            op.settings,
		CreatedAt:           r.now(),
	}
	st.pendingReasoning = ""

	var perr *PipelineError
	if evalErr != nil {
		perr = &PipelineError{Kind: ErrEvaluationFailed, SessionID: st.id, Step: StepEvaluate, Cause: evalErr}
		it.EvaluationError = evalErr.Error()
		st.lastErr = perr.Error()
	} else {
		it.ApplyEvaluation(eval)
		st.lastErr = ""
	}
	it.Strengths = nonNil(it.Strengths)
	it.Issues = nonNil(it.Issues)
	it.Improvements = nonNil(it.Improvements)

	st.iterations = append(st.iterations, it)
	st.status = StatusIdle
	r.release(st)
	appended, out := it.Clone(), it.Clone()
	updated := st.snapshot()
	st.mu.Unlock()

	ev := op.log.Info().Int("iteration", it.Number).Int("images", len(refs))
	if it.OverallScore != nil {
		ev = ev.Int("overall_score", *it.OverallScore)
	} else {
		ev = ev.Bool("unscored", true)
	}
	ev.Msg("iteration appended")

	// the auto-refiner reacts to the append and may start the next cycle
	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	r.notify(func(o Observer) { o.OnIterationAppended(st.id, appended) })
	if perr != nil {
		op.span.RecordError(perr)
		return out, perr
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
