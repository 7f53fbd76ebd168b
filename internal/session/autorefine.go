package session

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/pkg/models"
)

// autoRefiner drives refine cycles for sessions with auto-refine enabled.
// It reacts to appended iterations only, so a cycle can never start while
// another operation owns the session.
type autoRefiner struct {
	BaseObserver
	r   *Registry
	log zerolog.Logger
}

func newAutoRefiner(r *Registry) *autoRefiner {
	return &autoRefiner{
		r:   r,
		log: r.log.With().Str("component", "auto-refine").Logger(),
	}
}

func (a *autoRefiner) OnIterationAppended(sessionID string, _ *models.Iteration) {
	a.evaluate(sessionID)
}

type decision struct {
	stop     bool
	reason   StopReason
	feedback string
	score    int
}

func decide(count, maxIterations, target int, latest *models.Iteration) decision {
	if count >= maxIterations {
		return decision{stop: true, reason: StopMaxIterations}
	}
	if latest.OverallScore == nil {
		return decision{stop: true, reason: StopUnscored}
	}
	if *latest.OverallScore >= target {
		return decision{stop: true, reason: StopTargetReached}
	}
	return decision{
		feedback: strings.Join(latest.Improvements, "; "),
		score:    *latest.OverallScore,
	}
}

// evaluate runs one controller decision for the session. A continue
// decision schedules the next refine in the background.
func (a *autoRefiner) evaluate(id string) {
	st, err := a.r.lookup(id)
	if err != nil {
		return
	}

	st.mu.Lock()
	latest := st.latest()
	if !st.autoRefine || st.busy || st.closed || latest == nil {
		st.mu.Unlock()
		return
	}
	d := decide(len(st.iterations), st.maxIterations, st.targetScore, latest)
	expect := latest.Number
	if d.stop {
		st.autoRefine = false
		st.updatedAt = a.r.now()
		updated := st.snapshot()
		st.mu.Unlock()

		a.log.Info().
			Str("session_id", id).
			Str("reason", string(d.reason)).
			Int("iterations", updated.IterationCount).
			Msg("auto-refine stopped")
		a.r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
		a.r.notify(func(o Observer) { o.OnAutoRefineStopped(id, d.reason) })
		return
	}
	st.mu.Unlock()

	a.log.Debug().Str("session_id", id).Int("after", expect).Int("score", d.score).Msg("auto-refine continuing")
	score := d.score
	ok := a.r.goBackground(func(ctx context.Context) {
		_, err := a.r.refine(ctx, id, RefineRequest{Feedback: d.feedback, ScoreOverride: &score}, expect)
		switch {
		case err == nil:
		case errors.Is(err, errAutoSkipped), errors.Is(err, ErrInvalidState),
			errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrCancelled):
			a.log.Debug().Err(err).Str("session_id", id).Msg("auto-refine cycle skipped")
		case errors.Is(err, ErrEvaluationFailed):
			// the unscored iteration stops the loop on its own
		default:
			a.log.Warn().Err(err).Str("session_id", id).Msg("auto-refine cycle failed")
		}
	})
	if !ok {
		a.log.Debug().Str("session_id", id).Msg("registry shutting down, auto-refine not scheduled")
	}
}
