package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/pkg/models"
)

const defaultRecordTimeout = 5 * time.Second

// Recorder tracks every session transition in a Store. Store failures are
// logged and never reach the pipeline.
type Recorder struct {
	BaseObserver
	store   *Store
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(store *Store, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		log:     log.With().Str("component", "store-recorder").Logger(),
		timeout: defaultRecordTimeout,
		now:     time.Now,
	}
}

func (r *Recorder) OnSessionCreated(s *Session) {
	r.record("save session", s.ID, func(ctx context.Context) error {
		return r.store.SaveSession(ctx, s)
	})
}

func (r *Recorder) OnSessionUpdated(s *Session) {
	r.record("update session", s.ID, func(ctx context.Context) error {
		return r.store.SaveSession(ctx, s)
	})
}

func (r *Recorder) OnIterationAppended(sessionID string, it *models.Iteration) {
	r.record("save iteration", sessionID, func(ctx context.Context) error {
		return r.store.SaveIteration(ctx, sessionID, it)
	})
}

func (r *Recorder) OnIterationUpdated(sessionID string, it *models.Iteration) {
	r.record("update iteration", sessionID, func(ctx context.Context) error {
		return r.store.SaveIteration(ctx, sessionID, it)
	})
}

func (r *Recorder) OnSessionClosed(s *Session, accepted bool) {
	r.record("close session", s.ID, func(ctx context.Context) error {
		if err := r.store.SaveSession(ctx, s); err != nil {
			return err
		}
		return r.store.MarkClosed(ctx, s.ID, accepted, r.now())
	})
}

func (r *Recorder) record(action, sessionID string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID).Str("action", action).Msg("failed to record session")
	}
}
