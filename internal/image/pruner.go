package image

import (
	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/session"
)

// Pruner deletes the images of sessions that are closed without being
// accepted. Accepted sessions keep their images.
type Pruner struct {
	session.BaseObserver

	saver *Saver
	log   zerolog.Logger
}

func NewPruner(saver *Saver, log zerolog.Logger) *Pruner {
	return &Pruner{
		saver: saver,
		log:   log.With().Str("component", "image-pruner").Logger(),
	}
}

func (p *Pruner) OnSessionClosed(s *session.Session, accepted bool) {
	if accepted {
		return
	}
	if err := p.saver.RemoveSession(s.ID); err != nil {
		p.log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to remove discarded images")
		return
	}
	p.log.Debug().Str("session_id", s.ID).Msg("removed discarded images")
}
