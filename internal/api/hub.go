package api

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/session"
	"github.com/manash/archrefine/pkg/models"
)

const (
	EventSessionUpdated     = "session.updated"
	EventIterationAppended  = "iteration.appended"
	EventIterationUpdated   = "iteration.updated"
	EventAutoRefineStopped  = "autorefine.stopped"
	EventSessionClosed      = "session.closed"
	EventSessionSnapshot    = "session.snapshot"
	defaultSubscriberBuffer = 64
)

// Event is one message on a session's event stream.
type Event struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	Session   *session.Session   `json:"session,omitempty"`
	Iteration *models.Iteration  `json:"iteration,omitempty"`
	Reason    session.StopReason `json:"reason,omitempty"`
	Accepted  *bool              `json:"accepted,omitempty"`
	At        time.Time          `json:"at"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans registry events out to per-session subscribers. Publishing never
// blocks the pipeline: a subscriber that falls behind loses events.
type Hub struct {
	session.BaseObserver

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	log    zerolog.Logger
	now    func() time.Time
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: defaultSubscriberBuffer,
		log:    log.With().Str("component", "event-hub").Logger(),
		now:    time.Now,
	}
}

// Subscribe returns the event channel for one session and a function that
// ends the subscription. The channel is closed after the session closes.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[sessionID]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
		})
	}
}

func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) publish(ev Event, last bool) {
	ev.At = h.now()

	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[ev.SessionID]
	for sub := range set {
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn().Str("session_id", ev.SessionID).Str("type", ev.Type).Msg("subscriber too slow, event dropped")
		}
		if last {
			close(sub.ch)
		}
	}
	if last {
		delete(h.subs, ev.SessionID)
	}
}

func (h *Hub) OnSessionUpdated(s *session.Session) {
	h.publish(Event{Type: EventSessionUpdated, SessionID: s.ID, Session: s}, false)
}

func (h *Hub) OnIterationAppended(sessionID string, it *models.Iteration) {
	h.publish(Event{Type: EventIterationAppended, SessionID: sessionID, Iteration: it}, false)
}

func (h *Hub) OnIterationUpdated(sessionID string, it *models.Iteration) {
	h.publish(Event{Type: EventIterationUpdated, SessionID: sessionID, Iteration: it}, false)
}

func (h *Hub) OnAutoRefineStopped(sessionID string, reason session.StopReason) {
	h.publish(Event{Type: EventAutoRefineStopped, SessionID: sessionID, Reason: reason}, false)
}

func (h *Hub) OnSessionClosed(s *session.Session, accepted bool) {
	h.publish(Event{Type: EventSessionClosed, SessionID: s.ID, Session: s, Accepted: &accepted}, true)
}
