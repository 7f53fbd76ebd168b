package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var wsTracer = otel.Tracer("github.com/manash/archrefine/internal/api")

// newUpgrader accepts same-origin requests plus the listed origins. "*"
// accepts any origin. Requests without an Origin header are not browsers
// and always pass.
func newUpgrader(allowed []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	if len(allowed) == 0 {
		// nil CheckOrigin rejects cross-origin requests
		return u
	}

	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			u.CheckOrigin = func(*http.Request) bool { return true }
			return u
		}
		if o != "" {
			origins[o] = true
		}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origins[strings.ToLower(origin)] {
			return true
		}
		parsed, err := url.Parse(origin)
		return err == nil && strings.EqualFold(parsed.Host, r.Host)
	}
	return u
}

// StreamEvents upgrades to a websocket and streams one session's events,
// starting with a snapshot of its current state. The stream ends when the
// session closes or the client goes away.
func (h *Handler) StreamEvents(c *gin.Context) {
	ctx, span := wsTracer.Start(c.Request.Context(), "api.stream_events")
	defer span.End()

	id := c.Param("id")
	span.SetAttributes(attribute.String("session.id", id))

	// subscribe before the snapshot so no transition falls between them
	events, unsubscribe := h.hub.Subscribe(id)
	defer unsubscribe()

	snapshot, err := h.registry.Get(id)
	if err != nil {
		h.abort(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		h.log.Warn().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := h.log.With().Str("session_id", id).Logger()
	log.Debug().Msg("event stream opened")

	// the client never sends anything meaningful; reading detects disconnects
	// and services pong frames
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(ev Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev)
	}
	if err := write(Event{Type: EventSessionSnapshot, SessionID: id, Session: snapshot, At: time.Now()}); err != nil {
		span.RecordError(err)
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				log.Debug().Msg("event stream finished")
				return
			}
			if err := write(ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					span.RecordError(err)
					log.Debug().Err(err).Msg("event stream write failed")
				}
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			log.Debug().Msg("event stream client disconnected")
			return
		case <-ctx.Done():
			return
		}
	}
}
