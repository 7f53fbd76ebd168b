package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/internal/session"
	"github.com/manash/archrefine/pkg/models"
)

type testAPI struct {
	server   *Server
	registry *session.Registry
	hub      *Hub
	score    *atomic.Int64
}

func newTestAPI(t *testing.T, withHistory bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	score := &atomic.Int64{}
	score.Store(6)
	providers := provider.Set{
		Generator: provider.GeneratorFunc(func(_ context.Context, req *provider.GenerateRequest) ([]models.ImageRef, error) {
			refs := make([]models.ImageRef, req.Settings.NumVariants)
			for i := range refs {
				refs[i] = models.ImageRef("/images/" + req.SessionID + ".png")
			}
			return refs, nil
		}),
		Evaluator: provider.EvaluatorFunc(func(context.Context, *provider.EvaluateRequest) (*models.Evaluation, error) {
			v := int(score.Load())
			if v < 0 {
				return nil, errors.New("judge unavailable")
			}
			s := models.Uniform(v)
			return &models.Evaluation{Scores: &s, Improvements: []string{"add legend"}}, nil
		}),
		Rewriter: provider.RewriterFunc(func(_ context.Context, req *provider.RewriteRequest) (*models.Rewrite, error) {
			return &models.Rewrite{Prompt: req.PriorPrompt + " v2", Reasoning: req.Feedback}, nil
		}),
	}

	log := zerolog.Nop()
	hub := NewHub(log)
	opts := []session.Option{session.WithObserver(hub)}

	var history HistoryStore
	if withHistory {
		store, err := session.NewStore(filepath.Join(t.TempDir(), "runs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		opts = append(opts, session.WithObserver(session.NewRecorder(store, log)))
		history = store
	}

	registry, err := session.NewRegistry(providers, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	handler := NewHandler(registry, history, hub, log)
	return &testAPI{
		server:   New(Config{Addr: ":0"}, handler, NewHTTPMetrics(), log),
		registry: registry,
		hub:      hub,
		score:    score,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (a *testAPI) createSession(t *testing.T, body map[string]any) *session.Session {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*session.Session](t, w)
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t, false)
	sess := a.createSession(t, map[string]any{"prompt": "diagram A", "settings": map[string]any{"num_variants": 2}})
	assert.Equal(t, "diagram A", sess.CurrentPrompt)
	assert.Equal(t, 2, sess.Settings.NumVariants)
	base := "/api/v1/sessions/" + sess.ID

	w := a.do(t, http.MethodPost, base+"/generate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	it := decode[*models.Iteration](t, w)
	assert.Equal(t, 1, it.Number)
	assert.Len(t, it.ImageRefs, 2)
	assert.Equal(t, 6, *it.OverallScore)

	w = a.do(t, http.MethodPost, base+"/refine", map[string]any{"feedback": "make the database bigger", "score_override": 4})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	it = decode[*models.Iteration](t, w)
	assert.Equal(t, 2, it.Number)
	assert.Equal(t, "diagram A v2", it.PromptUsed)
	assert.Equal(t, "make the database bigger", it.RefinementReasoning)

	w = a.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[*session.Session](t, w)
	assert.Equal(t, 2, got.IterationCount)
	assert.Equal(t, session.StatusIdle, got.Status)
	require.NotNil(t, got.Iterations[0].UserScore)
	assert.Equal(t, 4, *got.Iterations[0].UserScore)

	w = a.do(t, http.MethodPut, base+"/prompt", map[string]any{"prompt": "diagram B"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "diagram B", decode[*session.Session](t, w).CurrentPrompt)

	w = a.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[listSessionsResponse](t, w).Total)

	w = a.do(t, http.MethodPost, base+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[*session.Session](t, w).IterationCount)

	w = a.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[errorResponse](t, w).Code)
}

func TestErrorMapping(t *testing.T) {
	a := newTestAPI(t, false)
	sess := a.createSession(t, map[string]any{"prompt": "p"})
	base := "/api/v1/sessions/" + sess.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing prompt", http.MethodPost, "/api/v1/sessions", map[string]any{}, http.StatusBadRequest, "invalid_request"},
		{"target out of range", http.MethodPost, "/api/v1/sessions", map[string]any{"prompt": "p", "target_score": 11}, http.StatusBadRequest, "invalid_argument"},
		{"refine before generate", http.MethodPost, base + "/refine", map[string]any{"feedback": "x"}, http.StatusConflict, "invalid_state"},
		{"bad score override", http.MethodPost, base + "/refine", map[string]any{"score_override": 12}, http.StatusBadRequest, "invalid_argument"},
		{"unknown session", http.MethodPost, "/api/v1/sessions/nope/generate", nil, http.StatusNotFound, "not_found"},
		{"bad settings", http.MethodPost, base + "/generate", map[string]any{"settings": map[string]any{"image_size": "8K"}}, http.StatusBadRequest, "invalid_argument"},
		{"auto-refine without enabled", http.MethodPut, base + "/auto-refine", map[string]any{}, http.StatusBadRequest, "invalid_request"},
		{"empty prompt update", http.MethodPut, base + "/prompt", map[string]any{"prompt": " "}, http.StatusBadRequest, "invalid_argument"},
		{"history disabled", http.MethodGet, "/api/v1/history/sessions", nil, http.StatusServiceUnavailable, "history_disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[errorResponse](t, w).Code)
		})
	}
}

func TestEvaluationFailureReturnsIteration(t *testing.T) {
	a := newTestAPI(t, false)
	a.score.Store(-1)
	sess := a.createSession(t, map[string]any{"prompt": "p"})

	w := a.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/generate", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	resp := decode[errorResponse](t, w)
	assert.Equal(t, "evaluation_failed", resp.Code)
	require.NotNil(t, resp.Iteration)
	assert.Equal(t, 1, resp.Iteration.Number)
	assert.Nil(t, resp.Iteration.OverallScore)
}

func TestAutoRefineAndCancel(t *testing.T) {
	a := newTestAPI(t, false)
	sess := a.createSession(t, map[string]any{"prompt": "p"})
	base := "/api/v1/sessions/" + sess.ID

	w := a.do(t, http.MethodPut, base+"/auto-refine", map[string]any{"enabled": true, "target_score": 5, "max_iterations": 4})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[*session.Session](t, w)
	assert.True(t, got.AutoRefine)
	assert.Equal(t, 5, got.TargetScore)
	assert.Equal(t, 4, got.MaxIterations)

	// score 6 meets target 5, so the first iteration ends the loop
	w = a.do(t, http.MethodPost, base+"/generate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodGet, base, nil)
	got = decode[*session.Session](t, w)
	assert.False(t, got.AutoRefine)
	assert.Equal(t, 1, got.IterationCount)

	w = a.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = a.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistory(t *testing.T) {
	a := newTestAPI(t, true)
	sess := a.createSession(t, map[string]any{"prompt": "history"})
	base := "/api/v1/sessions/" + sess.ID

	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, base+"/generate", nil).Code)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, base+"/accept", nil).Code)

	w := a.do(t, http.MethodGet, "/api/v1/history/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[historySessionsResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.True(t, list.Sessions[0].Accepted)
	assert.Equal(t, 1, list.Sessions[0].IterationCount)

	w = a.do(t, http.MethodGet, "/api/v1/history/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	detail := decode[historySessionResponse](t, w)
	require.Len(t, detail.Iterations, 1)
	assert.Equal(t, "history", detail.Iterations[0].PromptUsed)

	w = a.do(t, http.MethodGet, "/api/v1/history/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t, false)
	a.createSession(t, map[string]any{"prompt": "p"})

	w := a.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(1), health["sessions"])

	w = a.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "archrefine_http_requests_total")
	assert.Contains(t, body, `endpoint="/api/v1/sessions"`)
}

func TestStreamEvents(t *testing.T) {
	a := newTestAPI(t, false)
	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()

	sess := a.createSession(t, map[string]any{"prompt": "streamed"})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sess.ID + "/events"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	read := func() Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	first := read()
	assert.Equal(t, EventSessionSnapshot, first.Type)
	require.NotNil(t, first.Session)
	assert.Equal(t, "streamed", first.Session.CurrentPrompt)

	_, err = a.registry.RunGenerateEvaluate(context.Background(), sess.ID, nil)
	require.NoError(t, err)

	var appended *Event
	for appended == nil {
		ev := read()
		assert.Equal(t, sess.ID, ev.SessionID)
		if ev.Type == EventIterationAppended {
			appended = &ev
		}
	}
	require.NotNil(t, appended.Iteration)
	assert.Equal(t, 1, appended.Iteration.Number)

	require.NoError(t, a.registry.Close(sess.ID))
	var closed *Event
	for closed == nil {
		ev := read()
		if ev.Type == EventSessionClosed {
			closed = &ev
		}
	}
	require.NotNil(t, closed.Accepted)
	assert.False(t, *closed.Accepted)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamEventsUnknownSession(t *testing.T) {
	a := newTestAPI(t, false)
	srv := httptest.NewServer(a.server.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/missing/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Eventually(t, func() bool { return a.hub.Subscribers("missing") == 0 }, time.Second, 10*time.Millisecond)
}

func TestStreamEventsOrigin(t *testing.T) {
	a := newTestAPI(t, false)
	sess := a.createSession(t, map[string]any{"prompt": "p"})

	sameOrigin := httptest.NewServer(a.server.Handler())
	defer sameOrigin.Close()

	listed := New(Config{Addr: ":0", AllowedOrigins: []string{" https://ui.example/ "}},
		NewHandler(a.registry, nil, a.hub, zerolog.Nop()), nil, zerolog.Nop())
	withList := httptest.NewServer(listed.Handler())
	defer withList.Close()

	tests := []struct {
		name   string
		srv    *httptest.Server
		origin string
		ok     bool
	}{
		{"no origin header", sameOrigin, "", true},
		{"same origin", sameOrigin, sameOrigin.URL, true},
		{"cross origin rejected by default", sameOrigin, "http://evil.example", false},
		{"listed origin", withList, "https://UI.example", true},
		{"same origin with list", withList, withList.URL, true},
		{"unlisted origin", withList, "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			wsURL := "ws" + strings.TrimPrefix(tt.srv.URL, "http") + "/api/v1/sessions/" + sess.ID + "/events"
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if resp != nil {
				defer resp.Body.Close()
			}
			if !tt.ok {
				require.Error(t, err)
				require.NotNil(t, resp)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}

func TestNewUpgrader_Wildcard(t *testing.T) {
	u := newUpgrader([]string{"https://ui.example", "*"})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s/events", nil)
	req.Header.Set("Origin", "http://anywhere.example")
	require.NotNil(t, u.CheckOrigin)
	assert.True(t, u.CheckOrigin(req))
}
