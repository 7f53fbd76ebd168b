package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/pkg/models"
)

const (
	DefaultTargetScore   = 8
	DefaultMaxIterations = 10
)

// Timeouts bound each collaborator call. Exceeding one is reported as a
// failure of that step.
type Timeouts struct {
	Generate time.Duration
	Evaluate time.Duration
	Refine   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Generate: 180 * time.Second,
		Evaluate: 90 * time.Second,
		Refine:   60 * time.Second,
	}
}

// Defaults seed new sessions that do not specify their own values.
type Defaults struct {
	TargetScore   int
	MaxIterations int
	Settings      models.GenerationSettings
}

// Registry owns every live session and routes operations to them. At most
// one pipeline operation runs per session; sessions never block each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*state

	obsMu     sync.RWMutex
	observers []Observer

	providers provider.Set
	images    ImageDiscarder
	steps     StepRecorder
	timeouts  Timeouts
	defaults  Defaults
	log       zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	newID     func() string

	auto *autoRefiner

	bgMu     sync.Mutex
	bgClosed bool
	bgWG     sync.WaitGroup
	baseCtx  context.Context
	stop     context.CancelFunc
}

type Option func(*Registry)

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithTimeouts overrides the non-zero fields of t.
func WithTimeouts(t Timeouts) Option {
	return func(r *Registry) {
		if t.Generate > 0 {
			r.timeouts.Generate = t.Generate
		}
		if t.Evaluate > 0 {
			r.timeouts.Evaluate = t.Evaluate
		}
		if t.Refine > 0 {
			r.timeouts.Refine = t.Refine
		}
	}
}

func WithStepRecorder(s StepRecorder) Option {
	return func(r *Registry) {
		if s != nil {
			r.steps = s
		}
	}
}

// WithImageDiscarder deletes images from generations that never become an
// iteration.
func WithImageDiscarder(d ImageDiscarder) Option {
	return func(r *Registry) { r.images = d }
}

func WithDefaults(d Defaults) Option {
	return func(r *Registry) { r.defaults = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

func NewRegistry(providers provider.Set, opts ...Option) (*Registry, error) {
	if err := providers.Validate(); err != nil {
		return nil, err
	}

	ctx, stop := context.WithCancel(context.Background())
	r := &Registry{
		sessions:  make(map[string]*state),
		providers: providers,
		steps:     noopRecorder{},
		timeouts:  DefaultTimeouts(),
		defaults: Defaults{
			TargetScore:   DefaultTargetScore,
			MaxIterations: DefaultMaxIterations,
			Settings:      models.DefaultSettings(),
		},
		log:     zerolog.Nop(),
		tracer:  otel.Tracer("github.com/manash/archrefine/internal/session"),
		now:     time.Now,
		newID:   uuid.NewString,
		baseCtx: ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.defaults.Settings.Validate(); err != nil {
		stop()
		return nil, fmt.Errorf("default settings: %w", err)
	}
	if _, _, err := limits(nil, nil, r.defaults.TargetScore, r.defaults.MaxIterations); err != nil {
		stop()
		return nil, fmt.Errorf("defaults: %w", err)
	}

	r.log = r.log.With().Str("component", "registry").Logger()
	r.auto = newAutoRefiner(r)
	r.observers = append(r.observers, r.auto)
	return r, nil
}

// Subscribe adds an observer for all sessions.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) notify(fn func(Observer)) {
	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

type CreateRequest struct {
	Prompt        string
	AutoRefine    bool
	TargetScore   *int
	MaxIterations *int
	Settings      *models.GenerationSettings
	Persona       models.Persona
}

func (r *Registry) Create(req CreateRequest) (*Session, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, invalidArgument(models.ErrEmptyPrompt)
	}
	target, maxIter, err := limits(req.TargetScore, req.MaxIterations, r.defaults.TargetScore, r.defaults.MaxIterations)
	if err != nil {
		return nil, err
	}
	settings := r.defaults.Settings.Merge(req.Settings)
	if err := settings.Validate(); err != nil {
		return nil, invalidArgument(err)
	}

	now := r.now()
	st := &state{
		id:             r.newID(),
		originalPrompt: prompt,
		currentPrompt:  prompt,
		status:         StatusIdle,
		iterations:     []*models.Iteration{},
		autoRefine:     req.AutoRefine,
		targetScore:    target,
		maxIterations:  maxIter,
		persona:        req.Persona,
		settings:       settings,
		createdAt:      now,
		updatedAt:      now,
	}
	created, out := st.snapshot(), st.snapshot()

	r.mu.Lock()
	r.sessions[st.id] = st
	r.mu.Unlock()

	r.log.Info().
		Str("session_id", st.id).
		Bool("auto_refine", st.autoRefine).
		Int("target_score", target).
		Int("max_iterations", maxIter).
		Msg("session created")
	r.notify(func(o Observer) { o.OnSessionCreated(created) })
	return out, nil
}

func (r *Registry) lookup(id string) (*state, error) {
	r.mu.RLock()
	st, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return st, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	st, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(), nil
}

// List returns every live session ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	states := make([]*state, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	out := make([]*Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.snapshot())
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close removes a session without keeping it as a result.
func (r *Registry) Close(id string) error {
	_, err := r.remove(id, false)
	return err
}

// Accept marks a session as done and returns its final state.
func (r *Registry) Accept(id string) (*Session, error) {
	return r.remove(id, true)
}

func (r *Registry) remove(id string, accepted bool) (*Session, error) {
	r.mu.Lock()
	st, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil, notFound(id)
	}
	st.mu.Lock()
	if st.busy {
		status := st.status
		st.mu.Unlock()
		r.mu.Unlock()
		return nil, invalidState(id, "cannot close while %s", status)
	}
	st.closed = true
	st.autoRefine = false
	st.updatedAt = r.now()
	closed, out := st.snapshot(), st.snapshot()
	st.mu.Unlock()
	delete(r.sessions, id)
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Bool("accepted", accepted).Int("iterations", out.IterationCount).Msg("session closed")
	r.notify(func(o Observer) { o.OnSessionClosed(closed, accepted) })
	return out, nil
}

// UpdatePrompt replaces the current prompt without creating an iteration.
func (r *Registry) UpdatePrompt(id, prompt string) (*Session, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, invalidArgument(models.ErrEmptyPrompt)
	}
	st, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.busy || st.status != StatusIdle {
		status := st.status
		st.mu.Unlock()
		return nil, invalidState(id, "prompt can only be updated while idle, status is %s", status)
	}
	st.currentPrompt = prompt
	st.pendingReasoning = ""
	st.updatedAt = r.now()
	updated, out := st.snapshot(), st.snapshot()
	st.mu.Unlock()

	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	return out, nil
}

type AutoRefineRequest struct {
	Enabled       bool
	TargetScore   *int
	MaxIterations *int
}

// SetAutoRefine toggles the auto-refine controller. Disabling takes effect
// before the next cycle; a cycle already in flight runs to completion.
func (r *Registry) SetAutoRefine(id string, req AutoRefineRequest) (*Session, error) {
	st, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	target, maxIter, err := limits(req.TargetScore, req.MaxIterations, st.targetScore, st.maxIterations)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	wasOn := st.autoRefine
	st.autoRefine = req.Enabled
	st.targetScore = target
	st.maxIterations = maxIter
	st.updatedAt = r.now()
	kick := req.Enabled && !st.busy && len(st.iterations) > 0
	updated, out := st.snapshot(), st.snapshot()
	st.mu.Unlock()

	r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
	if wasOn && !req.Enabled {
		r.notify(func(o Observer) { o.OnAutoRefineStopped(id, StopDisabled) })
	}
	if kick {
		r.auto.evaluate(id)
	}
	return out, nil
}

// Cancel aborts the operation in flight, if any, and disables auto-refine.
// It is safe to call at any time.
func (r *Registry) Cancel(id string) error {
	st, err := r.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	wasAuto := st.autoRefine
	st.autoRefine = false
	inFlight := st.busy
	if inFlight {
		st.cancelled = true
		if st.cancel != nil {
			st.cancel()
		}
	}
	var updated *Session
	if wasAuto {
		st.updatedAt = r.now()
		updated = st.snapshot()
	}
	st.mu.Unlock()

	r.log.Info().Str("session_id", id).Bool("in_flight", inFlight).Bool("auto_refine", wasAuto).Msg("cancel requested")
	if wasAuto {
		r.notify(func(o Observer) { o.OnSessionUpdated(updated) })
		r.notify(func(o Observer) { o.OnAutoRefineStopped(id, StopCancelled) })
	}
	return nil
}

// Shutdown stops background auto-refine work and waits for it to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.bgMu.Lock()
	r.bgClosed = true
	r.bgMu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) goBackground(fn func(ctx context.Context)) bool {
	r.bgMu.Lock()
	if r.bgClosed {
		r.bgMu.Unlock()
		return false
	}
	r.bgWG.Add(1)
	r.bgMu.Unlock()

	go func() {
		defer r.bgWG.Done()
		fn(r.baseCtx)
	}()
	return true
}

func limits(target, maxIter *int, defTarget, defMax int) (int, int, error) {
	t, m := defTarget, defMax
	if target != nil {
		t = *target
	}
	if maxIter != nil {
		m = *maxIter
	}
	if t < models.MinScore || t > models.MaxScore {
		return 0, 0, invalidArgument(fmt.Errorf("target score %d outside [%d, %d]", t, models.MinScore, models.MaxScore))
	}
	if m < 1 {
		return 0, 0, invalidArgument(fmt.Errorf("max iterations %d must be at least 1", m))
	}
	return t, m, nil
}
