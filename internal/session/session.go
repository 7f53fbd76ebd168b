package session

import (
	"context"
	"sync"
	"time"

	"github.com/manash/archrefine/pkg/models"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusEvaluating Status = "evaluating"
	StatusRefining   Status = "refining"
	StatusError      Status = "error"
)

// Session is a point-in-time copy of a refinement session. Mutating it has
// no effect on the registry.
type Session struct {
	ID             string                    `json:"session_id"`
	OriginalPrompt string                    `json:"original_prompt"`
	CurrentPrompt  string                    `json:"current_prompt"`
	Status         Status                    `json:"status"`
	Error          string                    `json:"error,omitempty"`
	Iterations     []*models.Iteration       `json:"iterations"`
	IterationCount int                       `json:"iteration_count"`
	AutoRefine     bool                      `json:"auto_refine"`
	TargetScore    int                       `json:"target_score"`
	MaxIterations  int                       `json:"max_iterations"`
	Persona        models.Persona            `json:"persona,omitempty"`
	Settings       models.GenerationSettings `json:"settings"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// Latest returns the most recent iteration or nil.
func (s *Session) Latest() *models.Iteration {
	if len(s.Iterations) == 0 {
		return nil
	}
	return s.Iterations[len(s.Iterations)-1]
}

// state is the registry's private record for one session. Every field is
// guarded by mu; busy is set for exactly as long as one operation owns the
// session.
type state struct {
	mu sync.Mutex

	id             string
	originalPrompt string
	currentPrompt  string
	status         Status
	lastErr        string
	iterations     []*models.Iteration
	autoRefine     bool
	targetScore    int
	maxIterations  int
	persona        models.Persona
	settings       models.GenerationSettings
	createdAt      time.Time
	updatedAt      time.Time

	// reasoning from a successful rewrite, attached to the next iteration
	pendingReasoning string

	busy      bool
	cancel    context.CancelFunc
	cancelled bool
	closed    bool
}

// snapshot must be called with mu held.
func (st *state) snapshot() *Session {
	iterations := make([]*models.Iteration, len(st.iterations))
	for i, it := range st.iterations {
		iterations[i] = it.Clone()
	}
	return &Session{
		ID:             st.id,
		OriginalPrompt: st.originalPrompt,
		CurrentPrompt:  st.currentPrompt,
		Status:         st.status,
		Error:          st.lastErr,
		Iterations:     iterations,
		IterationCount: len(iterations),
		AutoRefine:     st.autoRefine,
		TargetScore:    st.targetScore,
		MaxIterations:  st.maxIterations,
		Persona:        st.persona,
		Settings:       st.settings,
		CreatedAt:      st.createdAt,
		UpdatedAt:      st.updatedAt,
	}
}

func (st *state) latest() *models.Iteration {
	if len(st.iterations) == 0 {
		return nil
	}
	return st.iterations[len(st.iterations)-1]
}
