package models

import (
	"slices"
	"time"
)

// ImageRef is an opaque locator for one generated image.
type ImageRef string

type Iteration struct {
	ID                  string             `json:"id"`
	Number              int                `json:"iteration_number"`
	PromptUsed          string             `json:"prompt_used"`
	ImageRefs           []ImageRef         `json:"image_refs"`
	Scores              *EvaluationScores  `json:"scores,omitempty"`
	OverallScore        *int               `json:"overall_score,omitempty"`
	Strengths           []string           `json:"strengths"`
	Issues              []string           `json:"issues"`
	Improvements        []string           `json:"improvements"`
	EvaluationError     string             `json:"evaluation_error,omitempty"`
	UserFeedback        *string            `json:"user_feedback,omitempty"`
	UserScore           *int               `json:"user_score,omitempty"`
	RefinementReasoning string             `json:"refinement_reasoning,omitempty"`
	Settings            GenerationSettings `json:"settings_used"`
	CreatedAt           time.Time          `json:"created_at"`
}

// ApplyEvaluation copies the judge's verdict onto the iteration, keeping the
// overall score derived from the component scores.
func (it *Iteration) ApplyEvaluation(eval *Evaluation) {
	if eval == nil {
		it.Scores = nil
		it.OverallScore = nil
		return
	}
	if eval.Scores != nil {
		scores := eval.Scores.Clamp()
		it.Scores = &scores
		overall := scores.Overall()
		it.OverallScore = &overall
	}
	it.Strengths = slices.Clone(eval.Strengths)
	it.Issues = slices.Clone(eval.Issues)
	it.Improvements = slices.Clone(eval.Improvements)
}

// ImageRef returns the first image reference, which is the only one when a
// single variant was requested.
func (it *Iteration) ImageRef() ImageRef {
	if len(it.ImageRefs) == 0 {
		return ""
	}
	return it.ImageRefs[0]
}

func (it *Iteration) Scored() bool {
	return it.OverallScore != nil
}

// Clone returns a deep copy safe to hand to callers outside the session.
func (it *Iteration) Clone() *Iteration {
	if it == nil {
		return nil
	}
	c := *it
	c.ImageRefs = slices.Clone(it.ImageRefs)
	c.Strengths = slices.Clone(it.Strengths)
	c.Issues = slices.Clone(it.Issues)
	c.Improvements = slices.Clone(it.Improvements)
	if it.Scores != nil {
		s := *it.Scores
		c.Scores = &s
	}
	if it.OverallScore != nil {
		v := *it.OverallScore
		c.OverallScore = &v
	}
	if it.UserFeedback != nil {
		v := *it.UserFeedback
		c.UserFeedback = &v
	}
	if it.UserScore != nil {
		v := *it.UserScore
		c.UserScore = &v
	}
	return &c
}

// Rewrite is the prompt rewriter's answer.
type Rewrite struct {
	Prompt    string `json:"prompt"`
	Reasoning string `json:"reasoning"`
}

// Persona is an evaluation stance passed through to the judge untouched.
type Persona string
