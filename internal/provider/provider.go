package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/manash/archrefine/pkg/models"
)

var (
	ErrAPIKeyRequired   = errors.New("API key is required")
	ErrGenerationFailed = errors.New("image generation failed")
	ErrEvaluationFailed = errors.New("evaluation failed")
	ErrRewriteFailed    = errors.New("prompt rewrite failed")
	ErrCircuitOpen      = errors.New("collaborator circuit open")
	ErrMissingProvider  = errors.New("collaborator not configured")
)

// Generator produces one image reference per requested variant.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) ([]models.ImageRef, error)
}

// Evaluator scores a set of images against the diagram rubric.
type Evaluator interface {
	Evaluate(ctx context.Context, req *EvaluateRequest) (*models.Evaluation, error)
}

// Rewriter turns an iteration plus feedback into the next prompt.
type Rewriter interface {
	Rewrite(ctx context.Context, req *RewriteRequest) (*models.Rewrite, error)
}

type GenerateRequest struct {
	SessionID string
	Prompt    string
	Settings  models.GenerationSettings
}

type EvaluateRequest struct {
	Prompt    string
	ImageRefs []models.ImageRef
	Persona   models.Persona
}

type RewriteRequest struct {
	PriorPrompt    string
	PriorIteration *models.Iteration
	Feedback       string
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	TimeoutSec int
	Verbose    bool
}

// Set bundles the three collaborators a registry drives.
type Set struct {
	Generator Generator
	Evaluator Evaluator
	Rewriter  Rewriter
}

func (s Set) Validate() error {
	switch {
	case s.Generator == nil:
		return fmt.Errorf("%w: generator", ErrMissingProvider)
	case s.Evaluator == nil:
		return fmt.Errorf("%w: evaluator", ErrMissingProvider)
	case s.Rewriter == nil:
		return fmt.Errorf("%w: rewriter", ErrMissingProvider)
	}
	return nil
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req *GenerateRequest) ([]models.ImageRef, error)

func (f GeneratorFunc) Generate(ctx context.Context, req *GenerateRequest) ([]models.ImageRef, error) {
	return f(ctx, req)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, req *EvaluateRequest) (*models.Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, req *EvaluateRequest) (*models.Evaluation, error) {
	return f(ctx, req)
}

// RewriterFunc adapts a function to Rewriter.
type RewriterFunc func(ctx context.Context, req *RewriteRequest) (*models.Rewrite, error)

func (f RewriterFunc) Rewrite(ctx context.Context, req *RewriteRequest) (*models.Rewrite, error) {
	return f(ctx, req)
}
