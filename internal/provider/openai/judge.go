package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/pkg/models"
)

const defaultJudgeModel = "gpt-4o"

const rubricSchema = `{
  "type": "object",
  "properties": {
    "scores": {
      "type": "object",
      "properties": {
        "information_hierarchy": {"type": "integer"},
        "technical_accuracy": {"type": "integer"},
        "logo_fidelity": {"type": "integer"},
        "visual_clarity": {"type": "integer"},
        "data_flow_legibility": {"type": "integer"},
        "text_readability": {"type": "integer"}
      },
      "required": ["information_hierarchy", "technical_accuracy", "logo_fidelity",
                   "visual_clarity", "data_flow_legibility", "text_readability"],
      "additionalProperties": false
    },
    "strengths": {"type": "array", "items": {"type": "string"}},
    "issues": {"type": "array", "items": {"type": "string"}},
    "improvements": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["scores", "strengths", "issues", "improvements"],
  "additionalProperties": false
}`

const rubricPrompt = `You are judging an AI-generated architecture diagram.

The diagram was generated from this prompt:
"""
%s
"""

Score each dimension from 0 (unusable) to 10 (publication ready):
- information_hierarchy: the most important components stand out and grouping is logical
- technical_accuracy: components, protocols and connections match the prompt
- logo_fidelity: vendor and product logos are recognisable and correctly placed
- visual_clarity: uncluttered layout, consistent spacing and alignment
- data_flow_legibility: arrows and flows are easy to follow end to end
- text_readability: labels are spelled correctly and legible at normal size

List concrete strengths, issues, and actionable improvements for the next prompt.`

// ImageLoader turns a stored image reference into an inline data URL.
type ImageLoader interface {
	DataURL(ref models.ImageRef) (string, error)
}

type Judge struct {
	c        *client
	images   ImageLoader
	personas PersonaCatalog
}

func NewJudge(cfg *provider.Config, images ImageLoader, personas PersonaCatalog, log zerolog.Logger) (*Judge, error) {
	if images == nil {
		return nil, fmt.Errorf("%w: image loader", provider.ErrMissingProvider)
	}
	c, err := newClient("evaluate", cfg, log)
	if err != nil {
		return nil, err
	}
	if c.model == "" {
		c.model = defaultJudgeModel
	}
	if personas == nil {
		personas = DefaultPersonas()
	}
	return &Judge{c: c, images: images, personas: personas}, nil
}

func (j *Judge) Evaluate(ctx context.Context, req *provider.EvaluateRequest) (*models.Evaluation, error) {
	if len(req.ImageRefs) == 0 {
		return nil, fmt.Errorf("%w: no images to evaluate", provider.ErrEvaluationFailed)
	}

	content := []chatContent{textContent(fmt.Sprintf(rubricPrompt, req.Prompt))}
	for _, ref := range req.ImageRefs {
		dataURL, err := j.images.DataURL(ref)
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %w", provider.ErrEvaluationFailed, ref, err)
		}
		content = append(content, imageContent(dataURL))
	}

	messages := make([]chatMessage, 0, 2)
	if stance := j.personas.Instructions(req.Persona); stance != "" {
		messages = append(messages, chatMessage{Role: "system", Content: []chatContent{textContent(stance)}})
	}
	messages = append(messages, chatMessage{Role: "user", Content: content})

	zero := 0.0
	out, err := j.c.complete(ctx, &chatRequest{
		Messages:            messages,
		Temperature:         &zero,
		MaxCompletionTokens: 2048,
		ResponseFormat:      schemaFormat("diagram_evaluation", rubricSchema),
	}, provider.ErrEvaluationFailed)
	if err != nil {
		return nil, err
	}

	eval, err := models.ParseEvaluation([]byte(strings.TrimSpace(out)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrEvaluationFailed, err)
	}
	return eval, nil
}
