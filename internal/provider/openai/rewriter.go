package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/pkg/models"
)

const defaultRewriteModel = "gpt-4o"

const rewriteSchema = `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "reasoning": {"type": "string"}
  },
  "required": ["prompt", "reasoning"],
  "additionalProperties": false
}`

const rewriteSystem = `You improve prompts for an image model that draws architecture diagrams.
Keep every component, connection and logo the prompt already asks for unless the feedback says otherwise.
Return the complete replacement prompt, not a diff, and a short reasoning for the changes.`

type Rewriter struct {
	c *client
}

func NewRewriter(cfg *provider.Config, log zerolog.Logger) (*Rewriter, error) {
	c, err := newClient("refine", cfg, log)
	if err != nil {
		return nil, err
	}
	if c.model == "" {
		c.model = defaultRewriteModel
	}
	return &Rewriter{c: c}, nil
}

func (r *Rewriter) Rewrite(ctx context.Context, req *provider.RewriteRequest) (*models.Rewrite, error) {
	temp := 0.4
	out, err := r.c.complete(ctx, &chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: []chatContent{textContent(rewriteSystem)}},
			{Role: "user", Content: []chatContent{textContent(buildRewritePrompt(req))}},
		},
		Temperature:         &temp,
		MaxCompletionTokens: 4096,
		ResponseFormat:      schemaFormat("prompt_rewrite", rewriteSchema),
	}, provider.ErrRewriteFailed)
	if err != nil {
		return nil, err
	}

	var rw models.Rewrite
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rw); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %w", provider.ErrRewriteFailed, err)
	}
	rw.Prompt = strings.TrimSpace(rw.Prompt)
	rw.Reasoning = strings.TrimSpace(rw.Reasoning)
	if rw.Prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", provider.ErrRewriteFailed)
	}
	return &rw, nil
}

func buildRewritePrompt(req *provider.RewriteRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current prompt:\n\"\"\"\n%s\n\"\"\"\n", req.PriorPrompt)

	if it := req.PriorIteration; it != nil {
		if it.Scores != nil {
			s := it.Scores
			fmt.Fprintf(&b, "\nJudge scores (0-10): information_hierarchy=%d technical_accuracy=%d logo_fidelity=%d "+
				"visual_clarity=%d data_flow_legibility=%d text_readability=%d overall=%d\n",
				s.InformationHierarchy, s.TechnicalAccuracy, s.LogoFidelity,
				s.VisualClarity, s.DataFlowLegibility, s.TextReadability, s.Overall())
		}
		if it.UserScore != nil {
			fmt.Fprintf(&b, "User score: %d/10\n", *it.UserScore)
		}
		writeList(&b, "Strengths to keep", it.Strengths)
		writeList(&b, "Issues", it.Issues)
		writeList(&b, "Suggested improvements", it.Improvements)
	}

	if fb := strings.TrimSpace(req.Feedback); fb != "" {
		fmt.Fprintf(&b, "\nUser feedback:\n%s\n", fb)
	} else {
		b.WriteString("\nNo user feedback was given. Apply the suggested improvements, or your own judgement if there are none.\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
