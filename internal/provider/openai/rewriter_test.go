package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/pkg/models"
)

func scoredIteration() *models.Iteration {
	it := &models.Iteration{Number: 1, PromptUsed: "diagram A"}
	scores := models.Uniform(6)
	it.ApplyEvaluation(&models.Evaluation{
		Scores:       &scores,
		Strengths:    []string{"clean tiers"},
		Issues:       []string{"tiny logos"},
		Improvements: []string{"make logos bigger"},
	})
	userScore := 5
	it.UserScore = &userScore
	return it
}

func TestRewriter_Rewrite(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, chatReply(`{"prompt":"  diagram A v2 ","reasoning":"enlarged logos"}`))
	}))
	defer server.Close()

	rw, err := NewRewriter(testConfig(server.URL), zerolog.Nop())
	require.NoError(t, err)

	out, err := rw.Rewrite(context.Background(), &provider.RewriteRequest{
		PriorPrompt:    "diagram A",
		PriorIteration: scoredIteration(),
		Feedback:       "make logos bigger",
	})
	require.NoError(t, err)
	assert.Equal(t, "diagram A v2", out.Prompt)
	assert.Equal(t, "enlarged logos", out.Reasoning)

	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "prompt_rewrite", got.ResponseFormat.JSONSchema.Name)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestRewriter_Rewrite_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"empty prompt", `{"prompt":"   ","reasoning":"nothing to change"}`, "empty prompt"},
		{"invalid json", `here is your prompt`, "invalid response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, chatReply(tt.content))
			}))
			defer server.Close()

			rw, err := NewRewriter(testConfig(server.URL), zerolog.Nop())
			require.NoError(t, err)

			_, err = rw.Rewrite(context.Background(), &provider.RewriteRequest{PriorPrompt: "p"})
			require.Error(t, err)
			assert.ErrorIs(t, err, provider.ErrRewriteFailed)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestBuildRewritePrompt(t *testing.T) {
	withFeedback := buildRewritePrompt(&provider.RewriteRequest{
		PriorPrompt:    "diagram A",
		PriorIteration: scoredIteration(),
		Feedback:       "make logos bigger",
	})
	assert.Contains(t, withFeedback, "diagram A")
	assert.Contains(t, withFeedback, "overall=6")
	assert.Contains(t, withFeedback, "User score: 5/10")
	assert.Contains(t, withFeedback, "- tiny logos")
	assert.Contains(t, withFeedback, "User feedback:\nmake logos bigger")
	assert.NotContains(t, withFeedback, "No user feedback")

	bare := buildRewritePrompt(&provider.RewriteRequest{PriorPrompt: "diagram A"})
	assert.Contains(t, bare, "No user feedback was given")
	assert.NotContains(t, bare, "Judge scores")
}
