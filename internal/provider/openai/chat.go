package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Temperature         *float64        `json:"temperature,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      chatMessageOut `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatMessageOut struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Refusal string `json:"refusal,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var errNoChoices = errors.New("no response choices")

func textContent(text string) chatContent {
	return chatContent{Type: "text", Text: text}
}

func imageContent(dataURL string) chatContent {
	return chatContent{
		Type: "image_url",
		ImageURL: &imageURL{
			URL:    dataURL,
			Detail: "high",
		},
	}
}

func schemaFormat(name string, schema string) *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: &jsonSchema{
			Name:   name,
			Strict: true,
			Schema: json.RawMessage(schema),
		},
	}
}

// complete runs one chat completion and returns the first choice's content.
func (c *client) complete(ctx context.Context, req *chatRequest, failure error) (string, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp, failure); err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: %w", failure, errNoChoices)
	}
	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return "", fmt.Errorf("%w: model refused: %s", failure, msg.Refusal)
	}

	if resp.Usage != nil {
		c.log.Debug().
			Int("prompt_tokens", resp.Usage.PromptTokens).
			Int("completion_tokens", resp.Usage.CompletionTokens).
			Msg("chat usage")
	}
	return msg.Content, nil
}
