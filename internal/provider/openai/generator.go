package openai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/manash/archrefine/internal/cost"
	"github.com/manash/archrefine/internal/provider"
	"github.com/manash/archrefine/pkg/models"
)

const defaultImageModel = "gpt-image-1"

type imageRequest struct {
	Model        string   `json:"model"`
	Prompt       string   `json:"prompt"`
	N            int      `json:"n,omitempty"`
	Size         string   `json:"size,omitempty"`
	Quality      string   `json:"quality,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

type imageResponse struct {
	Created int64       `json:"created"`
	Data    []imageData `json:"data"`
}

type imageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageStore persists generated images and hands back their references.
type ImageStore interface {
	SaveBase64(sessionID, encoded string) (models.ImageRef, error)
	SaveURL(ctx context.Context, sessionID, rawURL string) (models.ImageRef, error)
	Discard(refs []models.ImageRef) error
}

// CostRecorder receives the estimated spend of each successful generate call.
type CostRecorder interface {
	RecordGenerationCost(ctx context.Context, model string, usd float64)
}

type Generator struct {
	c           *client
	store       ImageStore
	temperature bool
	prices      *cost.Calculator
	costs       CostRecorder
}

type GeneratorOption func(*Generator)

// WithSamplingTemperature sends the preset temperature along with the
// request, for gateways whose image models accept one.
func WithSamplingTemperature(enabled bool) GeneratorOption {
	return func(g *Generator) { g.temperature = enabled }
}

// WithCostTracking prices every successful call with calc and reports the
// estimate to rec. rec may be nil, in which case estimates are only logged.
func WithCostTracking(calc *cost.Calculator, rec CostRecorder) GeneratorOption {
	return func(g *Generator) {
		g.prices = calc
		g.costs = rec
	}
}

func NewGenerator(cfg *provider.Config, store ImageStore, log zerolog.Logger, opts ...GeneratorOption) (*Generator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: image store", provider.ErrMissingProvider)
	}
	c, err := newClient("generate", cfg, log)
	if err != nil {
		return nil, err
	}
	if c.model == "" {
		c.model = defaultImageModel
	}
	g := &Generator{c: c, store: store}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Generator) Generate(ctx context.Context, req *provider.GenerateRequest) ([]models.ImageRef, error) {
	apiReq := g.buildRequest(req)

	var apiResp imageResponse
	if err := g.c.post(ctx, "/images/generations", apiReq, &apiResp, provider.ErrGenerationFailed); err != nil {
		return nil, err
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty result", provider.ErrGenerationFailed)
	}

	refs := make([]models.ImageRef, 0, len(apiResp.Data))
	for i, data := range apiResp.Data {
		var (
			ref models.ImageRef
			err error
		)
		switch {
		case data.B64JSON != "":
			ref, err = g.store.SaveBase64(req.SessionID, data.B64JSON)
		case data.URL != "":
			ref, err = g.store.SaveURL(ctx, req.SessionID, data.URL)
		default:
			err = fmt.Errorf("no image data")
		}
		if err != nil {
			if derr := g.store.Discard(refs); derr != nil {
				g.c.log.Warn().Err(derr).Str("session_id", req.SessionID).Msg("failed to discard partial images")
			}
			return nil, fmt.Errorf("%w: image %d: %w", provider.ErrGenerationFailed, i+1, err)
		}
		refs = append(refs, ref)
	}
	g.trackCost(ctx, apiReq, len(refs))
	return refs, nil
}

func (g *Generator) trackCost(ctx context.Context, apiReq *imageRequest, count int) {
	if g.prices == nil {
		return
	}
	est := g.prices.Calculate(apiReq.Model, apiReq.Size, apiReq.Quality, count)
	if !est.Known {
		g.c.log.Debug().Str("model", apiReq.Model).Msg("no price known for image model")
		return
	}
	g.c.log.Debug().
		Str("model", apiReq.Model).
		Str("size", apiReq.Size).
		Str("quality", apiReq.Quality).
		Int("images", count).
		Float64("estimated_usd", est.Total).
		Msg("generation cost")
	if g.costs != nil {
		g.costs.RecordGenerationCost(ctx, apiReq.Model, est.Total)
	}
}

func (g *Generator) buildRequest(req *provider.GenerateRequest) *imageRequest {
	settings := req.Settings
	apiReq := &imageRequest{
		Model:        g.c.model,
		Prompt:       req.Prompt,
		N:            settings.NumVariants,
		Size:         SizeFor(settings.AspectRatio),
		Quality:      QualityFor(settings.ImageSize),
		OutputFormat: "png",
	}
	if g.temperature {
		t := Temperature(settings.Preset)
		apiReq.Temperature = &t
	}
	return apiReq
}

// SizeFor maps an aspect ratio onto the closest size the images API accepts.
func SizeFor(ratio models.AspectRatio) string {
	switch ratio.Orientation() {
	case "landscape":
		return "1536x1024"
	case "portrait":
		return "1024x1536"
	default:
		return "1024x1024"
	}
}

func QualityFor(size models.ImageSize) string {
	switch size {
	case models.ImageSize1K:
		return "low"
	case models.ImageSize4K:
		return "high"
	default:
		return "medium"
	}
}

// Temperature is the sampling temperature behind each preset.
func Temperature(p models.Preset) float64 {
	switch p {
	case models.PresetDeterministic:
		return 0.0
	case models.PresetConservative:
		return 0.4
	case models.PresetCreative:
		return 1.0
	case models.PresetWild:
		return 1.3
	default:
		return 0.7
	}
}
