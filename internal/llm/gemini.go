package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvGeminiModel     = "GEMINI_MODEL"
	defaultGeminiModel = "gemini-2.5-flash"
)

// GeminiModels is the subset of the genai client used here.
type GeminiModels interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

type geminiClient struct {
	models    GeminiModels
	model     string
	maxTokens int
	logger    zerolog.Logger
}

func NewGemini(ctx context.Context, cfg Config, logger zerolog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing %s", EnvGeminiAPIKey)
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return NewGeminiFromModels(gc.Models, cfg, logger), nil
}

func NewGeminiFromModels(models GeminiModels, cfg Config, logger zerolog.Logger) Client {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiClient{
		models:    models,
		model:     model,
		maxTokens: cfg.maxTokens(),
		logger:    logger.With().Str("provider", ProviderGemini).Logger(),
	}
}

func (c *geminiClient) Name() string { return c.model }

func (c *geminiClient) Stream(ctx context.Context, req Request, fn func(Fragment) error) error {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Images) == 0 {
		return errors.New("empty request")
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.mediaType()))
	}
	parts = append(parts, genai.NewPartFromText(clip(c.logger, "prompt", req.Prompt)))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	gcfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(tokenLimit(req, c.maxTokens)),
	}
	if req.System != "" {
		gcfg.SystemInstruction = genai.NewContentFromText(clip(c.logger, "system", req.System), genai.RoleUser)
	}

	c.logger.Debug().Str("model", model).Int("images", len(req.Images)).Msg("Gemini API request")

	start := time.Now()
	var received int
	for resp, err := range c.models.GenerateContentStream(ctx, model, contents, gcfg) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.logger.Error().Err(err).Str("model", model).Msg("Gemini API error")
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}
		for _, cand := range resp.Candidates {
			if cand == nil || cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				if p == nil || p.Text == "" {
					continue
				}
				f := Fragment{Content: p.Text}
				if p.Thought {
					f = Fragment{Reasoning: p.Text}
				}
				received += len(p.Text)
				if err := fn(f); err != nil {
					return err
				}
			}
		}
	}

	c.logger.Debug().
		Int("response_length", received).
		Dur("took", time.Since(start)).
		Msg("Gemini API success")
	return nil
}
