package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvOpenAIModel     = "OPENAI_MODEL"
	defaultOpenAIModel = "gpt-4o-mini"

	openAIAPIURL      = "https://api.openai.com/v1"
	openAITimeoutSecs = 120

	openAIMaxRetries     = 3
	openAIRetryBaseDelay = 500 * time.Millisecond
)

type openAIClient struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	http    *http.Client
	logger  zerolog.Logger
	backoff func() backoff.BackOff
}

type openAIPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAI builds a client for any OpenAI-compatible chat completions
// endpoint. cfg.BaseURL points it at a local or proxy server.
func NewOpenAI(cfg Config, logger zerolog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing %s", EnvOpenAIAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = openAIAPIURL
	}
	return &openAIClient{
		apiKey:    cfg.APIKey,
		model:     model,
		baseURL:   base,
		maxTokens: cfg.maxTokens(),
		http: &http.Client{
			Timeout: openAITimeoutSecs * time.Second,
		},
		logger: logger.With().Str("provider", ProviderOpenAI).Logger(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = openAIRetryBaseDelay
			return b
		},
	}, nil
}

func (c *openAIClient) Name() string {
	return c.model
}

func (c *openAIClient) Stream(ctx context.Context, req Request, fn func(Fragment) error) error {
	if strings.TrimSpace(req.Prompt) == "" && len(req.Images) == 0 {
		return errors.New("empty request")
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	// OpenAI requires the system message first with role "system".
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: clip(c.logger, "system", req.System)})
	}
	parts := make([]openAIPart, 0, len(req.Images)+1)
	parts = append(parts, openAIPart{Type: "text", Text: clip(c.logger, "prompt", req.Prompt)})
	for _, img := range req.Images {
		parts = append(parts, openAIPart{
			Type:     "image_url",
			ImageURL: &openAIImageURL{URL: "data:" + img.mediaType() + ";base64," + base64.StdEncoding.EncodeToString(img.Data)},
		})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: parts})

	payload := openAIPayload{
		Model:       model,
		Messages:    messages,
		Temperature: float64(req.Temperature),
		MaxTokens:   tokenLimit(req, c.maxTokens),
		Stream:      true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	c.logger.Debug().
		Str("model", model).
		Int("images", len(req.Images)).
		Int("payload_size", len(body)).
		Int("max_tokens", payload.MaxTokens).
		Msg("OpenAI API request")

	resp, err := c.open(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.readStream(ctx, resp.Body, fn)
}

// open posts the request, retrying transport failures, 429 and 5xx with
// exponential backoff until the response headers arrive.
func (c *openAIClient) open(ctx context.Context, body []byte) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		r, err := c.http.Do(httpReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			return fmt.Errorf("http request: %w", err)
		}
		if r.StatusCode < 400 {
			resp = r
			return nil
		}

		data, _ := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		r.Body.Close()
		apiErr := parseOpenAIError(r.StatusCode, data)
		c.logger.Error().
			Int("status", r.StatusCode).
			Str("raw_response", truncateString(string(data), 500)).
			Int("attempt", attempt).
			Msg("OpenAI API error")

		// Retry on 429 (rate limit) and 5xx errors
		if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), openAIMaxRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		c.logger.Info().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", d).
			Msg("retrying OpenAI API call")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return resp, nil
}

func (c *openAIClient) readStream(ctx context.Context, r io.Reader, fn func(Fragment) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var received int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn().Str("chunk", truncateString(data, 200)).Msg("skipping malformed stream chunk")
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai stream: %s (type: %s)", chunk.Error.Message, chunk.Error.Type)
		}
		for _, choice := range chunk.Choices {
			f := Fragment{
				Content:   choice.Delta.Content,
				Reasoning: choice.Delta.ReasoningContent + choice.Delta.Reasoning,
			}
			if f.Content == "" && f.Reasoning == "" {
				continue
			}
			received += len(f.Content) + len(f.Reasoning)
			if err := fn(f); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("read stream: %w", err)
	}
	c.logger.Debug().Int("response_length", received).Msg("OpenAI API success")
	return nil
}

func parseOpenAIError(status int, data []byte) error {
	var body struct {
		Error *openAIError `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Error == nil || body.Error.Message == "" {
		return fmt.Errorf("openai %d: %s", status, truncateString(string(data), 500))
	}
	return fmt.Errorf("openai %d: %s (type: %s)", status, body.Error.Message, body.Error.Type)
}
