// Package automation talks to the input automation server: a small HTTP API
// that captures the screen and performs mouse and keyboard primitives.
package automation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/metrics"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8000"
	DefaultTimeout = 30 * time.Second

	maxErrorBody = 500
)

// StatusError is returned when the server answers with a non-2xx status or a
// body whose status is not "ok".
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("automation %s: %d: %s", e.Op, e.Code, e.Detail)
}

// Config configures the client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	ScaleFactor float64
}

// Client implements snapshot.Backend against the automation server.
type Client struct {
	base   *url.URL
	scale  float64
	http   *http.Client
	logger zerolog.Logger
}

var _ snapshot.Backend = (*Client)(nil)

func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	scale := cfg.ScaleFactor
	if scale <= 0 {
		scale = 1
	}
	return &Client{
		base:   base,
		scale:  scale,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type numberedGridResponse struct {
	ImageSize struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image_size"`
	GridSize            int    `json:"grid_size"`
	OriginalImageBase64 string `json:"original_image_base64"`
	GridImageBase64     string `json:"grid_image_base64"`
}

// TakeScreenshot captures the screen together with the server-rendered
// numbered grid.
func (c *Client) TakeScreenshot(ctx context.Context, gridSize int) (snapshot.Snapshot, error) {
	q := url.Values{}
	q.Set("grid_size", strconv.Itoa(gridSize))
	var resp numberedGridResponse
	if err := c.do(ctx, "screenshot", http.MethodGet, "/screenshot/numbered-grid?"+q.Encode(), nil, &resp); err != nil {
		return snapshot.Snapshot{}, err
	}
	img, err := base64.StdEncoding.DecodeString(resp.OriginalImageBase64)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode screenshot: %w", err)
	}
	gridImg, err := base64.StdEncoding.DecodeString(resp.GridImageBase64)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode grid screenshot: %w", err)
	}
	if resp.GridSize == 0 {
		resp.GridSize = gridSize
	}
	return snapshot.Snapshot{
		Image:       img,
		GridImage:   gridImg,
		GridSize:    resp.GridSize,
		Width:       resp.ImageSize.Width,
		Height:      resp.ImageSize.Height,
		ScaleFactor: c.scale,
		TakenAt:     time.Now(),
	}, nil
}

func (c *Client) MoveMouse(ctx context.Context, x, y int) error {
	return c.do(ctx, "mouse_move", http.MethodPost, "/mouse/move", map[string]any{"x": x, "y": y}, nil)
}

func (c *Client) Click(ctx context.Context, button string, count int) error {
	if button == "" {
		button = snapshot.ButtonLeft
	}
	if count < 1 {
		count = 1
	}
	return c.do(ctx, "mouse_click", http.MethodPost, "/mouse/click", map[string]any{"button": button, "clicks": count}, nil)
}

func (c *Client) TypeText(ctx context.Context, text string) error {
	return c.do(ctx, "keyboard_type", http.MethodPost, "/keyboard/type", map[string]any{"text": text}, nil)
}

func (c *Client) PressKey(ctx context.Context, key string) error {
	return c.do(ctx, "keyboard_press", http.MethodPost, "/keyboard/press", map[string]any{"key": key}, nil)
}

// Scroll turns the mouse wheel. Positive deltaY scrolls down.
func (c *Client) Scroll(ctx context.Context, deltaX, deltaY int) error {
	return c.do(ctx, "mouse_scroll", http.MethodPost, "/mouse/scroll", map[string]any{"delta_x": deltaX, "delta_y": deltaY}, nil)
}

// Sleep asks the server to block for d. The agent loop sleeps locally; this
// exists for scripted sequences that must serialize on the server side.
func (c *Client) Sleep(ctx context.Context, d time.Duration) error {
	return c.do(ctx, "sleep", http.MethodPost, "/sleep", map[string]any{"duration_ms": d.Milliseconds()}, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (err error) {
	defer func() { metrics.PrimitiveCalls.WithLabelValues(op, metrics.Status(err)).Inc() }()

	if err := ctx.Err(); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("automation %s: %w", op, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}

	c.logger.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Int("response_size", len(data)).
		Dur("took", time.Since(start)).
		Msg("automation call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, Code: resp.StatusCode, Detail: errorDetail(data)}
	}

	var status struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(data, &status) == nil && status.Status != "" && status.Status != "ok" {
		return &StatusError{Op: op, Code: resp.StatusCode, Detail: "status " + status.Status}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse %s response: %w", op, err)
		}
	}
	return nil
}

// errorDetail extracts FastAPI's {"detail": ...} or falls back to the raw body.
func errorDetail(data []byte) string {
	var apiErr struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &apiErr); err == nil && len(apiErr.Detail) > 0 {
		var s string
		if json.Unmarshal(apiErr.Detail, &s) == nil {
			return s
		}
		return string(apiErr.Detail)
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	return msg
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
