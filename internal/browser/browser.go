// Package browser drives a Chromium page through Playwright as a screen
// backend: viewport screenshots in, mouse and keyboard events out.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/grid"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/metrics"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
)

const (
	defaultNavTimeout = 30 * time.Second
	defaultWidth      = 1280
	defaultHeight     = 800
)

// Page is the subset of playwright.Page the controller drives.
type Page interface {
	Goto(url string, options ...playwright.PageGotoOptions) (playwright.Response, error)
	Screenshot(options ...playwright.PageScreenshotOptions) ([]byte, error)
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
	Mouse() playwright.Mouse
	Keyboard() playwright.Keyboard
	Close(options ...playwright.PageCloseOptions) error
}

type Options struct {
	Headless bool
	Width    int
	Height   int
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
	logger  zerolog.Logger
}

func NewLauncher(ctx context.Context, opts Options, logger zerolog.Logger) (*Launcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = defaultWidth, defaultHeight
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	logger = logger.With().Str("comp", "browser").Logger()
	logger.Info().Bool("headless", opts.Headless).Int("width", opts.Width).Int("height", opts.Height).Msg("chromium launched")
	return &Launcher{pw: pw, browser: browser, opts: opts, logger: logger}, nil
}

// NewController opens a page, restoring cookies from storagePath when that
// file exists.
func (l *Launcher) NewController(ctx context.Context, storagePath string) (*Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		Viewport:          &playwright.Size{Width: l.opts.Width, Height: l.opts.Height},
	}
	if strings.TrimSpace(storagePath) != "" {
		if _, err := os.Stat(storagePath); err == nil {
			opts.StorageStatePath = playwright.String(storagePath)
		} else {
			l.logger.Warn().Str("path", storagePath).Msg("storage state not found, starting clean")
		}
	}
	bctx, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))

	c := NewController(page, l.logger)
	c.state = bctx
	return c, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

// Controller implements snapshot.Backend on a single page. Coordinates are
// CSS pixels; screenshots are device pixels, so the scale factor is the
// page's devicePixelRatio.
type Controller struct {
	page   Page
	state  playwright.BrowserContext
	logger zerolog.Logger

	mu   sync.Mutex
	x, y float64
}

var _ snapshot.Backend = (*Controller)(nil)

func NewController(page Page, logger zerolog.Logger) *Controller {
	return &Controller{page: page, logger: logger}
}

func (c *Controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return record("navigate", wrap(err))
}

func (c *Controller) TakeScreenshot(ctx context.Context, gridSize int) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	data, err := c.page.Screenshot()
	if err != nil {
		return snapshot.Snapshot{}, record("screenshot", wrap(err))
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return snapshot.Snapshot{}, record("screenshot", fmt.Errorf("decode screenshot: %w", err))
	}
	gridImage, err := grid.OverlayPNG(data, gridSize)
	if err != nil {
		return snapshot.Snapshot{}, record("screenshot", fmt.Errorf("draw grid: %w", err))
	}
	scale := c.devicePixelRatio()
	metrics.PrimitiveCalls.WithLabelValues("screenshot", "ok").Inc()
	return snapshot.Snapshot{
		Image:       data,
		GridImage:   gridImage,
		GridSize:    gridSize,
		Width:       cfg.Width,
		Height:      cfg.Height,
		ScaleFactor: scale,
		TakenAt:     time.Now(),
	}, nil
}

func (c *Controller) devicePixelRatio() float64 {
	v, err := c.page.Evaluate("() => window.devicePixelRatio")
	if err != nil {
		c.logger.Warn().Err(err).Msg("devicePixelRatio unavailable, assuming 1")
		return 1
	}
	var ratio float64
	switch n := v.(type) {
	case float64:
		ratio = n
	case int:
		ratio = float64(n)
	case int64:
		ratio = float64(n)
	}
	if ratio <= 0 {
		return 1
	}
	return ratio
}

func (c *Controller) MoveMouse(ctx context.Context, x, y int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.page.Mouse().Move(float64(x), float64(y)); err != nil {
		return record("mouse_move", wrap(err))
	}
	c.mu.Lock()
	c.x, c.y = float64(x), float64(y)
	c.mu.Unlock()
	return record("mouse_move", nil)
}

// Click presses button count times at the last position set by MoveMouse.
func (c *Controller) Click(ctx context.Context, button string, count int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	x, y := c.x, c.y
	c.mu.Unlock()
	err := c.page.Mouse().Click(x, y, playwright.MouseClickOptions{
		Button:     mouseButton(button),
		ClickCount: playwright.Int(max(count, 1)),
	})
	return record("mouse_click", wrap(err))
}

func (c *Controller) TypeText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return record("keyboard_type", wrap(c.page.Keyboard().Type(text)))
}

func (c *Controller) PressKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return record("keyboard_press", wrap(c.page.Keyboard().Press(KeyName(key))))
}

// Scroll turns the mouse wheel. Positive deltaY scrolls down.
func (c *Controller) Scroll(ctx context.Context, deltaX, deltaY int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return record("mouse_scroll", wrap(c.page.Mouse().Wheel(float64(deltaX), float64(deltaY))))
}

// SaveState writes cookies and local storage to path.
func (c *Controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.state == nil {
		return fmt.Errorf("save state: no browser context")
	}
	state, err := c.state.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.state != nil {
		return c.state.Close()
	}
	return nil
}

func mouseButton(button string) *playwright.MouseButton {
	switch button {
	case snapshot.ButtonRight:
		return playwright.MouseButtonRight
	case snapshot.ButtonMiddle:
		return playwright.MouseButtonMiddle
	default:
		return playwright.MouseButtonLeft
	}
}

var keyNames = map[string]string{
	"enter":     "Enter",
	"return":    "Enter",
	"tab":       "Tab",
	"esc":       "Escape",
	"escape":    "Escape",
	"backspace": "Backspace",
	"delete":    "Delete",
	"del":       "Delete",
	"insert":    "Insert",
	"space":     "Space",
	"up":        "ArrowUp",
	"down":      "ArrowDown",
	"left":      "ArrowLeft",
	"right":     "ArrowRight",
	"pageup":    "PageUp",
	"pagedown":  "PageDown",
	"home":      "Home",
	"end":       "End",
	"ctrl":      "Control",
	"control":   "Control",
	"alt":       "Alt",
	"option":    "Alt",
	"shift":     "Shift",
	"cmd":       "Meta",
	"command":   "Meta",
	"win":       "Meta",
	"meta":      "Meta",
}

// KeyName translates desktop-style key names ("enter", "ctrl+a", "f5") into
// Playwright's ("Enter", "Control+a", "F5").
func KeyName(key string) string {
	parts := strings.Split(strings.TrimSpace(key), "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		lower := strings.ToLower(p)
		switch {
		case keyNames[lower] != "":
			parts[i] = keyNames[lower]
		case len(lower) >= 2 && lower[0] == 'f' && strings.Trim(lower[1:], "0123456789") == "":
			parts[i] = "F" + lower[1:]
		default:
			parts[i] = p
		}
	}
	return strings.Join(parts, "+")
}

func record(op string, err error) error {
	metrics.PrimitiveCalls.WithLabelValues(op, metrics.Status(err)).Inc()
	return err
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}
