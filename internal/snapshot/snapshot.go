package snapshot

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// Snapshot is one screen capture: the clean image, the same image with the
// numbered grid drawn on top, and the ratio between captured pixels and
// logical screen points.
type Snapshot struct {
	Image       []byte
	GridImage   []byte
	GridSize    int
	Width       int
	Height      int
	ScaleFactor float64
	TakenAt     time.Time
}

// Capturer produces screen snapshots.
type Capturer interface {
	TakeScreenshot(ctx context.Context, gridSize int) (Snapshot, error)
}

// Button names accepted by Input.Click.
const (
	ButtonLeft   = "left"
	ButtonRight  = "right"
	ButtonMiddle = "middle"
)

// Input exposes the primitive mouse and keyboard operations. Coordinates are
// logical screen points.
type Input interface {
	MoveMouse(ctx context.Context, x, y int) error
	Click(ctx context.Context, button string, count int) error
	TypeText(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, deltaX, deltaY int) error
}

// Backend is a screen that can be both observed and driven.
type Backend interface {
	Capturer
	Input
}

// Base64 returns the clean image as standard base64.
func (s Snapshot) Base64() string {
	return base64.StdEncoding.EncodeToString(s.Image)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%dx%d@%.2gx grid=%d", s.Width, s.Height, s.ScaleFactor, s.GridSize)
}

// Validate checks the invariants the targeting protocol relies on.
func (s Snapshot) Validate() error {
	if len(s.Image) == 0 || len(s.GridImage) == 0 {
		return fmt.Errorf("snapshot: missing image data")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("snapshot: invalid size %dx%d", s.Width, s.Height)
	}
	if s.ScaleFactor <= 0 {
		return fmt.Errorf("snapshot: invalid scale factor %v", s.ScaleFactor)
	}
	return nil
}

// Take captures a snapshot with a bounded wait.
func Take(ctx context.Context, c Capturer, gridSize int, timeout time.Duration) (Snapshot, error) {
	ctxSnap, cancel := WithDeadline(ctx, timeout)
	defer cancel()
	snap, err := c.TakeScreenshot(ctxSnap, gridSize)
	if err != nil {
		return Snapshot{}, err
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}
