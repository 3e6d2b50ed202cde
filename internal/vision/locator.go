// Package vision grounds a natural-language element description to a screen
// coordinate with two grid passes: a coarse pass over the full screenshot and
// a refinement pass over the crop of the selected cell.
package vision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/grid"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/metrics"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/oracle"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
)

const (
	DefaultGridSize        = 6
	defaultSnapshotTimeout = 30 * time.Second

	// ParseFailureReason is reported when the oracle's cell cannot be used.
	ParseFailureReason = "Failed to parse LLM response"
	refinementPrefix   = "Refinement failed: "
)

// TargetingFailure means the element could not be grounded. The loop treats
// it as a failed action and may try something else next iteration.
type TargetingFailure struct {
	Pass           int
	Status         oracle.Status
	Reason         string
	SuggestedRetry string
}

func (f *TargetingFailure) Error() string {
	msg := fmt.Sprintf("targeting %s: %s", f.Status, f.Reason)
	if f.SuggestedRetry != "" {
		msg += " (suggestion: " + f.SuggestedRetry + ")"
	}
	return msg
}

// CellIdentifier asks the oracle which cell holds an element.
type CellIdentifier interface {
	IdentifyCell(ctx context.Context, q oracle.CellQuery) (oracle.CellIdentificationResult, error)
}

// Cropper cuts one cell and its sub-grid out of a PNG screenshot.
type Cropper func(png []byte, gridSize, cell int) (grid.Crop, error)

// Target is a grounded element.
type Target struct {
	Description string
	// Coord is in logical screen points.
	Coord grid.Coord
	// Pixel is the same point in captured image pixels.
	Pixel      grid.Point
	CoarseCell int
	FineCell   int
	CropBounds grid.Rect
	Confidence oracle.Confidence
}

type Locator struct {
	capturer        snapshot.Capturer
	oracle          CellIdentifier
	crop            Cropper
	gridSize        int
	snapshotTimeout time.Duration
	tracer          trace.Tracer
	logger          zerolog.Logger
}

type Option func(*Locator)

func WithCropper(c Cropper) Option {
	return func(l *Locator) { l.crop = c }
}

func WithSnapshotTimeout(d time.Duration) Option {
	return func(l *Locator) { l.snapshotTimeout = d }
}

func NewLocator(c snapshot.Capturer, id CellIdentifier, gridSize int, logger zerolog.Logger, opts ...Option) *Locator {
	if gridSize < 1 {
		gridSize = DefaultGridSize
	}
	l := &Locator{
		capturer:        c,
		oracle:          id,
		crop:            grid.CropCell,
		gridSize:        gridSize,
		snapshotTimeout: defaultSnapshotTimeout,
		tracer:          otel.Tracer("github.com/polzovatel/ai-agent-for-desktop-vision/internal/vision"),
		logger:          logger.With().Str("comp", "vision").Logger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Locate captures the screen and grounds description on it.
func (l *Locator) Locate(ctx context.Context, description string) (Target, error) {
	ctx, span := l.tracer.Start(ctx, "vision.locate", trace.WithAttributes(
		attribute.String("target", description),
		attribute.Int("grid_size", l.gridSize),
	))
	defer span.End()

	snap, err := snapshot.Take(ctx, l.capturer, l.gridSize, l.snapshotTimeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "screenshot")
		return Target{}, fmt.Errorf("screenshot: %w", err)
	}
	t, err := l.LocateIn(ctx, snap, description)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "locate")
		return Target{}, err
	}
	span.SetAttributes(
		attribute.Int("coarse_cell", t.CoarseCell),
		attribute.Int("fine_cell", t.FineCell),
		attribute.Float64("x", t.Coord.X),
		attribute.Float64("y", t.Coord.Y),
	)
	return t, nil
}

// LocateIn runs both passes against an existing snapshot.
func (l *Locator) LocateIn(ctx context.Context, snap snapshot.Snapshot, description string) (Target, error) {
	em := events.From(ctx)
	em.Image("Grid screenshot", snap.GridImage)

	coarse, err := l.pass(ctx, 1, oracle.CellQuery{
		Description: description,
		Image:       snap.Image,
		GridImage:   snap.GridImage,
		GridSize:    l.gridSize,
	})
	if err != nil {
		return Target{}, err
	}
	em.Log("info", "Coarse cell", fmt.Sprintf("cell %d (%s): %s", coarse.Cell, coarse.Confidence, coarse.Reason))

	if err := ctx.Err(); err != nil {
		return Target{}, err
	}
	crop, err := l.crop(snap.Image, l.gridSize, coarse.Cell)
	if err != nil {
		return Target{}, fmt.Errorf("crop cell %d: %w", coarse.Cell, err)
	}
	em.Image(fmt.Sprintf("Cell %d sub-grid", coarse.Cell), crop.GridImage)

	fine, err := l.pass(ctx, 2, oracle.CellQuery{
		Description: description,
		Image:       crop.Image,
		GridImage:   crop.GridImage,
		GridSize:    l.gridSize,
		Refinement:  true,
	})
	if err != nil {
		return Target{}, err
	}

	pixel, err := grid.CellCenter(crop.Bounds, l.gridSize, fine.Cell)
	if err != nil {
		return Target{}, err
	}
	coord, err := grid.Resolve(crop.Bounds, l.gridSize, fine.Cell, snap.ScaleFactor)
	if err != nil {
		return Target{}, err
	}

	l.logger.Info().
		Str("target", description).
		Int("coarse_cell", coarse.Cell).
		Int("fine_cell", fine.Cell).
		Interface("crop", crop.Bounds).
		Float64("x", coord.X).
		Float64("y", coord.Y).
		Msg("element located")
	em.Log("info", "Element located", fmt.Sprintf("%s at (%.0f, %.0f)", description, coord.X, coord.Y))

	return Target{
		Description: description,
		Coord:       coord,
		Pixel:       pixel,
		CoarseCell:  coarse.Cell,
		FineCell:    fine.Cell,
		CropBounds:  crop.Bounds,
		Confidence:  fine.Confidence,
	}, nil
}

func (l *Locator) pass(ctx context.Context, pass int, q oracle.CellQuery) (oracle.CellIdentificationResult, error) {
	res, err := l.oracle.IdentifyCell(ctx, q)
	if err != nil {
		if errors.Is(err, oracle.ErrParse) {
			l.logger.Warn().Err(err).Int("pass", pass).Msg("unparseable cell reply")
			return res, l.fail(ctx, pass, oracle.StatusNotFound, ParseFailureReason, "")
		}
		return res, err
	}
	switch res.Status {
	case oracle.StatusNotFound, oracle.StatusAmbiguous:
		return res, l.fail(ctx, pass, res.Status, res.Reason, res.SuggestedRetry)
	}
	if !grid.ValidCell(q.GridSize, res.Cell) {
		l.logger.Warn().Int("pass", pass).Int("cell", res.Cell).Int("grid_size", q.GridSize).Msg("cell out of range")
		return res, l.fail(ctx, pass, oracle.StatusNotFound, ParseFailureReason, "")
	}
	return res, nil
}

func (l *Locator) fail(ctx context.Context, pass int, status oracle.Status, reason, retry string) error {
	if pass > 1 {
		reason = refinementPrefix + reason
	}
	metrics.TargetingFailures.WithLabelValues(fmt.Sprint(pass), string(status)).Inc()
	events.From(ctx).Log("warning", "Targeting failed", reason)
	return &TargetingFailure{Pass: pass, Status: status, Reason: reason, SuggestedRetry: retry}
}
