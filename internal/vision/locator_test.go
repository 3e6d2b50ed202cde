package vision

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/grid"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/llm/llmtest"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/oracle"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/snapshot"
)

type fakeCapturer struct {
	snap  snapshot.Snapshot
	err   error
	calls int
}

func (f *fakeCapturer) TakeScreenshot(context.Context, int) (snapshot.Snapshot, error) {
	f.calls++
	return f.snap, f.err
}

type scriptedCells struct {
	replies []oracle.CellIdentificationResult
	errs    []error
	queries []oracle.CellQuery
}

func (s *scriptedCells) IdentifyCell(_ context.Context, q oracle.CellQuery) (oracle.CellIdentificationResult, error) {
	i := len(s.queries)
	s.queries = append(s.queries, q)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], err
	}
	return oracle.CellIdentificationResult{}, err
}

type recordingCropper struct {
	cells  []int
	bounds grid.Rect
}

func (r *recordingCropper) crop(_ []byte, _ int, cell int) (grid.Crop, error) {
	r.cells = append(r.cells, cell)
	return grid.Crop{Image: []byte("crop"), GridImage: []byte("crop-grid"), Bounds: r.bounds}, nil
}

func screen(scale float64) *fakeCapturer {
	return &fakeCapturer{snap: snapshot.Snapshot{
		Image:       []byte("clean"),
		GridImage:   []byte("grid"),
		GridSize:    6,
		Width:       1440,
		Height:      900,
		ScaleFactor: scale,
	}}
}

func TestLocateTwoPassScenario(t *testing.T) {
	cells := &scriptedCells{replies: []oracle.CellIdentificationResult{
		{Cell: 20, Status: oracle.StatusFound, Confidence: oracle.ConfidenceHigh},
		{Cell: 15, Status: oracle.StatusFound, Confidence: oracle.ConfidenceMedium},
	}}
	cropper := &recordingCropper{bounds: grid.Rect{X: 100, Y: 50, Width: 120, Height: 120}}
	l := NewLocator(screen(2), cells, 6, zerolog.Nop(), WithCropper(cropper.crop))

	target, err := l.Locate(context.Background(), "the Submit button")
	require.NoError(t, err)

	assert.Equal(t, []int{20}, cropper.cells)
	assert.Equal(t, grid.Point{X: 150, Y: 100}, target.Pixel)
	assert.True(t, cropper.bounds.Contains(target.Pixel))
	assert.Equal(t, grid.Coord{X: 75, Y: 50}, target.Coord)
	assert.Equal(t, 20, target.CoarseCell)
	assert.Equal(t, 15, target.FineCell)

	require.Len(t, cells.queries, 2)
	assert.False(t, cells.queries[0].Refinement)
	assert.Equal(t, []byte("grid"), cells.queries[0].GridImage)
	assert.True(t, cells.queries[1].Refinement)
	assert.Equal(t, []byte("crop-grid"), cells.queries[1].GridImage)
}

func TestPassOneShortCircuits(t *testing.T) {
	for _, status := range []oracle.Status{oracle.StatusNotFound, oracle.StatusAmbiguous} {
		t.Run(string(status), func(t *testing.T) {
			cells := &scriptedCells{replies: []oracle.CellIdentificationResult{
				{Status: status, Reason: "two Submit buttons", SuggestedRetry: "the blue one"},
			}}
			cropper := &recordingCropper{}
			l := NewLocator(screen(1), cells, 6, zerolog.Nop(), WithCropper(cropper.crop))

			_, err := l.Locate(context.Background(), "Submit")
			var tf *TargetingFailure
			require.ErrorAs(t, err, &tf)
			assert.Equal(t, 1, tf.Pass)
			assert.Equal(t, status, tf.Status)
			assert.Equal(t, "two Submit buttons", tf.Reason)
			assert.Equal(t, "the blue one", tf.SuggestedRetry)
			assert.Empty(t, cropper.cells)
			assert.Len(t, cells.queries, 1)
		})
	}
}

func TestOutOfRangeCellIsParseFailure(t *testing.T) {
	cells := &scriptedCells{replies: []oracle.CellIdentificationResult{{Cell: 37, Status: oracle.StatusFound}}}
	cropper := &recordingCropper{}
	l := NewLocator(screen(1), cells, 6, zerolog.Nop(), WithCropper(cropper.crop))

	_, err := l.Locate(context.Background(), "Submit")
	var tf *TargetingFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, oracle.StatusNotFound, tf.Status)
	assert.Equal(t, ParseFailureReason, tf.Reason)
	assert.Empty(t, cropper.cells)
	assert.Len(t, cells.queries, 1)
}

func TestRefinementFailureIsPrefixed(t *testing.T) {
	cells := &scriptedCells{replies: []oracle.CellIdentificationResult{
		{Cell: 8, Status: oracle.StatusFound},
		{Status: oracle.StatusAmbiguous, Reason: "icons overlap"},
	}}
	cropper := &recordingCropper{bounds: grid.Rect{X: 0, Y: 0, Width: 60, Height: 60}}
	l := NewLocator(screen(1), cells, 6, zerolog.Nop(), WithCropper(cropper.crop))

	_, err := l.Locate(context.Background(), "gear icon")
	var tf *TargetingFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, 2, tf.Pass)
	assert.Equal(t, "Refinement failed: icons overlap", tf.Reason)
	assert.Equal(t, []int{8}, cropper.cells)
}

func TestUnparseableReplyBecomesNotFound(t *testing.T) {
	o := oracle.New(llmtest.Text("I think it is somewhere in the middle."), zerolog.Nop())
	cropper := &recordingCropper{}
	l := NewLocator(screen(1), o, 6, zerolog.Nop(), WithCropper(cropper.crop))

	_, err := l.Locate(context.Background(), "Submit")
	var tf *TargetingFailure
	require.ErrorAs(t, err, &tf)
	assert.Equal(t, oracle.StatusNotFound, tf.Status)
	assert.Equal(t, ParseFailureReason, tf.Reason)
	assert.Empty(t, cropper.cells)
}

func TestTransportErrorsPassThrough(t *testing.T) {
	boom := errors.New("oracle unavailable")
	cells := &scriptedCells{errs: []error{boom}}
	l := NewLocator(screen(1), cells, 6, zerolog.Nop())

	_, err := l.Locate(context.Background(), "Submit")
	assert.ErrorIs(t, err, boom)
	var tf *TargetingFailure
	assert.False(t, errors.As(err, &tf))
}

func TestScreenshotErrors(t *testing.T) {
	c := &fakeCapturer{err: errors.New("display asleep")}
	cells := &scriptedCells{}
	_, err := NewLocator(c, cells, 6, zerolog.Nop()).Locate(context.Background(), "x")
	assert.ErrorContains(t, err, "display asleep")
	assert.Empty(t, cells.queries)

	_, err = NewLocator(&fakeCapturer{snap: snapshot.Snapshot{}}, cells, 6, zerolog.Nop()).Locate(context.Background(), "x")
	assert.Error(t, err)
}

func TestCancelledBeforeCrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cells := &cancellingCells{cancel: cancel}
	cropper := &recordingCropper{}
	l := NewLocator(screen(1), cells, 6, zerolog.Nop(), WithCropper(cropper.crop))

	_, err := l.Locate(ctx, "Submit")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, cropper.cells)
}

type cancellingCells struct{ cancel context.CancelFunc }

func (c *cancellingCells) IdentifyCell(context.Context, oracle.CellQuery) (oracle.CellIdentificationResult, error) {
	c.cancel()
	return oracle.CellIdentificationResult{Cell: 1, Status: oracle.StatusFound}, nil
}
