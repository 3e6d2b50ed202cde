package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCellCenterCorners(t *testing.T) {
	full := Rect{Width: 600, Height: 600}

	p, err := CellCenter(full, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 50, Y: 50}, p)

	p, err = CellCenter(full, 6, 36)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 550, Y: 550}, p)

	p, err = CellCenter(full, 6, 7)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 50, Y: 150}, p, "cell 7 starts the second row")
}

func TestCellCenterRoundsHalfAwayFromZero(t *testing.T) {
	// 3px wide, 2 columns: first center at 0.75 -> 1, second at 2.25 -> 2.
	p, err := CellCenter(Rect{Width: 3, Height: 5}, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 1, Y: 1}, p)

	// 5px / 2 columns: center of the first column is exactly 1.25, second 3.75.
	p, err = CellCenter(Rect{Width: 5, Height: 5}, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 4, Y: 4}, p)

	// 2.5 rounds up, not to even.
	p, err = CellCenter(Rect{Width: 5, Height: 5}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 3, Y: 3}, p)
}

func TestCellCenterInvalidCell(t *testing.T) {
	for _, cell := range []int{0, -1, 37, 100} {
		_, err := CellCenter(Rect{Width: 600, Height: 400}, 6, cell)
		assert.ErrorIs(t, err, ErrInvalidCell, "cell %d", cell)
	}
}

func TestInvalidGeometry(t *testing.T) {
	_, err := CellCenter(Rect{Width: 0, Height: 10}, 6, 1)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = CellCenter(Rect{Width: 10, Height: 10}, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = Resolve(Rect{Width: 10, Height: 10}, 2, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestResolveSubGridScenario(t *testing.T) {
	// Pass 1 picked cell 20; its crop sits at (100,50) and is 120x120. Pass 2
	// picked cell 15 of the 6x6 sub-grid.
	crop := Rect{X: 100, Y: 50, Width: 120, Height: 120}

	p, err := CellCenter(crop, 6, 15)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 150, Y: 100}, p)
	assert.True(t, crop.Contains(p))

	c, err := Resolve(crop, 6, 15, 2)
	require.NoError(t, err)
	assert.Equal(t, float64(p.X)/2, c.X)
	assert.Equal(t, float64(p.Y)/2, c.Y)
	assert.Equal(t, Coord{X: 75, Y: 50}, c)
}

func TestCellBoundsTileTheImage(t *testing.T) {
	full := Rect{Width: 1001, Height: 757}
	area := 0
	for cell := 1; cell <= Cells(7); cell++ {
		b, err := CellBounds(full, 7, cell)
		require.NoError(t, err)
		area += b.Width * b.Height

		got, err := CellAt(full, 7, b.X, b.Y)
		require.NoError(t, err)
		assert.Equal(t, cell, got, "top-left pixel of cell %d", cell)
		got, err = CellAt(full, 7, b.X+b.Width-1, b.Y+b.Height-1)
		require.NoError(t, err)
		assert.Equal(t, cell, got, "bottom-right pixel of cell %d", cell)
	}
	assert.Equal(t, full.Width*full.Height, area)
}

func TestCellAtOutside(t *testing.T) {
	_, err := CellAt(Rect{X: 10, Y: 10, Width: 100, Height: 100}, 4, 5, 50)
	assert.ErrorIs(t, err, ErrInvalidCell)
}

func TestCenterRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "gridSize")
		bounds := Rect{
			X:      rapid.IntRange(0, 4000).Draw(rt, "x"),
			Y:      rapid.IntRange(0, 4000).Draw(rt, "y"),
			Width:  rapid.IntRange(n+1, 6000).Draw(rt, "width"),
			Height: rapid.IntRange(n+1, 6000).Draw(rt, "height"),
		}
		cell := rapid.IntRange(1, Cells(n)).Draw(rt, "cell")

		p, err := CellCenter(bounds, n, cell)
		if err != nil {
			rt.Fatalf("center: %v", err)
		}
		got, err := CellAt(bounds, n, p.X, p.Y)
		if err != nil {
			rt.Fatalf("cell at: %v", err)
		}
		if got != cell {
			rt.Fatalf("round trip: cell %d -> %+v -> cell %d", cell, p, got)
		}

		again, _ := CellCenter(bounds, n, cell)
		if again != p {
			rt.Fatalf("not idempotent: %+v != %+v", again, p)
		}
	})
}

func TestResolveIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		bounds := Rect{
			Width:  rapid.IntRange(1, 5000).Draw(rt, "width"),
			Height: rapid.IntRange(1, 5000).Draw(rt, "height"),
		}
		cell := rapid.IntRange(1, 36).Draw(rt, "cell")
		scale := rapid.SampledFrom([]float64{1, 1.25, 1.5, 2, 3}).Draw(rt, "scale")

		a, errA := Resolve(bounds, 6, cell, scale)
		b, errB := Resolve(bounds, 6, cell, scale)
		if errA != nil || errB != nil {
			rt.Fatalf("resolve: %v %v", errA, errB)
		}
		if a != b {
			rt.Fatalf("resolve not idempotent: %+v != %+v", a, b)
		}
	})
}
