package grid

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// quadrants builds a w×h image whose pixels encode their own cell in a 2x2 grid.
func quadrants(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cell, err := CellAt(Rect{Width: w, Height: h}, 2, x, y)
			require.NoError(t, err)
			img.Set(x, y, color.RGBA{R: uint8(cell * 50), A: 255})
		}
	}
	data, err := EncodePNG(img)
	require.NoError(t, err)
	return data
}

func TestCropCellCutsTheCell(t *testing.T) {
	data := quadrants(t, 200, 100)

	crop, err := CropCell(data, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, Rect{X: 100, Y: 50, Width: 100, Height: 50}, crop.Bounds)

	img, err := DecodePNG(crop.Image)
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())
	r, _, _, _ := img.At(10, 10).RGBA()
	assert.Equal(t, uint32(200)*0x101, r, "pixels come from cell 4")

	withGrid, err := DecodePNG(crop.GridImage)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), withGrid.Bounds())
}

func TestCropCellRejectsInvalidCell(t *testing.T) {
	data := quadrants(t, 40, 40)
	_, err := CropCell(data, 2, 5)
	assert.ErrorIs(t, err, ErrInvalidCell)
}

func TestCropCellRejectsGarbage(t *testing.T) {
	_, err := CropCell([]byte("not a png"), 2, 1)
	assert.Error(t, err)
}

func TestOverlayKeepsSizeAndDrawsLines(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 300, 300))
	out, err := Overlay(src, 3)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), out.Bounds())

	// The vertical line at x=100 is red in the middle of its width.
	c := out.RGBAAt(100, 20)
	assert.Equal(t, uint8(255), c.R)
	assert.Equal(t, uint8(0), c.G)

	_, err = Overlay(src, 0)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestOverlayPNG(t *testing.T) {
	data := quadrants(t, 120, 80)
	out, err := OverlayPNG(data, 6)
	require.NoError(t, err)
	img, err := DecodePNG(out)
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())
}
