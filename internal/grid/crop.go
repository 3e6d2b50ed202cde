package grid

import (
	"image"
	"image/draw"
)

// Crop is one cell cut out of a full screenshot, together with its own
// numbered sub-grid. Bounds locate the crop in full-image pixels.
type Crop struct {
	Image     []byte
	GridImage []byte
	Bounds    Rect
}

// CropCell cuts cell out of the PNG screenshot and overlays a sub-grid of the
// same size on the cut-out.
func CropCell(data []byte, gridSize, cell int) (Crop, error) {
	img, err := DecodePNG(data)
	if err != nil {
		return Crop{}, err
	}
	b := img.Bounds()
	cb, err := CellBounds(Rect{Width: b.Dx(), Height: b.Dy()}, gridSize, cell)
	if err != nil {
		return Crop{}, err
	}

	sub := image.NewRGBA(image.Rect(0, 0, cb.Width, cb.Height))
	draw.Draw(sub, sub.Bounds(), img, image.Pt(b.Min.X+cb.X, b.Min.Y+cb.Y), draw.Src)

	clean, err := EncodePNG(sub)
	if err != nil {
		return Crop{}, err
	}
	overlaid, err := Overlay(sub, gridSize)
	if err != nil {
		return Crop{}, err
	}
	withGrid, err := EncodePNG(overlaid)
	if err != nil {
		return Crop{}, err
	}
	return Crop{Image: clean, GridImage: withGrid, Bounds: cb}, nil
}
