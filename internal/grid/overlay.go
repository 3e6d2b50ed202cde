package grid

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/fixed"
)

const (
	referenceDiagonal = 2200.0
	minLineScale      = 0.3
	maxLineScale      = 1.5
	labelHeightRatio  = 0.6
)

var (
	lineColor    = color.RGBA{R: 255, A: 255}
	outlineColor = color.RGBA{A: 255}
	labelColor   = color.RGBA{R: 255, G: 255, B: 255, A: 100}
	labelOutline = color.RGBA{A: 200}
)

// Overlay returns a copy of src with a numbered gridSize×gridSize grid drawn
// on top. Line widths scale with the image diagonal so the grid stays legible
// on both crops and full-resolution screenshots.
func Overlay(src image.Image, gridSize int) (*image.RGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if err := checkGeometry(Rect{Width: w, Height: h}, gridSize); err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	scale := math.Hypot(float64(w), float64(h)) / referenceDiagonal
	scale = math.Max(minLineScale, math.Min(maxLineScale, scale))
	lineWidth := max(2, int(10*scale))
	outlineWidth := max(1, int(2*scale))

	cw := float64(w) / float64(gridSize)
	ch := float64(h) / float64(gridSize)

	for i := 1; i < gridSize; i++ {
		x := int(float64(i) * cw)
		vline(dst, x, lineWidth+2*outlineWidth, outlineColor)
		vline(dst, x, lineWidth, lineColor)
		y := int(float64(i) * ch)
		hline(dst, y, lineWidth+2*outlineWidth, outlineColor)
		hline(dst, y, lineWidth, lineColor)
	}
	border(dst, lineWidth+2*outlineWidth, outlineColor)
	border(dst, lineWidth, lineColor)

	labelHeight := int(math.Min(cw, ch) * labelHeightRatio)
	for cell := 1; cell <= Cells(gridSize); cell++ {
		center, err := CellCenter(Rect{Width: w, Height: h}, gridSize, cell)
		if err != nil {
			return nil, err
		}
		drawLabel(dst, strconv.Itoa(cell), center, labelHeight)
	}
	return dst, nil
}

// OverlayPNG decodes a PNG, overlays the grid and re-encodes it.
func OverlayPNG(data []byte, gridSize int) ([]byte, error) {
	img, err := DecodePNG(data)
	if err != nil {
		return nil, err
	}
	out, err := Overlay(img, gridSize)
	if err != nil {
		return nil, err
	}
	return EncodePNG(out)
}

// DecodePNG decodes PNG bytes.
func DecodePNG(data []byte) (image.Image, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	return img, nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func vline(dst *image.RGBA, x, width int, c color.Color) {
	b := dst.Bounds()
	r := image.Rect(x-width/2, b.Min.Y, x-width/2+width, b.Max.Y).Intersect(b)
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func hline(dst *image.RGBA, y, width int, c color.Color) {
	b := dst.Bounds()
	r := image.Rect(b.Min.X, y-width/2, b.Max.X, y-width/2+width).Intersect(b)
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

func border(dst *image.RGBA, width int, c color.Color) {
	b := dst.Bounds()
	u := image.NewUniform(c)
	for _, r := range []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+width),
		image.Rect(b.Min.X, b.Max.Y-width, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+width, b.Max.Y),
		image.Rect(b.Max.X-width, b.Min.Y, b.Max.X, b.Max.Y),
	} {
		draw.Draw(dst, r.Intersect(b), u, image.Point{}, draw.Src)
	}
}

// drawLabel renders text with the 7x13 bitmap face, outlines it, and scales it
// up so its height is roughly height pixels, centered on at.
func drawLabel(dst *image.RGBA, text string, at Point, height int) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	tw := d.MeasureString(text).Ceil()
	th := face.Metrics().Height.Ceil()

	glyph := image.NewRGBA(image.Rect(0, 0, tw+2, th+2))
	baseline := face.Metrics().Ascent.Ceil() + 1
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			if dx == 0 && dy == 0 {
				continue
			}
			d = &font.Drawer{Dst: glyph, Src: image.NewUniform(labelOutline), Face: face, Dot: fixed.P(1+dx, baseline+dy)}
			d.DrawString(text)
		}
	}
	d = &font.Drawer{Dst: glyph, Src: image.NewUniform(labelColor), Face: face, Dot: fixed.P(1, baseline)}
	d.DrawString(text)

	gb := glyph.Bounds()
	factor := math.Max(1, float64(height)/float64(gb.Dy()))
	sw := int(float64(gb.Dx()) * factor)
	sh := int(float64(gb.Dy()) * factor)
	target := image.Rect(at.X-sw/2, at.Y-sh/2, at.X-sw/2+sw, at.Y-sh/2+sh)
	xdraw.NearestNeighbor.Scale(dst, target, glyph, gb, xdraw.Over, nil)
}
