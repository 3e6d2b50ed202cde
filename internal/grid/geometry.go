// Package grid maps numbered grid cells to pixel coordinates and renders the
// numbered overlay the vision oracle reads.
//
// Cells are numbered row-major starting at 1 in the top-left corner and ending
// at gridSize*gridSize in the bottom-right corner.
package grid

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidCell is returned when a cell number falls outside [1, gridSize²].
	ErrInvalidCell = errors.New("grid: invalid cell")
	// ErrInvalidGeometry is returned for non-positive sizes or scale factors.
	ErrInvalidGeometry = errors.New("grid: invalid geometry")
)

// Rect is a pixel rectangle in full-image coordinates.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Point is a pixel position in full-image coordinates.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Coord is a logical screen coordinate: image pixels divided by the display
// scale factor.
type Coord struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rounded returns the nearest integer screen position.
func (c Coord) Rounded() (int, int) {
	return int(math.Round(c.X)), int(math.Round(c.Y))
}

// Cells returns the number of cells in a gridSize×gridSize grid.
func Cells(gridSize int) int {
	return gridSize * gridSize
}

// ValidCell reports whether cell is addressable in a gridSize×gridSize grid.
func ValidCell(gridSize, cell int) bool {
	return gridSize > 0 && cell >= 1 && cell <= Cells(gridSize)
}

// CellCenter returns the pixel center of cell inside bounds. The bounds origin
// is the offset of a cropped region, so the result is always in full-image
// coordinates. Halves round away from zero.
func CellCenter(bounds Rect, gridSize, cell int) (Point, error) {
	if err := checkGeometry(bounds, gridSize); err != nil {
		return Point{}, err
	}
	if !ValidCell(gridSize, cell) {
		return Point{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidCell, cell, Cells(gridSize))
	}
	row, col := (cell-1)/gridSize, (cell-1)%gridSize
	cw := float64(bounds.Width) / float64(gridSize)
	ch := float64(bounds.Height) / float64(gridSize)
	x := float64(bounds.X) + float64(col)*cw + cw/2
	y := float64(bounds.Y) + float64(row)*ch + ch/2
	return Point{X: int(math.Round(x)), Y: int(math.Round(y))}, nil
}

// Resolve returns the logical screen coordinate of cell's center: the pixel
// center divided by scaleFactor.
func Resolve(bounds Rect, gridSize, cell int, scaleFactor float64) (Coord, error) {
	if scaleFactor <= 0 || math.IsNaN(scaleFactor) || math.IsInf(scaleFactor, 0) {
		return Coord{}, fmt.Errorf("%w: scale factor %v", ErrInvalidGeometry, scaleFactor)
	}
	p, err := CellCenter(bounds, gridSize, cell)
	if err != nil {
		return Coord{}, err
	}
	return Coord{X: float64(p.X) / scaleFactor, Y: float64(p.Y) / scaleFactor}, nil
}

// CellBounds returns the pixel rectangle covered by cell. Pixel columns are
// assigned to the cell whose real-valued span contains them, so CellBounds and
// CellAt always agree.
func CellBounds(bounds Rect, gridSize, cell int) (Rect, error) {
	if err := checkGeometry(bounds, gridSize); err != nil {
		return Rect{}, err
	}
	if !ValidCell(gridSize, cell) {
		return Rect{}, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidCell, cell, Cells(gridSize))
	}
	row, col := (cell-1)/gridSize, (cell-1)%gridSize
	x0 := ceilDiv(col*bounds.Width, gridSize)
	x1 := ceilDiv((col+1)*bounds.Width, gridSize)
	y0 := ceilDiv(row*bounds.Height, gridSize)
	y1 := ceilDiv((row+1)*bounds.Height, gridSize)
	return Rect{X: bounds.X + x0, Y: bounds.Y + y0, Width: x1 - x0, Height: y1 - y0}, nil
}

// CellAt returns the cell enclosing pixel (x, y).
func CellAt(bounds Rect, gridSize, x, y int) (int, error) {
	if err := checkGeometry(bounds, gridSize); err != nil {
		return 0, err
	}
	dx, dy := x-bounds.X, y-bounds.Y
	if dx < 0 || dy < 0 || dx >= bounds.Width || dy >= bounds.Height {
		return 0, fmt.Errorf("%w: point (%d,%d) outside %+v", ErrInvalidCell, x, y, bounds)
	}
	col := dx * gridSize / bounds.Width
	row := dy * gridSize / bounds.Height
	return row*gridSize + col + 1, nil
}

func checkGeometry(bounds Rect, gridSize int) error {
	if gridSize < 1 {
		return fmt.Errorf("%w: grid size %d", ErrInvalidGeometry, gridSize)
	}
	if bounds.Width <= 0 || bounds.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidGeometry, bounds.Width, bounds.Height)
	}
	return nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
