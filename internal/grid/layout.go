// Package grid maps the 64x64 virtual canvas onto the 4x4 panel layout and
// fans grid-wide drawing out to the assigned panels.
package grid

import (
	"github.com/genricoloni/matrixd/internal/domain"
)

// Cell is a canvas coordinate resolved to a panel position and local pixel
type Cell struct {
	Position int
	X        int
	Y        int
}

// ValidateCanvasPixel checks a virtual canvas coordinate
func ValidateCanvasPixel(gx, gy int) error {
	if gx < 0 || gx >= domain.CanvasWidth || gy < 0 || gy >= domain.CanvasHeight {
		return domain.Errorf(domain.KindValidation, "validate canvas pixel",
			"canvas pixel (%d,%d) out of range 0-%d", gx, gy, domain.CanvasWidth-1)
	}
	return nil
}

// Decompose resolves a canvas coordinate to its grid position and local pixel
func Decompose(gx, gy int) (Cell, error) {
	if err := ValidateCanvasPixel(gx, gy); err != nil {
		return Cell{}, err
	}
	col := gx / domain.PanelWidth
	row := gy / domain.PanelHeight
	return Cell{
		Position: row*domain.GridCols + col,
		X:        gx % domain.PanelWidth,
		Y:        gy % domain.PanelHeight,
	}, nil
}

// Compose is the inverse of Decompose
func Compose(c Cell) (gx, gy int, err error) {
	if err := domain.ValidatePosition(c.Position); err != nil {
		return 0, 0, err
	}
	if err := domain.ValidatePixel(c.X, c.Y); err != nil {
		return 0, 0, err
	}
	gx = (c.Position%domain.GridCols)*domain.PanelWidth + c.X
	gy = (c.Position/domain.GridCols)*domain.PanelHeight + c.Y
	return gx, gy, nil
}

// Slice cuts a row-major 64x64 canvas into one frame buffer per grid position
func Slice(canvas domain.FrameBuffer) ([domain.GridPositions]domain.FrameBuffer, error) {
	var frames [domain.GridPositions]domain.FrameBuffer

	if len(canvas) != domain.CanvasPixels {
		return frames, domain.Errorf(domain.KindValidation, "slice canvas",
			"canvas must have %d pixels, got %d", domain.CanvasPixels, len(canvas))
	}
	for i, c := range canvas {
		if err := c.Validate(); err != nil {
			return frames, domain.Errorf(domain.KindValidation, "slice canvas", "pixel %d: %v", i, err)
		}
	}

	for p := range frames {
		frames[p] = domain.NewFrameBuffer()
	}
	for gy := 0; gy < domain.CanvasHeight; gy++ {
		for gx := 0; gx < domain.CanvasWidth; gx++ {
			cell, _ := Decompose(gx, gy)
			frames[cell.Position][cell.Y*domain.PanelWidth+cell.X] = canvas[gy*domain.CanvasWidth+gx]
		}
	}
	return frames, nil
}
