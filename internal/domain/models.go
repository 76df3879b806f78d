package domain

import (
	"fmt"
	"time"
)

const (
	// PanelWidth is the number of pixel columns on one panel
	PanelWidth = 16
	// PanelHeight is the number of pixel rows on one panel
	PanelHeight = 16
	// PanelPixels is the number of cells in a panel frame buffer
	PanelPixels = PanelWidth * PanelHeight

	// GridCols is the number of panel columns in the grid
	GridCols = 4
	// GridRows is the number of panel rows in the grid
	GridRows = 4
	// GridPositions is the number of cells in the 4x4 layout
	GridPositions = GridCols * GridRows

	// CanvasWidth is the width of the virtual canvas in pixels
	CanvasWidth = GridCols * PanelWidth
	// CanvasHeight is the height of the virtual canvas in pixels
	CanvasHeight = GridRows * PanelHeight
	// CanvasPixels is the number of cells in a grid-wide buffer
	CanvasPixels = CanvasWidth * CanvasHeight
)

// LinkState represents the connection state of a panel link
type LinkState string

const (
	// StateDisconnected means no connection handle is held
	StateDisconnected LinkState = "disconnected"
	// StateConnecting means a dial is in progress
	StateConnecting LinkState = "connecting"
	// StateConnected means the link accepts writes
	StateConnected LinkState = "connected"
	// StateWriting means a write is in flight on a connected link
	StateWriting LinkState = "writing"
	// StateDisconnecting means the connection is being closed
	StateDisconnecting LinkState = "disconnecting"
	// StateError means the last connect or write attempt failed
	StateError LinkState = "error"
)

// Usable reports whether the link can accept writes in this state
func (s LinkState) Usable() bool {
	return s == StateConnected || s == StateWriting
}

// RGB is one pixel color. Channels are ints so that out-of-range input
// can be rejected instead of wrapped.
type RGB struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// Black is the cleared pixel color
var Black = RGB{}

// Validate checks that every channel is within 0-255
func (c RGB) Validate() error {
	if !inByteRange(c.R) || !inByteRange(c.G) || !inByteRange(c.B) {
		return Errorf(KindValidation, "validate color",
			"color (%d,%d,%d) out of range 0-255", c.R, c.G, c.B)
	}
	return nil
}

// Bytes returns the channels as wire bytes; the color must already be valid
func (c RGB) Bytes() (byte, byte, byte) {
	return byte(c.R), byte(c.G), byte(c.B)
}

// Pixel is one panel-local cell update
type Pixel struct {
	X     int
	Y     int
	Color RGB
}

func inByteRange(v int) bool {
	return v >= 0 && v <= 255
}

// FrameBuffer is a full panel image in row-major order (index = y*16+x)
type FrameBuffer []RGB

// NewFrameBuffer returns a black frame buffer
func NewFrameBuffer() FrameBuffer {
	return make(FrameBuffer, PanelPixels)
}

// UniformFrame returns a frame buffer with every cell set to c
func UniformFrame(c RGB) FrameBuffer {
	fb := make(FrameBuffer, PanelPixels)
	for i := range fb {
		fb[i] = c
	}
	return fb
}

// Validate checks the buffer length and every pixel color
func (fb FrameBuffer) Validate() error {
	if len(fb) != PanelPixels {
		return Errorf(KindValidation, "validate frame",
			"frame buffer must hold %d pixels, got %d", PanelPixels, len(fb))
	}
	for i, c := range fb {
		if err := c.Validate(); err != nil {
			return Errorf(KindValidation, "validate frame", "pixel %d: %v", i, err)
		}
	}
	return nil
}

// Clone returns an independent copy of the buffer
func (fb FrameBuffer) Clone() FrameBuffer {
	if fb == nil {
		return nil
	}
	out := make(FrameBuffer, len(fb))
	copy(out, fb)
	return out
}

// At returns the pixel at local (x, y)
func (fb FrameBuffer) At(x, y int) RGB {
	return fb[y*PanelWidth+x]
}

// ValidatePixel checks a panel-local coordinate
func ValidatePixel(x, y int) error {
	if x < 0 || x >= PanelWidth || y < 0 || y >= PanelHeight {
		return Errorf(KindValidation, "validate pixel",
			"pixel (%d,%d) out of range 0-%d", x, y, PanelWidth-1)
	}
	return nil
}

// ValidatePosition checks a grid position
func ValidatePosition(position int) error {
	if position < 0 || position >= GridPositions {
		return Errorf(KindValidation, "validate position",
			"grid position %d out of range 0-%d", position, GridPositions-1)
	}
	return nil
}

// Panel is a point-in-time snapshot of one physical panel
type Panel struct {
	Address       string      `json:"address"`
	Name          string      `json:"name,omitempty"`
	State         LinkState   `json:"state"`
	RSSI          *int        `json:"rssi,omitempty"`
	GridPosition  *int        `json:"grid_position,omitempty"`
	Frame         FrameBuffer `json:"-"`
	LastWrite     time.Time   `json:"last_write,omitzero"`
	LastConnected time.Time   `json:"last_connected,omitzero"`
	LastError     string      `json:"error_message,omitempty"`
}

// Connected reports whether the panel's link accepts writes
func (p Panel) Connected() bool {
	return p.State.Usable()
}

// Assigned reports whether the panel holds a grid position
func (p Panel) Assigned() bool {
	return p.GridPosition != nil
}

func (p Panel) String() string {
	if p.GridPosition != nil {
		return fmt.Sprintf("%s@%d(%s)", p.Address, *p.GridPosition, p.State)
	}
	return fmt.Sprintf("%s(%s)", p.Address, p.State)
}

// Candidate is one panel found by discovery
type Candidate struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	RSSI    *int   `json:"rssi,omitempty"`
}

// Assignment is a persisted address to grid position binding
type Assignment struct {
	Address      string `yaml:"address" json:"address"`
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	GridPosition *int   `yaml:"grid_position,omitempty" json:"grid_position,omitempty"`
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
