package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
)

func TestFrameProcessor_Frame(t *testing.T) {
	tests := []struct {
		name          string
		imageData     []byte
		width, height int
		expectedError string
		validateFunc  func(t *testing.T, fb domain.FrameBuffer)
	}{
		{
			name:      "Success - PNG to panel",
			imageData: createTestPNG(100, 100, color.NRGBA{R: 255, G: 0, B: 0, A: 255}),
			width:     domain.PanelWidth,
			height:    domain.PanelHeight,
			validateFunc: func(t *testing.T, fb domain.FrameBuffer) {
				if err := fb.Validate(); err != nil {
					t.Fatalf("result is not a panel frame: %v", err)
				}
				for i, c := range fb {
					if c != (domain.RGB{R: 255}) {
						t.Fatalf("pixel %d: expected pure red, got %+v", i, c)
					}
				}
			},
		},
		{
			name:      "Success - JPEG to canvas",
			imageData: createTestJPEG(200, 150, color.RGBA{R: 0, G: 255, B: 0, A: 255}),
			width:     domain.CanvasWidth,
			height:    domain.CanvasHeight,
			validateFunc: func(t *testing.T, fb domain.FrameBuffer) {
				if len(fb) != domain.CanvasPixels {
					t.Fatalf("expected %d pixels, got %d", domain.CanvasPixels, len(fb))
				}
				c := fb[len(fb)/2]
				if c.G < 200 || c.R > 50 || c.B > 50 {
					t.Errorf("expected mostly green, got %+v", c)
				}
			},
		},
		{
			name:      "Transparency becomes black",
			imageData: createTestPNG(16, 16, color.NRGBA{R: 255, G: 255, B: 255, A: 0}),
			width:     domain.PanelWidth,
			height:    domain.PanelHeight,
			validateFunc: func(t *testing.T, fb domain.FrameBuffer) {
				if fb[0] != domain.Black {
					t.Errorf("expected black, got %+v", fb[0])
				}
			},
		},
		{
			name:      "Edge Case - Very Small Image",
			imageData: createTestPNG(1, 1, color.NRGBA{R: 128, G: 128, B: 128, A: 255}),
			width:     domain.PanelWidth,
			height:    domain.PanelHeight,
			validateFunc: func(t *testing.T, fb domain.FrameBuffer) {
				if fb[255] != (domain.RGB{R: 128, G: 128, B: 128}) {
					t.Errorf("expected gray, got %+v", fb[255])
				}
			},
		},
		{
			name:          "Error - Invalid Image Data",
			imageData:     []byte("not-an-image"),
			width:         16,
			height:        16,
			expectedError: "failed to decode image",
		},
		{
			name:          "Error - Empty Data",
			imageData:     []byte{},
			width:         16,
			height:        16,
			expectedError: "failed to decode image",
		},
		{
			name:          "Error - Corrupted JPEG",
			imageData:     []byte{0xFF, 0xD8, 0xFF, 0x00, 0x00},
			width:         16,
			height:        16,
			expectedError: "failed to decode image",
		},
		{
			name:          "Error - Bad target size",
			imageData:     createTestPNG(4, 4, color.NRGBA{A: 255}),
			width:         0,
			height:        16,
			expectedError: "invalid target size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := NewFrameProcessor(zap.NewNop())
			fb, err := processor.Frame(context.Background(), tt.imageData, tt.width, tt.height)

			if tt.expectedError != "" {
				if err == nil {
					t.Fatalf("expected error containing '%s', got nil", tt.expectedError)
				}
				if !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("expected error '%s' to contain '%s'", err.Error(), tt.expectedError)
				}
				if domain.KindOf(err) != domain.KindValidation {
					t.Errorf("expected kind %q, got %q", domain.KindValidation, domain.KindOf(err))
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.validateFunc != nil {
				tt.validateFunc(t, fb)
			}
		})
	}
}

// Pixels keep their row-major placement through the resize.
func TestFrameProcessor_PreservesLayout(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			c := color.NRGBA{A: 255}
			if x >= 16 {
				c.B = 255
			}
			img.SetNRGBA(x, y, c)
		}
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}

	p := &FrameProcessor{logger: zap.NewNop(), config: ProcessorConfig{Filter: imaging.NearestNeighbor}}
	fb, err := p.Frame(context.Background(), buf.Bytes(), 16, 16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if fb.At(0, 8) != domain.Black {
		t.Errorf("left half: expected black, got %+v", fb.At(0, 8))
	}
	if fb.At(15, 8) != (domain.RGB{B: 255}) {
		t.Errorf("right half: expected blue, got %+v", fb.At(15, 8))
	}
}

// createTestJPEG generates a simple JPEG image for testing
func createTestJPEG(width, height int, col color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, col)
		}
	}

	buf := new(bytes.Buffer)
	err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 80})
	if err != nil {
		panic("failed to create test JPEG: " + err.Error())
	}
	return buf.Bytes()
}

// createTestPNG generates a uniform PNG image for testing
func createTestPNG(width, height int, col color.NRGBA) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, col)
		}
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		panic("failed to create test PNG: " + err.Error())
	}
	return buf.Bytes()
}
