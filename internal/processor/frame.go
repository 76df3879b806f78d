package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // GIF format support
	_ "image/jpeg" // JPEG format support
	_ "image/png"  // PNG format support

	"github.com/disintegration/imaging"
	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // BMP format support
	_ "golang.org/x/image/webp" // WebP format support
)

const maxSourcePixels = 4096 * 4096

// ProcessorConfig holds configuration for image processing
type ProcessorConfig struct {
	// Crop fills the target by cropping the center instead of stretching
	Crop   bool
	Filter imaging.ResampleFilter
}

// FrameProcessor turns encoded images into panel or canvas frame buffers
type FrameProcessor struct {
	logger *zap.Logger
	config ProcessorConfig
}

// NewFrameProcessor creates a processor that center-crops with Lanczos resampling
func NewFrameProcessor(logger *zap.Logger) *FrameProcessor {
	return &FrameProcessor{
		logger: logger,
		config: ProcessorConfig{
			Crop:   true,
			Filter: imaging.Lanczos,
		},
	}
}

// Frame decodes imageData and resizes it to width x height. Transparent
// pixels are composited over black, which is what an unlit LED shows.
func (p *FrameProcessor) Frame(ctx context.Context, imageData []byte, width, height int) (domain.FrameBuffer, error) {
	if width <= 0 || height <= 0 {
		return nil, domain.Errorf(domain.KindValidation, "process image", "invalid target size %dx%d", width, height)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "process image", fmt.Errorf("failed to decode image: %w", err))
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, domain.Errorf(domain.KindValidation, "process image", "invalid image dimensions: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Width*cfg.Height > maxSourcePixels {
		return nil, domain.Errorf(domain.KindValidation, "process image", "image too large: %dx%d", cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, "process image", fmt.Errorf("failed to decode image: %w", err))
	}

	var resized *image.NRGBA
	if p.config.Crop {
		resized = imaging.Fill(img, width, height, imaging.Center, p.config.Filter)
	} else {
		resized = imaging.Resize(img, width, height, p.config.Filter)
	}
	flat := imaging.New(width, height, image.Black)
	flat = imaging.Overlay(flat, resized, image.Pt(0, 0), 1.0)

	fb := make(domain.FrameBuffer, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := flat.PixOffset(x, y)
			fb[y*width+x] = domain.RGB{
				R: int(flat.Pix[i]),
				G: int(flat.Pix[i+1]),
				B: int(flat.Pix[i+2]),
			}
		}
	}

	p.logger.Debug("Image converted to frame",
		zap.Int("src_w", cfg.Width),
		zap.Int("src_h", cfg.Height),
		zap.Int("w", width),
		zap.Int("h", height))
	return fb, nil
}
