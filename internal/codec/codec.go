// Package codec turns drawing requests into the panel wire format.
//
// Every command is framed by a 0xBC header byte and a 0x55 trailer. A single
// pixel fits in one command; a full image is a start marker, eight blocks of
// 32 row-major pixels and an end marker.
package codec

import (
	"fmt"

	"github.com/genricoloni/matrixd/internal/domain"
)

const (
	headerByte  = 0xBC
	trailerByte = 0x55

	opPixel = 0x01
	opImage = 0x0F

	imageStart = 0xF1
	imageEnd   = 0xF2

	// BlockPixels is the number of pixels carried by one image block
	BlockPixels = 32
	// ImageBlocks is the number of blocks in a full image transfer
	ImageBlocks = domain.PanelPixels / BlockPixels

	pixelCommandLen = 10
	blockCommandLen = 3 + BlockPixels*3 + 1
)

// GATT identifiers of the panel's drawing service
const (
	ServiceUUID        = "0000ffd0-0000-1000-8000-00805f9b34fb"
	CharacteristicUUID = "0000ffd1-0000-1000-8000-00805f9b34fb"
)

var (
	startImageCmd = []byte{headerByte, opImage, imageStart, 0x08, 0x08, trailerByte}
	endImageCmd   = []byte{headerByte, opImage, imageEnd, 0x08, 0x09, trailerByte}

	powerOnInitCmd = []byte{headerByte, 0x00, 0x01, 0x01, trailerByte}
	drawModeCmd    = []byte{headerByte, 0x00, 0x0D, 0x0D, trailerByte}

	powerOnCmd  = []byte{headerByte, 0xFF, 0x01, 0xFF, trailerByte}
	powerOffCmd = []byte{headerByte, 0xFF, 0x00, 0xFF, trailerByte}
)

// EncodePixel returns the single command that updates cell (x, y)
func EncodePixel(x, y int, c domain.RGB) ([]byte, error) {
	if err := domain.ValidatePixel(x, y); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	index := y*domain.PanelWidth + x
	end := byte((index + 1) % domain.PanelPixels)
	if index == 0 {
		end = 0xFF
	}
	r, g, b := c.Bytes()

	return []byte{headerByte, opPixel, 0x01, 0x00, byte(index), r, g, b, end, trailerByte}, nil
}

// EncodePixels encodes a batch of pixel updates in order. Nothing is
// returned unless every pixel is valid.
func EncodePixels(pixels []domain.Pixel) ([][]byte, error) {
	if len(pixels) == 0 {
		return nil, domain.Errorf(domain.KindValidation, "encode pixels", "no pixels provided")
	}
	cmds := make([][]byte, 0, len(pixels))
	for i, p := range pixels {
		cmd, err := EncodePixel(p.X, p.Y, p.Color)
		if err != nil {
			return nil, domain.NewError(domain.KindValidation, "encode pixels", fmt.Errorf("pixel %d: %w", i, err))
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// EncodeImage returns the command sequence that redraws the whole panel
func EncodeImage(fb domain.FrameBuffer) ([][]byte, error) {
	if err := fb.Validate(); err != nil {
		return nil, err
	}

	cmds := make([][]byte, 0, ImageBlocks+2)
	cmds = append(cmds, clone(startImageCmd))

	for block := 0; block < ImageBlocks; block++ {
		cmd := make([]byte, 0, blockCommandLen)
		cmd = append(cmd, headerByte, opImage, byte(block+1))
		for _, c := range fb[block*BlockPixels : (block+1)*BlockPixels] {
			r, g, b := c.Bytes()
			cmd = append(cmd, r, g, b)
		}
		cmd = append(cmd, trailerByte)
		cmds = append(cmds, cmd)
	}

	cmds = append(cmds, clone(endImageCmd))
	return cmds, nil
}

// EncodeFill returns the commands that paint every cell with c.
// The panel has no native fill, so this is an image of a uniform buffer.
func EncodeFill(c domain.RGB) ([][]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return EncodeImage(domain.UniformFrame(c))
}

// EncodeClear is EncodeFill with black
func EncodeClear() [][]byte {
	cmds, _ := EncodeFill(domain.Black)
	return cmds
}

// EncodeInit returns the commands sent right after a connection is established:
// power on, then switch the panel into drawing mode.
func EncodeInit() [][]byte {
	return [][]byte{clone(powerOnInitCmd), clone(drawModeCmd)}
}

// EncodePower switches the panel's LEDs on or off
func EncodePower(on bool) []byte {
	if on {
		return clone(powerOnCmd)
	}
	return clone(powerOffCmd)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
