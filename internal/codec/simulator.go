package codec

import (
	"bytes"
	"fmt"

	"github.com/genricoloni/matrixd/internal/domain"
)

// Simulator replays wire commands against an in-memory panel.
// It is not safe for concurrent use.
type Simulator struct {
	frame    domain.FrameBuffer
	staging  domain.FrameBuffer
	received [ImageBlocks]bool
	transfer bool
	powered  bool
	drawMode bool
}

// NewSimulator returns a simulator showing a black, powered-off panel
func NewSimulator() *Simulator {
	return &Simulator{frame: domain.NewFrameBuffer()}
}

// Frame returns a copy of what the panel currently shows
func (s *Simulator) Frame() domain.FrameBuffer {
	return s.frame.Clone()
}

// Powered reports the panel's power state
func (s *Simulator) Powered() bool {
	return s.powered
}

// DrawMode reports whether the panel accepted the drawing-mode command
func (s *Simulator) DrawMode() bool {
	return s.drawMode
}

// Apply decodes one command and updates the simulated panel
func (s *Simulator) Apply(cmd []byte) error {
	if len(cmd) < 5 || cmd[0] != headerByte || cmd[len(cmd)-1] != trailerByte {
		return fmt.Errorf("malformed command % x", cmd)
	}

	switch {
	case bytes.Equal(cmd, powerOnInitCmd), bytes.Equal(cmd, powerOnCmd):
		s.powered = true
		return nil
	case bytes.Equal(cmd, powerOffCmd):
		s.powered = false
		return nil
	case bytes.Equal(cmd, drawModeCmd):
		s.drawMode = true
		return nil
	case bytes.Equal(cmd, startImageCmd):
		s.transfer = true
		s.staging = s.frame.Clone()
		s.received = [ImageBlocks]bool{}
		return nil
	case bytes.Equal(cmd, endImageCmd):
		return s.commit()
	}

	switch cmd[1] {
	case opPixel:
		return s.applyPixel(cmd)
	case opImage:
		return s.applyBlock(cmd)
	}
	return fmt.Errorf("unknown command % x", cmd)
}

func (s *Simulator) applyPixel(cmd []byte) error {
	if len(cmd) != pixelCommandLen {
		return fmt.Errorf("pixel command has %d bytes, want %d", len(cmd), pixelCommandLen)
	}
	index := int(cmd[4])
	want := byte((index + 1) % domain.PanelPixels)
	if index == 0 {
		want = 0xFF
	}
	if cmd[8] != want {
		return fmt.Errorf("pixel %d: end marker %#x, want %#x", index, cmd[8], want)
	}
	s.frame[index] = domain.RGB{R: int(cmd[5]), G: int(cmd[6]), B: int(cmd[7])}
	return nil
}

func (s *Simulator) applyBlock(cmd []byte) error {
	if !s.transfer {
		return fmt.Errorf("image block outside of a transfer")
	}
	if len(cmd) != blockCommandLen {
		return fmt.Errorf("image block has %d bytes, want %d", len(cmd), blockCommandLen)
	}
	block := int(cmd[2]) - 1
	if block < 0 || block >= ImageBlocks {
		return fmt.Errorf("image block number %d out of range", cmd[2])
	}
	data := cmd[3 : len(cmd)-1]
	for i := 0; i < BlockPixels; i++ {
		s.staging[block*BlockPixels+i] = domain.RGB{
			R: int(data[i*3]),
			G: int(data[i*3+1]),
			B: int(data[i*3+2]),
		}
	}
	s.received[block] = true
	return nil
}

func (s *Simulator) commit() error {
	if !s.transfer {
		return fmt.Errorf("image end without start")
	}
	s.transfer = false
	for i, ok := range s.received {
		if !ok {
			return fmt.Errorf("image transfer missing block %d", i+1)
		}
	}
	s.frame = s.staging
	s.staging = nil
	return nil
}
